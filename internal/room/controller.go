package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"studyroom/internal/api"
	"studyroom/internal/presence"
	"studyroom/internal/protocol"
	"studyroom/internal/registry"
	"studyroom/internal/storage"
	"studyroom/internal/timeline"
)

// State is the per-membership lifecycle. Joined-ness and subscribed-ness are
// never tracked as separate booleans: illegal combinations such as
// subscribed-but-not-joined are unrepresentable.
type State string

const (
	StateIdle    State = "IDLE"
	StateJoining State = "JOINING"
	StateActive  State = "ACTIVE"
	StateLeaving State = "LEAVING"
)

var (
	// ErrNotIdle means a join was requested while another membership is in
	// progress.
	ErrNotIdle = errors.New("room membership not idle")

	// ErrJoinTimeout means the join sequence exceeded its overall deadline.
	ErrJoinTimeout = errors.New("join timed out")
)

// Conn is the transport surface the controller drives.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect(preventReconnect bool)
	Publish(topic string, payload interface{}) error
}

// HistoryLoader fetches one normalized page of durable history.
type HistoryLoader interface {
	Load(ctx context.Context, roomID int64, kind protocol.RoomKind, page int) ([]protocol.RoomEvent, error)
}

// MarkerStore is the durable current-room marker.
type MarkerStore interface {
	SetCurrentRoom(m storage.Marker) error
	ClearCurrentRoom() error
	CurrentRoom() (*storage.Marker, error)
}

// Config carries the controller knobs.
type Config struct {
	JoinTimeout  time.Duration
	SelfNickname string
}

// Controller orchestrates join-room → subscribe → load-history → start-session
// and the reverse leave sequence. It distinguishes a transient page refresh
// (server-side membership and session survive) from a genuine navigation away
// (full leave).
type Controller struct {
	api     api.Client
	conn    Conn
	reg     *registry.Registry
	loader  HistoryLoader
	store   MarkerStore
	timer   *presence.Coordinator
	cfg     Config
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	state     State
	roomID    int64
	roomKind  protocol.RoomKind
	sessionID int64
	engine    *timeline.Engine
	zlog      *zap.Logger

	// Live events are buffered until the history page has been reconciled,
	// so a question from history is always indexed before an answer that
	// arrives right after subscribing.
	live   bool
	buffer []protocol.RoomEvent
}

func NewController(
	apiClient api.Client,
	conn Conn,
	reg *registry.Registry,
	loader HistoryLoader,
	store MarkerStore,
	timer *presence.Coordinator,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 30 * time.Second
	}
	return &Controller{
		api:    apiClient,
		conn:   conn,
		reg:    reg,
		loader: loader,
		store:  store,
		timer:  timer,
		cfg:    cfg,
		state:  StateIdle,
		engine: timeline.NewEngine(logger),
		zlog:   logger,
		logger: logger.Sugar(),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Engine exposes the reconciled timeline for the current membership.
func (c *Controller) Engine() *timeline.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// SavedMarker reports a persisted in-progress membership, if any, so the
// caller can offer to resume it.
func (c *Controller) SavedMarker() (*storage.Marker, error) {
	return c.store.CurrentRoom()
}

// Join runs the full join sequence under one overall timeout. Metadata and
// membership failures are fatal; history and session-start failures are not.
func (c *Controller) Join(ctx context.Context, roomID int64, kind protocol.RoomKind) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.state = StateJoining
	c.roomID = roomID
	c.roomKind = kind
	c.sessionID = 0
	c.engine = timeline.NewEngine(c.zlog)
	c.live = false
	c.buffer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()

	if err := c.join(ctx, roomID, kind); err != nil {
		c.abortJoin(roomID, kind)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrJoinTimeout, err)
		}
		return err
	}

	c.mu.Lock()
	c.state = StateActive
	c.mu.Unlock()
	c.logger.Infow("Room joined", "room_id", roomID, "room_kind", kind)
	return nil
}

func (c *Controller) join(ctx context.Context, roomID int64, kind protocol.RoomKind) error {
	info, err := c.api.Room(ctx, roomID)
	if err != nil {
		return err
	}

	// The creator is a member by construction.
	if info.CreatorNickname != c.cfg.SelfNickname {
		if err := c.api.Join(ctx, roomID); err != nil {
			return err
		}
	}

	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	if err := c.reg.Subscribe(roomID, kind, c.handleEvent); err != nil {
		return err
	}

	events, err := c.loader.Load(ctx, roomID, kind, 0)
	if err != nil {
		// The room stays usable for live messaging with an empty timeline.
		c.logger.Warnw("Joining without history", "room_id", roomID, "error", err)
		events = nil
	}
	c.seedAndGoLive(events)

	sessionID, err := c.api.StartSession(ctx, kind, roomID)
	if err != nil {
		c.logger.Warnw("Joining without a study session", "room_id", roomID, "error", err)
	} else {
		c.mu.Lock()
		c.sessionID = sessionID
		c.mu.Unlock()
	}

	marker := storage.Marker{RoomID: roomID, RoomKind: kind, SessionID: sessionID}
	if err := c.store.SetCurrentRoom(marker); err != nil {
		c.logger.Warnw("Failed to persist current room marker", "room_id", roomID, "error", err)
	}
	return nil
}

// seedAndGoLive replays history through the engine, then flushes any live
// events that arrived while history was loading. Duplicate-id suppression in
// the engine covers the overlap between the two streams.
func (c *Controller) seedAndGoLive(events []protocol.RoomEvent) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()

	for _, ev := range events {
		engine.Ingest(ev)
	}

	c.mu.Lock()
	buffered := c.buffer
	c.buffer = nil
	c.live = true
	c.mu.Unlock()

	for _, ev := range buffered {
		engine.Ingest(ev)
	}
}

// handleEvent is the registry sink for the joined room.
func (c *Controller) handleEvent(ev protocol.RoomEvent) {
	c.mu.Lock()
	if !c.live {
		c.buffer = append(c.buffer, ev)
		c.mu.Unlock()
		return
	}
	engine := c.engine
	c.mu.Unlock()

	engine.Ingest(ev)
}

func (c *Controller) abortJoin(roomID int64, kind protocol.RoomKind) {
	c.reg.Unsubscribe(roomID, kind)
	c.conn.Disconnect(true)
	if err := c.store.ClearCurrentRoom(); err != nil {
		c.logger.Warnw("Failed to clear current room marker", "error", err)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.live = false
	c.buffer = nil
	c.mu.Unlock()
	c.logger.Warnw("Join aborted", "room_id", roomID, "room_kind", kind)
}

// Leave runs the full departure: end the study session, unsubscribe,
// disconnect with reconnect disarmed, leave the membership and clear the
// marker. Every server call is best-effort; local cleanup happens regardless.
// A leave already in progress makes further calls no-ops.
func (c *Controller) Leave(ctx context.Context) (*api.SessionReport, error) {
	c.mu.Lock()
	if c.state != StateActive && c.state != StateJoining {
		c.mu.Unlock()
		return nil, nil
	}
	c.state = StateLeaving
	roomID := c.roomID
	kind := c.roomKind
	sessionID := c.sessionID
	c.mu.Unlock()

	var report *api.SessionReport
	if sessionID != 0 {
		r, err := c.api.EndSession(ctx, sessionID)
		if err != nil {
			c.logger.Warnw("Failed to end study session", "session_id", sessionID, "error", err)
		} else {
			report = r
		}
	}
	if c.timer != nil {
		c.timer.Reset()
	}

	if err := c.reg.Unsubscribe(roomID, kind); err != nil {
		c.logger.Warnw("Failed to unsubscribe", "room_id", roomID, "error", err)
	}
	c.conn.Disconnect(true)

	if err := c.api.Leave(ctx, roomID); err != nil {
		c.logger.Warnw("Failed to leave room membership", "room_id", roomID, "error", err)
	}
	if err := c.store.ClearCurrentRoom(); err != nil {
		c.logger.Warnw("Failed to clear current room marker", "error", err)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.sessionID = 0
	c.live = false
	c.buffer = nil
	c.mu.Unlock()

	c.logger.Infow("Room left", "room_id", roomID, "room_kind", kind)
	return report, nil
}

// HandleRefresh tears the client down for a page refresh or tab close. The
// server-side membership and session must survive so the user auto-resumes on
// reload, so no collaborator call is made.
func (c *Controller) HandleRefresh() {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	roomID := c.roomID
	kind := c.roomKind
	c.live = false
	c.buffer = nil
	c.mu.Unlock()

	// Unsubscribing after the disconnect only clears local routing state;
	// the frame cannot be sent and that is fine.
	c.conn.Disconnect(true)
	c.reg.Unsubscribe(roomID, kind)
	if err := c.store.ClearCurrentRoom(); err != nil {
		c.logger.Warnw("Failed to clear current room marker on refresh", "error", err)
	}
	c.logger.Infow("Refresh teardown, membership preserved server-side", "room_id", roomID)
}

// SendTalk publishes a chat message to the joined room.
func (c *Controller) SendTalk(body, imageURL string) error {
	out := c.outbound(protocol.KindTalk, body, nil)
	if imageURL != "" && body == "" {
		out.Body = imageURL
	}
	return c.publish(out)
}

// SendQuestion publishes a help request.
func (c *Controller) SendQuestion(body string) error {
	return c.publish(c.outbound(protocol.KindQuestion, body, nil))
}

// SendAnswer publishes an answer attached to a question.
func (c *Controller) SendAnswer(questionID int64, body string) error {
	return c.publish(c.outbound(protocol.KindAnswer, body, &questionID))
}

func (c *Controller) outbound(kind protocol.Kind, body string, refID *int64) protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.Outbound{
		Kind:     kind,
		RoomKind: c.roomKind,
		RoomID:   c.roomID,
		Body:     body,
		RefID:    refID,
	}
}

func (c *Controller) publish(out protocol.Outbound) error {
	return c.conn.Publish(protocol.Topic(out.RoomKind, out.RoomID), out)
}

// AcceptAnswer calls the collaborator and optimistically resolves the local
// question. The server's SOLVE broadcast reconciles without double-applying.
func (c *Controller) AcceptAnswer(ctx context.Context, questionID, answerID int64) error {
	if err := c.api.AcceptAnswer(ctx, questionID, answerID); err != nil {
		return err
	}
	c.Engine().MarkResolved(questionID, answerID)
	return nil
}

// DeleteMessage deletes a message server-side and, on success, removes the
// matching timeline entry. On failure the timeline is left untouched.
func (c *Controller) DeleteMessage(ctx context.Context, messageID int64) error {
	if err := c.api.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	c.Engine().Remove(messageID)
	return nil
}
