package room

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"studyroom/internal/api"
	"studyroom/internal/devserver"
	"studyroom/internal/history"
	"studyroom/internal/protocol"
	"studyroom/internal/registry"
	"studyroom/internal/storage"
	"studyroom/internal/timeline"
	"studyroom/internal/transport"
)

// stack is one fully wired client (transport, registry, REST client, history
// loader, marker store, controller) talking to a live devserver.
type stack struct {
	conn       *transport.Manager
	controller *Controller
	store      *storage.Store
}

func newStack(t *testing.T, ts *httptest.Server, nickname string) *stack {
	t.Helper()
	logger := zap.NewNop()
	tokens := transport.StaticToken(nickname)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn := transport.NewManager(transport.Options{
		URL:                  wsURL,
		ReconnectMaxAttempts: 3,
		ReconnectBaseDelay:   10 * time.Millisecond,
	}, tokens, logger)

	reg := registry.New(conn, logger)
	conn.SetInbound(reg.Dispatch)

	apiClient := api.NewHTTPClient(ts.URL+"/api", tokens, logger)
	loader := history.NewLoader(apiClient, logger)

	markers, err := storage.Open(filepath.Join(t.TempDir(), "state.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { markers.Close() })

	ctrl := NewController(apiClient, conn, reg, loader, markers, nil, Config{
		JoinTimeout:  5 * time.Second,
		SelfNickname: nickname,
	}, logger)

	t.Cleanup(func() { conn.Disconnect(true) })
	return &stack{conn: conn, controller: ctrl, store: markers}
}

// TestFullRoomSession drives a complete membership against the devserver:
// join with history seed, a live question/answer exchange from a second
// participant, answer acceptance with the SOLVE round trip, and a full leave.
func TestFullRoomSession(t *testing.T) {
	srv := devserver.NewServer(zap.NewNop())
	ts := httptest.NewServer(srv.Engine)
	defer ts.Close()

	info := srv.Store().CreateRoom("algorithms", "creator", 8)
	ctx := context.Background()

	mina := newStack(t, ts, "mina")
	require.NoError(t, mina.controller.Join(ctx, info.ID, protocol.RoomOpen))
	assert.Equal(t, StateActive, mina.controller.State())

	// The join announcement was stored before history loaded, so it seeds
	// the timeline.
	engine := mina.controller.Engine()
	require.NotZero(t, engine.Len())

	marker, err := mina.store.CurrentRoom()
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, info.ID, marker.RoomID)
	assert.NotZero(t, marker.SessionID)

	// A help request echoes back through the subscription with a server id.
	require.NoError(t, mina.controller.SendQuestion("why does the bound hold?"))

	var question *timeline.Question
	require.Eventually(t, func() bool {
		for _, entry := range engine.Entries() {
			if entry.Kind == timeline.EntryQuestion {
				question = entry.Question
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "question never echoed back")

	// A second participant answers over a raw transport connection.
	dana := newStack(t, ts, "dana")
	require.NoError(t, dana.conn.Connect(ctx))
	require.NoError(t, dana.conn.Publish(protocol.Topic(protocol.RoomOpen, info.ID), protocol.Outbound{
		Kind:     protocol.KindAnswer,
		RoomKind: protocol.RoomOpen,
		RoomID:   info.ID,
		Body:     "induction on the tree height",
		RefID:    &question.ID,
	}))

	require.Eventually(t, func() bool {
		q, ok := engine.Question(question.ID)
		return ok && len(q.Answers) == 1
	}, 2*time.Second, 10*time.Millisecond, "answer never attached")

	q, _ := engine.Question(question.ID)
	assert.Equal(t, timeline.StatusHelping, q.Status)
	answerID := q.Answers[0].ID

	// Accepting resolves optimistically and the SOLVE broadcast adds exactly
	// one system notice.
	require.NoError(t, mina.controller.AcceptAnswer(ctx, question.ID, answerID))
	assert.Equal(t, timeline.StatusResolved, q.Status)
	assert.True(t, q.Answers[0].Accepted)

	require.Eventually(t, func() bool {
		return countAcceptNotices(engine) == 1
	}, 2*time.Second, 10*time.Millisecond, "solve notice never arrived")

	// The broadcast must not double-apply or duplicate the notice.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, countAcceptNotices(engine))
	assert.True(t, q.Answers[0].Accepted)

	report, err := mina.controller.Leave(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Zero(t, report.StudyMinutes)
	assert.False(t, report.LeveledUp)
	assert.Equal(t, StateIdle, mina.controller.State())

	marker, err = mina.store.CurrentRoom()
	require.NoError(t, err)
	assert.Nil(t, marker)

	// Server-side membership is gone: joining again succeeds.
	exists, added := srv.Store().AddMember(info.ID, "mina")
	assert.True(t, exists)
	assert.True(t, added)
}

func countAcceptNotices(engine *timeline.Engine) int {
	n := 0
	for _, entry := range engine.Entries() {
		if entry.Kind == timeline.EntrySystem && strings.Contains(entry.Event.Body, "accepted an answer") {
			n++
		}
	}
	return n
}

// TestRefreshKeepsServerMembership verifies the refresh path tears the client
// down without touching the membership or the session.
func TestRefreshKeepsServerMembership(t *testing.T) {
	srv := devserver.NewServer(zap.NewNop())
	ts := httptest.NewServer(srv.Engine)
	defer ts.Close()

	info := srv.Store().CreateRoom("algorithms", "creator", 8)
	ctx := context.Background()

	mina := newStack(t, ts, "mina")
	require.NoError(t, mina.controller.Join(ctx, info.ID, protocol.RoomOpen))

	mina.controller.HandleRefresh()
	assert.Equal(t, StateIdle, mina.controller.State())
	assert.False(t, mina.conn.Connected())

	// The membership survived: a re-join still conflicts.
	exists, added := srv.Store().AddMember(info.ID, "mina")
	assert.True(t, exists)
	assert.False(t, added)
}
