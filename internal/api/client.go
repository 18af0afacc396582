package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"studyroom/internal/protocol"
	"studyroom/internal/transport"
)

// ErrUnauthenticated is returned when no bearer token is available.
var ErrUnauthenticated = errors.New("no auth token available")

// Error is a non-2xx response from a collaborator endpoint.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// RoomInfo is the metadata of one room.
type RoomInfo struct {
	ID              int64  `json:"id"`
	Title           string `json:"title"`
	CreatorNickname string `json:"creatorNickname"`
	Capacity        int    `json:"capacity"`
}

// SessionReport is returned when a study session ends.
type SessionReport struct {
	StudyMinutes int  `json:"studyMinutes"`
	LeveledUp    bool `json:"leveledUp"`
	NewLevel     *int `json:"newLevel,omitempty"`
}

// Client is the request/response surface of the external collaborators the
// room core depends on. Implementations other than HTTPClient exist only in
// tests.
type Client interface {
	Room(ctx context.Context, roomID int64) (*RoomInfo, error)
	Join(ctx context.Context, roomID int64) error
	Leave(ctx context.Context, roomID int64) error
	History(ctx context.Context, roomID int64, kind protocol.RoomKind, page int) ([]protocol.RoomEvent, error)
	DeleteMessage(ctx context.Context, messageID int64) error
	AcceptAnswer(ctx context.Context, questionID, answerID int64) error
	StartSession(ctx context.Context, kind protocol.RoomKind, roomID int64) (int64, error)
	EndSession(ctx context.Context, sessionID int64) (*SessionReport, error)
}

// HTTPClient talks to the collaborator REST API with bearer authentication.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	tokens  transport.TokenSource
	logger  *zap.SugaredLogger
}

func NewHTTPClient(baseURL string, tokens transport.TokenSource, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
		logger:  logger.Sugar(),
	}
}

func (c *HTTPClient) Room(ctx context.Context, roomID int64) (*RoomInfo, error) {
	var info RoomInfo
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/rooms/%d", roomID), nil, &info); err != nil {
		return nil, fmt.Errorf("failed to fetch room %d: %w", roomID, err)
	}
	return &info, nil
}

// Join enters the room membership. A conflict or an "already joined" response
// counts as success so joining is idempotent.
func (c *HTTPClient) Join(ctx context.Context, roomID int64) error {
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/rooms/%d/join", roomID), nil, nil)
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusConflict || strings.Contains(strings.ToLower(apiErr.Message), "already joined") {
			c.logger.Debugw("Join treated as success, already a member", "room_id", roomID)
			return nil
		}
	}
	return fmt.Errorf("failed to join room %d: %w", roomID, err)
}

func (c *HTTPClient) Leave(ctx context.Context, roomID int64) error {
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/rooms/%d/leave", roomID), nil, nil); err != nil {
		return fmt.Errorf("failed to leave room %d: %w", roomID, err)
	}
	return nil
}

func (c *HTTPClient) History(ctx context.Context, roomID int64, kind protocol.RoomKind, page int) ([]protocol.RoomEvent, error) {
	path := fmt.Sprintf("/rooms/%d/messages?roomType=%s&page=%d", roomID, kind, page)
	var events []protocol.RoomEvent
	if err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, fmt.Errorf("failed to fetch history for room %d: %w", roomID, err)
	}
	return events, nil
}

func (c *HTTPClient) DeleteMessage(ctx context.Context, messageID int64) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/messages/%d", messageID), nil, nil); err != nil {
		return fmt.Errorf("failed to delete message %d: %w", messageID, err)
	}
	return nil
}

func (c *HTTPClient) AcceptAnswer(ctx context.Context, questionID, answerID int64) error {
	body := map[string]int64{"answerId": answerID}
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/questions/%d/solve", questionID), body, nil); err != nil {
		return fmt.Errorf("failed to accept answer %d: %w", answerID, err)
	}
	return nil
}

func (c *HTTPClient) StartSession(ctx context.Context, kind protocol.RoomKind, roomID int64) (int64, error) {
	body := map[string]interface{}{"type": kind, "roomId": roomID}
	var resp struct {
		SessionID int64 `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions/start", body, &resp); err != nil {
		return 0, fmt.Errorf("failed to start study session: %w", err)
	}
	return resp.SessionID, nil
}

func (c *HTTPClient) EndSession(ctx context.Context, sessionID int64) (*SessionReport, error) {
	var report SessionReport
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/sessions/%d/end", sessionID), nil, &report); err != nil {
		return nil, fmt.Errorf("failed to end study session %d: %w", sessionID, err)
	}
	return &report, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	token := c.tokens.Token()
	if token == "" {
		return ErrUnauthenticated
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &Error{Status: resp.StatusCode, Message: payload.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
