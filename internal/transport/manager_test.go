package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// wsServer is a minimal frame-speaking websocket endpoint for driving the
// manager from the server side.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames []Frame
	dials  int32
	tokens []string
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.dials, 1)
		s.mu.Lock()
		s.tokens = append(s.tokens, r.Header.Get("Authorization"))
		s.mu.Unlock()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, f)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) dialCount() int32 { return atomic.LoadInt32(&s.dials) }

func (s *wsServer) lastConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *wsServer) receivedFrames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func newTestManager(url string, token string, maxAttempts int) *Manager {
	return NewManager(Options{
		URL:                  url,
		ReconnectMaxAttempts: maxAttempts,
		ReconnectBaseDelay:   5 * time.Millisecond,
	}, StaticToken(token), zap.NewNop())
}

func TestConnectWithoutTokenFailsFast(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(s.url(), "", 3)

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.EqualValues(t, 0, s.dialCount())
}

func TestConnectIsIdempotent(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(s.url(), "tkn", 3)
	defer m.Disconnect(true)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	assert.EqualValues(t, 1, s.dialCount())

	s.mu.Lock()
	token := s.tokens[0]
	s.mu.Unlock()
	assert.Equal(t, "Bearer tkn", token)
}

func TestPublishWithoutConnection(t *testing.T) {
	m := newTestManager("ws://127.0.0.1:1/ws", "tkn", 1)
	err := m.Publish("room.open.1", map[string]string{"message": "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPublishAndSubscribeFrames(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(s.url(), "tkn", 3)
	defer m.Disconnect(true)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.SendSubscribe("room.open.7"))
	require.NoError(t, m.Publish("room.open.7", map[string]string{"message": "hi"}))

	require.Eventually(t, func() bool {
		return len(s.receivedFrames()) == 2
	}, time.Second, 5*time.Millisecond)

	frames := s.receivedFrames()
	assert.Equal(t, ActionSubscribe, frames[0].Action)
	assert.Equal(t, "room.open.7", frames[0].Topic)
	assert.Equal(t, ActionPublish, frames[1].Action)
}

func TestInboundDelivery(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(s.url(), "tkn", 3)
	defer m.Disconnect(true)

	got := make(chan Frame, 1)
	m.SetInbound(func(topic string, data json.RawMessage) {
		got <- Frame{Topic: topic, Data: data}
	})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.lastConn() != nil }, time.Second, 5*time.Millisecond)

	err := s.lastConn().WriteJSON(Frame{Topic: "room.open.1", Data: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)

	select {
	case f := <-got:
		assert.Equal(t, "room.open.1", f.Topic)
		assert.JSONEq(t, `{"x":1}`, string(f.Data))
	case <-time.After(time.Second):
		t.Fatal("inbound frame not delivered")
	}
}

func TestReconnectResubscribesTopics(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(s.url(), "tkn", 5)
	defer m.Disconnect(true)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.SendSubscribe("room.group.3"))

	// Server-side drop must trigger a redial and a fresh subscribe frame.
	s.lastConn().Close()

	require.Eventually(t, func() bool { return s.dialCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		frames := s.receivedFrames()
		n := 0
		for _, f := range frames {
			if f.Action == ActionSubscribe && f.Topic == "room.group.3" {
				n++
			}
		}
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, m.Connected())
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(s.url(), "tkn", 2)

	terminal := make(chan error, 1)
	m.SetOnError(func(err error) { terminal <- err })

	require.NoError(t, m.Connect(context.Background()))

	// Kill the endpoint entirely so every redial fails.
	s.srv.CloseClientConnections()
	s.srv.Close()

	select {
	case err := <-terminal:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(3 * time.Second):
		t.Fatal("expected terminal reconnect error")
	}
}

func TestDisconnectPreventsReconnect(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(s.url(), "tkn", 5)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.SendSubscribe("room.open.1"))
	m.Disconnect(true)

	assert.False(t, m.Connected())
	assert.ErrorIs(t, m.Publish("room.open.1", map[string]string{}), ErrNotConnected)

	// No redials after an explicit disconnect.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, s.dialCount())
}
