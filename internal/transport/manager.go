package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Frame is the envelope exchanged over the websocket. Client frames carry an
// action (subscribe, unsubscribe, publish); server frames carry only the
// topic and payload.
type Frame struct {
	Action string          `json:"action,omitempty"`
	Topic  string          `json:"topic"`
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPublish     = "publish"
)

// InboundFunc receives every server frame in transport delivery order.
type InboundFunc func(topic string, data json.RawMessage)

// ErrorFunc receives terminal connectivity errors (reconnect exhaustion).
type ErrorFunc func(err error)

// Options configures a connection manager.
type Options struct {
	URL                  string
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
}

// Manager owns the single logical websocket connection to the server. It
// authenticates the handshake with a bearer token, keeps the set of active
// topics so they can be re-subscribed after a reconnect, and retries dropped
// connections with a linearly growing delay up to a fixed attempt cap.
type Manager struct {
	opts    Options
	tokens  TokenSource
	inbound InboundFunc
	onError ErrorFunc
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	conn     *websocket.Conn
	armed    bool
	attempts int
	topics   map[string]struct{}

	writeMu sync.Mutex
}

// NewManager creates a connection manager. Reconnection is armed by default.
func NewManager(opts Options, tokens TokenSource, logger *zap.Logger) *Manager {
	return &Manager{
		opts:   opts,
		tokens: tokens,
		armed:  true,
		topics: make(map[string]struct{}),
		logger: logger.Sugar(),
	}
}

// SetInbound registers the sink for server frames. Must be called before
// Connect.
func (m *Manager) SetInbound(fn InboundFunc) { m.inbound = fn }

// SetOnError registers the sink for terminal connectivity errors.
func (m *Manager) SetOnError(fn ErrorFunc) { m.onError = fn }

// Connect establishes the transport. Calling Connect while already connected
// is a no-op. A missing credential fails immediately with ErrUnauthenticated
// before any network attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	token := m.tokens.Token()
	m.mu.Unlock()

	if token == "" {
		return ErrUnauthenticated
	}

	conn, err := m.dial(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	m.mu.Lock()
	if m.conn != nil {
		// Lost the race against a concurrent Connect; keep the winner.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.attempts = 0
	m.mu.Unlock()

	m.logger.Infow("Transport connected", "url", m.opts.URL)
	go m.readLoop(conn)
	return nil
}

// Connected reports whether there is an active transport.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Publish sends one payload on a topic without waiting for acknowledgement.
func (m *Manager) Publish(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	return m.writeFrame(Frame{Action: ActionPublish, Topic: topic, Data: data})
}

// SendSubscribe issues a subscribe frame and records the topic so it is
// re-subscribed after a reconnect.
func (m *Manager) SendSubscribe(topic string) error {
	if err := m.writeFrame(Frame{Action: ActionSubscribe, Topic: topic}); err != nil {
		return err
	}
	m.mu.Lock()
	m.topics[topic] = struct{}{}
	m.mu.Unlock()
	return nil
}

// SendUnsubscribe issues an unsubscribe frame and forgets the topic.
func (m *Manager) SendUnsubscribe(topic string) error {
	m.mu.Lock()
	delete(m.topics, topic)
	m.mu.Unlock()
	return m.writeFrame(Frame{Action: ActionUnsubscribe, Topic: topic})
}

// Disconnect tears down the transport and clears the recorded topics. With
// preventReconnect the reconnect policy is disarmed so later drops stay down.
func (m *Manager) Disconnect(preventReconnect bool) {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	if preventReconnect {
		m.armed = false
	}
	m.topics = make(map[string]struct{})
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
		m.logger.Infow("Transport disconnected", "prevent_reconnect", preventReconnect)
	}
}

func (m *Manager) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.opts.URL, header)
	return conn, err
}

func (m *Manager) writeFrame(f Frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	// Gorilla connections allow a single concurrent writer.
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(conn, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warnw("Dropping malformed frame", "error", err)
			continue
		}
		if m.inbound != nil {
			m.inbound(f.Topic, f.Data)
		}
	}
}

func (m *Manager) handleDrop(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer connection replaced this one, or Disconnect already ran.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	armed := m.armed
	m.mu.Unlock()

	conn.Close()
	if !armed {
		m.logger.Infow("Transport dropped with reconnect disarmed", "error", cause)
		return
	}

	m.logger.Warnw("Transport dropped, starting reconnect", "error", cause)
	go m.reconnect()
}

// reconnect retries the handshake with a delay that grows linearly with the
// attempt number. Exhausting the attempt budget is terminal.
func (m *Manager) reconnect() {
	for {
		m.mu.Lock()
		if !m.armed || m.conn != nil {
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		if attempt > m.opts.ReconnectMaxAttempts {
			m.logger.Errorw("Reconnect attempts exhausted", "attempts", m.opts.ReconnectMaxAttempts)
			if m.onError != nil {
				m.onError(ErrReconnectExhausted)
			}
			return
		}

		time.Sleep(time.Duration(attempt) * m.opts.ReconnectBaseDelay)

		token := m.tokens.Token()
		if token == "" {
			m.logger.Warnw("Reconnect skipped, no auth token", "attempt", attempt)
			continue
		}

		conn, err := m.dial(context.Background(), token)
		if err != nil {
			m.logger.Warnw("Reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.attempts = 0
		topics := make([]string, 0, len(m.topics))
		for topic := range m.topics {
			topics = append(topics, topic)
		}
		m.mu.Unlock()

		m.logger.Infow("Transport reconnected", "attempt", attempt, "topics", len(topics))
		go m.readLoop(conn)

		for _, topic := range topics {
			if err := m.writeFrame(Frame{Action: ActionSubscribe, Topic: topic}); err != nil {
				m.logger.Warnw("Failed to re-subscribe after reconnect", "topic", topic, "error", err)
			}
		}
		return
	}
}
