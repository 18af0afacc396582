package registry

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"studyroom/internal/protocol"
)

// Handler is the exclusive event sink for one room.
type Handler func(event protocol.RoomEvent)

// Conn is the subset of the connection manager the registry drives.
type Conn interface {
	SendSubscribe(topic string) error
	SendUnsubscribe(topic string) error
}

// Registry tracks which rooms are subscribed and routes inbound frames to the
// per-room handler. At most one handler exists per (roomKind, roomId) pair;
// duplicate subscriptions would mean double delivery, so Subscribe is
// idempotent. All routing state lives on the instance so independent client
// sessions never share subscriptions.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	conn     Conn
	logger   *zap.SugaredLogger
}

func New(conn Conn, logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		conn:     conn,
		logger:   logger.Sugar(),
	}
}

// Subscribe registers handler for the room and issues the subscribe frame.
// Subscribing an already-subscribed room is a no-op.
func (r *Registry) Subscribe(roomID int64, kind protocol.RoomKind, handler Handler) error {
	topic := protocol.Topic(kind, roomID)

	r.mu.Lock()
	if _, exists := r.handlers[topic]; exists {
		r.mu.Unlock()
		r.logger.Debugw("Already subscribed", "topic", topic)
		return nil
	}
	r.mu.Unlock()

	if err := r.conn.SendSubscribe(topic); err != nil {
		return err
	}

	r.mu.Lock()
	r.handlers[topic] = handler
	r.mu.Unlock()

	r.logger.Infow("Subscribed to room", "topic", topic)
	return nil
}

// Unsubscribe removes the registration; a no-op when not subscribed.
func (r *Registry) Unsubscribe(roomID int64, kind protocol.RoomKind) error {
	topic := protocol.Topic(kind, roomID)

	r.mu.Lock()
	_, exists := r.handlers[topic]
	delete(r.handlers, topic)
	r.mu.Unlock()

	if !exists {
		return nil
	}

	if err := r.conn.SendUnsubscribe(topic); err != nil {
		r.logger.Warnw("Failed to send unsubscribe frame", "topic", topic, "error", err)
		return err
	}

	r.logger.Infow("Unsubscribed from room", "topic", topic)
	return nil
}

// Subscribed reports whether the room currently has a handler.
func (r *Registry) Subscribed(roomID int64, kind protocol.RoomKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[protocol.Topic(kind, roomID)]
	return exists
}

// Dispatch parses one inbound frame and routes it to the handler registered
// for the event's room. Malformed payloads and events for unsubscribed rooms
// are dropped with a warning; they never stop the dispatch loop.
func (r *Registry) Dispatch(topic string, data json.RawMessage) {
	event, err := protocol.ParseEvent(data)
	if err != nil {
		r.logger.Warnw("Dropping malformed room event", "topic", topic, "error", err)
		return
	}

	r.mu.RLock()
	handler, exists := r.handlers[event.Topic()]
	r.mu.RUnlock()

	if !exists {
		r.logger.Warnw("Dropping event for unsubscribed room",
			"topic", event.Topic(),
			"event_id", event.EventID(),
		)
		return
	}

	// Invoked outside the lock so a handler may subscribe or unsubscribe
	// without deadlocking the dispatch path.
	handler(event)
}
