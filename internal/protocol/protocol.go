package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the wire-level message type of a room event.
type Kind string

const (
	KindTalk     Kind = "TALK"
	KindQuestion Kind = "QUESTION"
	KindAnswer   Kind = "ANSWER"
	KindSolve    Kind = "SOLVE"
	KindSystem   Kind = "SYSTEM"
)

// RoomKind distinguishes ad-hoc open rooms from persistent group rooms.
type RoomKind string

const (
	RoomOpen  RoomKind = "OPEN"
	RoomGroup RoomKind = "GROUP"
)

// RoomEvent is the wire unit exchanged with the server. The same shape is
// used for durable history entries and live push events.
type RoomEvent struct {
	ID        int64     `json:"id,omitempty"`
	MessageID int64     `json:"messageId,omitempty"`
	Kind      Kind      `json:"type"`
	RoomKind  RoomKind  `json:"roomType"`
	RoomID    int64     `json:"roomId"`
	Sender    string    `json:"sender,omitempty"`
	Body      string    `json:"message"`
	RefID     *int64    `json:"refId,omitempty"`
	IsSolved  *bool     `json:"isSolved,omitempty"`
	SentAt    time.Time `json:"sentAt,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty"`
}

// EventID returns the server-assigned id, accepting either wire field name.
// Returns 0 when the event has not been confirmed by the server yet.
func (e *RoomEvent) EventID() int64 {
	if e.ID != 0 {
		return e.ID
	}
	return e.MessageID
}

// Resolved reports the isSolved flag, defaulting to false when absent.
func (e *RoomEvent) Resolved() bool {
	return e.IsSolved != nil && *e.IsSolved
}

// Topic returns the subscription topic addressing this event's room.
func (e *RoomEvent) Topic() string {
	return Topic(e.RoomKind, e.RoomID)
}

// Topic builds the addressable channel name for one room.
func Topic(kind RoomKind, roomID int64) string {
	return fmt.Sprintf("room.%s.%d", strings.ToLower(string(kind)), roomID)
}

// Validate checks the structural invariants of an inbound event.
func (e *RoomEvent) Validate() error {
	switch e.Kind {
	case KindTalk, KindQuestion, KindAnswer, KindSolve, KindSystem:
	default:
		return fmt.Errorf("unknown event type %q", e.Kind)
	}
	switch e.RoomKind {
	case RoomOpen, RoomGroup:
	default:
		return fmt.Errorf("unknown room type %q", e.RoomKind)
	}
	if e.RoomID <= 0 {
		return fmt.Errorf("invalid room id %d", e.RoomID)
	}
	if e.Kind == KindAnswer && e.RefID == nil {
		return fmt.Errorf("answer event %d has no refId", e.EventID())
	}
	return nil
}

// ParseEvent decodes and validates one inbound wire payload.
func ParseEvent(data []byte) (RoomEvent, error) {
	var e RoomEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return RoomEvent{}, fmt.Errorf("failed to decode room event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return RoomEvent{}, err
	}
	return e, nil
}

// Outbound is the client-supplied subset of a room event. Id, sender and
// sentAt are server-assigned and never sent.
type Outbound struct {
	Kind     Kind     `json:"type"`
	RoomKind RoomKind `json:"roomType"`
	RoomID   int64    `json:"roomId"`
	Body     string   `json:"message"`
	RefID    *int64   `json:"refId,omitempty"`
}

// SortOldestFirst orders events by sentAt, falling back to id for ties, so a
// history page can be replayed question-before-answer.
func SortOldestFirst(events []RoomEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].SentAt.Equal(events[j].SentAt) {
			return events[i].SentAt.Before(events[j].SentAt)
		}
		return events[i].EventID() < events[j].EventID()
	})
}
