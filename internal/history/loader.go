package history

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"studyroom/internal/api"
	"studyroom/internal/protocol"
)

// ErrUnavailable means the durable history could not be fetched. Callers
// treat this as non-fatal: the room stays usable for live messaging with an
// empty timeline.
var ErrUnavailable = errors.New("history unavailable")

// Loader fetches one page of the durable message log and normalizes it into
// the same event shape used by live push, ordered oldest-first so a question
// is always reconciled before its answers.
type Loader struct {
	api    api.Client
	logger *zap.SugaredLogger
}

func NewLoader(client api.Client, logger *zap.Logger) *Loader {
	return &Loader{api: client, logger: logger.Sugar()}
}

// Load returns page `page` of the room's history (page 0 is the first page).
// A room with no messages yet yields an empty slice, not an error.
func (l *Loader) Load(ctx context.Context, roomID int64, kind protocol.RoomKind, page int) ([]protocol.RoomEvent, error) {
	events, err := l.api.History(ctx, roomID, kind, page)
	if err != nil {
		l.logger.Warnw("History fetch failed", "room_id", roomID, "page", page, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	protocol.SortOldestFirst(events)
	l.logger.Debugw("History loaded", "room_id", roomID, "page", page, "events", len(events))
	return events, nil
}
