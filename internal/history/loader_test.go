package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"studyroom/internal/api"
	"studyroom/internal/protocol"
)

type fakeHistoryAPI struct {
	api.Client
	events []protocol.RoomEvent
	err    error
}

func (f *fakeHistoryAPI) History(ctx context.Context, roomID int64, kind protocol.RoomKind, page int) ([]protocol.RoomEvent, error) {
	return f.events, f.err
}

func TestLoadSortsOldestFirst(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ref := int64(1)
	l := NewLoader(&fakeHistoryAPI{events: []protocol.RoomEvent{
		{ID: 2, Kind: protocol.KindAnswer, RoomKind: protocol.RoomOpen, RoomID: 1, RefID: &ref, SentAt: t0.Add(time.Minute)},
		{ID: 1, Kind: protocol.KindQuestion, RoomKind: protocol.RoomOpen, RoomID: 1, SentAt: t0},
	}}, zap.NewNop())

	events, err := l.Load(context.Background(), 1, protocol.RoomOpen, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.KindQuestion, events[0].Kind)
	assert.Equal(t, protocol.KindAnswer, events[1].Kind)
}

func TestLoadEmptyRoom(t *testing.T) {
	l := NewLoader(&fakeHistoryAPI{}, zap.NewNop())
	events, err := l.Load(context.Background(), 1, protocol.RoomOpen, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLoadFailureIsUnavailable(t *testing.T) {
	l := NewLoader(&fakeHistoryAPI{err: errors.New("boom")}, zap.NewNop())
	_, err := l.Load(context.Background(), 1, protocol.RoomOpen, 0)
	assert.ErrorIs(t, err, ErrUnavailable)
}
