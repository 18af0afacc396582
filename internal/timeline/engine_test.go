package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"studyroom/internal/protocol"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func talk(id int64, body string) protocol.RoomEvent {
	return protocol.RoomEvent{
		ID: id, Kind: protocol.KindTalk, RoomKind: protocol.RoomOpen, RoomID: 1,
		Sender: "mina", Body: body, SentAt: base.Add(time.Duration(id) * time.Second),
	}
}

func question(id int64, body string) protocol.RoomEvent {
	return protocol.RoomEvent{
		ID: id, Kind: protocol.KindQuestion, RoomKind: protocol.RoomOpen, RoomID: 1,
		Sender: "dana", Body: body, SentAt: base.Add(time.Duration(id) * time.Second),
	}
}

func answer(id, ref int64, body string) protocol.RoomEvent {
	return protocol.RoomEvent{
		ID: id, Kind: protocol.KindAnswer, RoomKind: protocol.RoomOpen, RoomID: 1,
		Sender: "juno", Body: body, RefID: &ref, SentAt: base.Add(time.Duration(id) * time.Second),
	}
}

func solve(id, ref int64, body string) protocol.RoomEvent {
	solved := true
	return protocol.RoomEvent{
		ID: id, Kind: protocol.KindSolve, RoomKind: protocol.RoomOpen, RoomID: 1,
		Body: body, RefID: &ref, IsSolved: &solved, SentAt: base.Add(time.Duration(id) * time.Second),
	}
}

func TestTalkAndSystemAppend(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.Ingest(talk(1, "hello"))
	e.Ingest(protocol.RoomEvent{ID: 2, Kind: protocol.KindSystem, RoomKind: protocol.RoomOpen, RoomID: 1, Body: "dana joined"})

	entries := e.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, EntryTalk, entries[0].Kind)
	assert.Equal(t, "hello", entries[0].Event.Body)
	assert.Equal(t, EntrySystem, entries[1].Kind)
}

func TestQuestionLifecycle(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.Ingest(question(101, "what is a goroutine?"))

	q, ok := e.Question(101)
	require.True(t, ok)
	assert.Equal(t, StatusOpen, q.Status)

	e.Ingest(answer(102, 101, "a lightweight thread"))
	assert.Equal(t, StatusHelping, q.Status)
	require.Len(t, q.Answers, 1)
	assert.False(t, q.Answers[0].Accepted)

	// Answers never appear as standalone timeline entries.
	assert.Equal(t, 1, e.Len())
}

func TestResolvedQuestionFromHistoryReplay(t *testing.T) {
	e := NewEngine(zap.NewNop())
	q := question(101, "solved long ago")
	solved := true
	q.IsSolved = &solved
	e.Ingest(q)

	got, ok := e.Question(101)
	require.True(t, ok)
	assert.Equal(t, StatusResolved, got.Status)
}

func TestOrphanAnswerIsDropped(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.Ingest(answer(102, 999, "answering nothing"))

	assert.Equal(t, 0, e.Len())
	_, ok := e.Question(999)
	assert.False(t, ok)

	// An answer without a reference is a protocol error, also dropped.
	e.Ingest(protocol.RoomEvent{ID: 103, Kind: protocol.KindAnswer, RoomKind: protocol.RoomOpen, RoomID: 1, Body: "x"})
	assert.Equal(t, 0, e.Len())
}

func TestSolveIdempotence(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.Ingest(question(101, "?"))
	e.Ingest(answer(102, 101, "!"))

	e.Ingest(solve(104, 101, "dana accepted an answer"))
	e.Ingest(solve(105, 101, "dana accepted an answer"))

	q, _ := e.Question(101)
	assert.Equal(t, StatusResolved, q.Status)

	accepted := 0
	for _, a := range q.Answers {
		if a.Accepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)

	// One question entry plus exactly one synthesized notice.
	assert.Equal(t, 2, e.Len())
}

func TestOptimisticSolveThenServerBroadcast(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.Ingest(question(101, "?"))
	e.Ingest(answer(102, 101, "first"))
	e.Ingest(answer(103, 101, "second"))

	require.True(t, e.MarkResolved(101, 102))

	q, _ := e.Question(101)
	assert.Equal(t, StatusResolved, q.Status)
	assert.True(t, q.Answers[0].Accepted)
	assert.False(t, q.Answers[1].Accepted)

	// Server echo of the accept must not re-apply or flip the acceptance.
	e.Ingest(solve(104, 101, "question resolved"))
	assert.True(t, q.Answers[0].Accepted)
	assert.False(t, q.Answers[1].Accepted)
	assert.Equal(t, 2, e.Len())
}

func TestSolveForUnknownQuestionKeepsNotice(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.Ingest(solve(104, 999, "a question was resolved"))

	entries := e.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, EntrySystem, entries[0].Kind)
	assert.Equal(t, "a question was resolved", entries[0].Event.Body)
}

func TestDuplicateIDSuppression(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.Ingest(talk(1, "hello"))
	e.Ingest(talk(1, "hello"))
	assert.Equal(t, 1, e.Len())

	e.Ingest(question(101, "?"))
	e.Ingest(question(101, "?"))
	assert.Equal(t, 2, e.Len())

	e.Ingest(answer(102, 101, "!"))
	e.Ingest(answer(102, 101, "!"))
	q, _ := e.Question(101)
	assert.Len(t, q.Answers, 1)
}

func TestRemoveQuestionDropsItsAnswers(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.Ingest(talk(1, "hello"))
	e.Ingest(question(101, "?"))
	e.Ingest(answer(102, 101, "!"))

	assert.True(t, e.Remove(101))
	assert.Equal(t, 1, e.Len())
	_, ok := e.Question(101)
	assert.False(t, ok)

	// A later answer to the deleted question is now an orphan.
	e.Ingest(answer(103, 101, "too late"))
	assert.Equal(t, 1, e.Len())

	assert.False(t, e.Remove(999))
}

// End-to-end question flow: question, two answers, first answer accepted.
func TestQuestionAnswerAcceptScenario(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.Ingest(question(101, "how do channels work?"))
	e.Ingest(answer(102, 101, "they block"))
	e.Ingest(answer(103, 101, "read the tour"))

	require.True(t, e.MarkResolved(101, 102))
	e.Ingest(solve(104, 101, "dana accepted juno's answer"))

	entries := e.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, EntryQuestion, entries[0].Kind)
	assert.Equal(t, EntrySystem, entries[1].Kind)

	q := entries[0].Question
	assert.Equal(t, StatusResolved, q.Status)
	require.Len(t, q.Answers, 2)
	assert.True(t, q.Answers[0].Accepted)
	assert.False(t, q.Answers[1].Accepted)
}
