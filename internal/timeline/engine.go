package timeline

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"studyroom/internal/protocol"
)

// QuestionStatus is the lifecycle of a help request.
type QuestionStatus string

const (
	StatusOpen     QuestionStatus = "OPEN"
	StatusHelping  QuestionStatus = "HELPING"
	StatusResolved QuestionStatus = "RESOLVED"
)

// Answer is owned by exactly one Question; answer events never appear as
// standalone timeline entries.
type Answer struct {
	ID       int64
	Answerer string
	Body     string
	SentAt   time.Time
	Accepted bool
}

// Question is the derived view of a QUESTION event plus its attached answers.
type Question struct {
	ID       int64
	Asker    string
	Body     string
	ImageURL string
	SentAt   time.Time
	Status   QuestionStatus
	Answers  []*Answer

	noticeDone bool
}

// EntryKind classifies one timeline entry.
type EntryKind int

const (
	EntryTalk EntryKind = iota
	EntrySystem
	EntryQuestion
)

// Entry is one element of the reconciled timeline. Event is set for talk and
// system entries, Question for question entries.
type Entry struct {
	Kind     EntryKind
	Event    protocol.RoomEvent
	Question *Question
}

// Engine merges history replay and live push events into one authoritative
// in-memory timeline. Order is ingestion order; the engine never re-sorts by
// sentAt. Events whose server id was already ingested are ignored, which also
// reconciles optimistic local echoes with their server confirmation.
type Engine struct {
	mu        sync.Mutex
	entries   []*Entry
	questions map[int64]*Question
	seen      map[int64]struct{}
	logger    *zap.SugaredLogger
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		questions: make(map[int64]*Question),
		seen:      make(map[int64]struct{}),
		logger:    logger.Sugar(),
	}
}

// Ingest applies one normalized event to the timeline.
func (e *Engine) Ingest(ev protocol.RoomEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := ev.EventID()
	if id != 0 {
		if _, dup := e.seen[id]; dup {
			return
		}
	}

	switch ev.Kind {
	case protocol.KindQuestion:
		e.ingestQuestion(ev)
	case protocol.KindAnswer:
		e.ingestAnswer(ev)
	case protocol.KindSolve:
		e.ingestSolve(ev)
	case protocol.KindSystem, protocol.KindTalk:
		e.appendEvent(ev)
	default:
		e.logger.Warnw("Dropping event of unknown kind", "kind", ev.Kind, "event_id", id)
		return
	}

	if id != 0 {
		e.seen[id] = struct{}{}
	}
}

func (e *Engine) ingestQuestion(ev protocol.RoomEvent) {
	q := &Question{
		ID:       ev.EventID(),
		Asker:    ev.Sender,
		Body:     ev.Body,
		ImageURL: ev.ImageURL,
		SentAt:   ev.SentAt,
		Status:   StatusOpen,
	}
	if ev.Resolved() {
		// History replay of an already-answered question.
		q.Status = StatusResolved
	}
	e.entries = append(e.entries, &Entry{Kind: EntryQuestion, Question: q})
	e.questions[q.ID] = q
}

func (e *Engine) ingestAnswer(ev protocol.RoomEvent) {
	if ev.RefID == nil {
		e.logger.Warnw("Dropping answer without refId", "event_id", ev.EventID())
		return
	}
	q, ok := e.questions[*ev.RefID]
	if !ok {
		// Orphan answer: the question is unknown (out of order or deleted).
		// Never becomes a standalone timeline entry.
		e.logger.Warnw("Dropping answer for unknown question",
			"event_id", ev.EventID(),
			"ref_id", *ev.RefID,
		)
		return
	}

	q.Answers = append(q.Answers, &Answer{
		ID:       ev.EventID(),
		Answerer: ev.Sender,
		Body:     ev.Body,
		SentAt:   ev.SentAt,
	})
	if q.Status == StatusOpen {
		q.Status = StatusHelping
	}
}

func (e *Engine) ingestSolve(ev protocol.RoomEvent) {
	var q *Question
	if ev.RefID != nil {
		q = e.questions[*ev.RefID]
	}
	if q == nil {
		// Best effort: keep the human-readable notice even when the question
		// is gone.
		e.logger.Warnw("Solve for unknown question, keeping notice only", "event_id", ev.EventID())
		e.appendNotice(ev)
		return
	}

	if q.Status != StatusResolved {
		q.Status = StatusResolved
		e.acceptSingleAnswer(q)
	}
	if !q.noticeDone {
		q.noticeDone = true
		e.appendNotice(ev)
	}
}

// acceptSingleAnswer marks the accepted answer when the solve event itself
// cannot name one. A local MarkResolved has usually done this already; for
// remote resolutions the answer is unambiguous only when there is exactly one.
func (e *Engine) acceptSingleAnswer(q *Question) {
	for _, a := range q.Answers {
		if a.Accepted {
			return
		}
	}
	if len(q.Answers) == 1 {
		q.Answers[0].Accepted = true
	}
}

func (e *Engine) appendNotice(ev protocol.RoomEvent) {
	notice := protocol.RoomEvent{
		ID:       ev.EventID(),
		Kind:     protocol.KindSystem,
		RoomKind: ev.RoomKind,
		RoomID:   ev.RoomID,
		Body:     ev.Body,
		SentAt:   ev.SentAt,
	}
	e.entries = append(e.entries, &Entry{Kind: EntrySystem, Event: notice})
}

func (e *Engine) appendEvent(ev protocol.RoomEvent) {
	kind := EntryTalk
	if ev.Kind == protocol.KindSystem {
		kind = EntrySystem
	}
	e.entries = append(e.entries, &Entry{Kind: kind, Event: ev})
}

// MarkResolved applies the optimistic local mutation after a successful
// answer-accept call. The server is expected to broadcast a matching SOLVE
// event later; ingestSolve tolerates that without re-accepting.
func (e *Engine) MarkResolved(questionID, answerID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.questions[questionID]
	if !ok {
		return false
	}
	q.Status = StatusResolved
	for _, a := range q.Answers {
		a.Accepted = a.ID == answerID
	}
	return true
}

// Remove drops the timeline entry (and question index entry) matching a
// deleted message id. Answers folded into a removed question disappear with
// it.
func (e *Engine) Remove(messageID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, entry := range e.entries {
		switch entry.Kind {
		case EntryQuestion:
			if entry.Question.ID == messageID {
				delete(e.questions, messageID)
				e.entries = append(e.entries[:i], e.entries[i+1:]...)
				return true
			}
		default:
			if entry.Event.EventID() == messageID {
				e.entries = append(e.entries[:i], e.entries[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Entries returns a snapshot of the timeline in ingestion order.
func (e *Engine) Entries() []*Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Entry, len(e.entries))
	copy(out, e.entries)
	return out
}

// Question returns the derived question state for an id.
func (e *Engine) Question(id int64) (*Question, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.questions[id]
	return q, ok
}

// Len reports the number of timeline entries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}
