package devserver

import (
	"sync"
	"time"

	"studyroom/internal/api"
	"studyroom/internal/protocol"
)

// Session is one server-tracked study interval.
type Session struct {
	ID       int64
	Nickname string
	RoomID   int64
	RoomKind protocol.RoomKind
	Started  time.Time
	Ended    bool
}

// Store is the stub server's in-memory state: rooms, memberships, the durable
// message log and study sessions. It stands in for the production
// collaborators, which own persistence for real.
type Store struct {
	mu       sync.Mutex
	nextID   int64
	rooms    map[int64]*api.RoomInfo
	members  map[int64]map[string]struct{}
	messages map[string][]protocol.RoomEvent
	sessions map[int64]*Session
}

func NewStore() *Store {
	return &Store{
		rooms:    make(map[int64]*api.RoomInfo),
		members:  make(map[int64]map[string]struct{}),
		messages: make(map[string][]protocol.RoomEvent),
		sessions: make(map[int64]*Session),
	}
}

func (s *Store) nextIDLocked() int64 {
	s.nextID++
	return s.nextID
}

// CreateRoom registers a room and returns its metadata.
func (s *Store) CreateRoom(title, creator string, capacity int) *api.RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := &api.RoomInfo{
		ID:              s.nextIDLocked(),
		Title:           title,
		CreatorNickname: creator,
		Capacity:        capacity,
	}
	s.rooms[info.ID] = info
	s.members[info.ID] = map[string]struct{}{creator: {}}
	return info
}

func (s *Store) Room(id int64) (*api.RoomInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.rooms[id]
	return info, ok
}

// AddMember joins a nickname to a room. The second return value is false when
// the nickname was already a member.
func (s *Store) AddMember(roomID int64, nickname string) (exists bool, added bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.members[roomID]
	if !ok {
		return false, false
	}
	if _, joined := members[nickname]; joined {
		return true, false
	}
	members[nickname] = struct{}{}
	return true, true
}

func (s *Store) RemoveMember(roomID int64, nickname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.members[roomID]; ok {
		delete(members, nickname)
	}
}

// AppendMessage assigns a server id and timestamp and appends the event to
// the room's durable log.
func (s *Store) AppendMessage(ev protocol.RoomEvent) protocol.RoomEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.ID = s.nextIDLocked()
	ev.SentAt = time.Now().UTC()
	topic := ev.Topic()
	s.messages[topic] = append(s.messages[topic], ev)
	return ev
}

// Page returns one history page, page 0 being the most recent messages.
func (s *Store) Page(roomID int64, kind protocol.RoomKind, page, size int) []protocol.RoomEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.messages[protocol.Topic(kind, roomID)]
	end := len(log) - page*size
	if end <= 0 {
		return nil
	}
	start := end - size
	if start < 0 {
		start = 0
	}

	out := make([]protocol.RoomEvent, end-start)
	copy(out, log[start:end])
	return out
}

// DeleteMessage removes one message (and, for a question, its answers) from
// the log. Returns false when no message matches.
func (s *Store) DeleteMessage(messageID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for topic, log := range s.messages {
		for i := range log {
			if log[i].EventID() != messageID {
				continue
			}
			kept := make([]protocol.RoomEvent, 0, len(log)-1)
			for _, ev := range log {
				if ev.EventID() == messageID {
					continue
				}
				if ev.RefID != nil && *ev.RefID == messageID {
					continue
				}
				kept = append(kept, ev)
			}
			s.messages[topic] = kept
			return true
		}
	}
	return false
}

// MarkSolved flags a question message as resolved. Returns the question
// event so the caller can broadcast a SOLVE notice.
func (s *Store) MarkSolved(questionID int64) (protocol.RoomEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for topic, log := range s.messages {
		for i := range log {
			if log[i].EventID() == questionID && log[i].Kind == protocol.KindQuestion {
				solved := true
				log[i].IsSolved = &solved
				s.messages[topic] = log
				return log[i], true
			}
		}
	}
	return protocol.RoomEvent{}, false
}

// StartSession opens a study session for a nickname in a room.
func (s *Store) StartSession(nickname string, kind protocol.RoomKind, roomID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &Session{
		ID:       s.nextIDLocked(),
		Nickname: nickname,
		RoomID:   roomID,
		RoomKind: kind,
		Started:  time.Now().UTC(),
	}
	s.sessions[sess.ID] = sess
	return sess
}

// EndSession closes a session and reports the accumulated minutes. Ending an
// unknown or already-ended session fails.
func (s *Store) EndSession(sessionID int64) (*api.SessionReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.Ended {
		return nil, false
	}
	sess.Ended = true

	minutes := int(time.Since(sess.Started).Minutes())
	report := &api.SessionReport{StudyMinutes: minutes}
	if minutes >= 60 {
		level := minutes / 60
		report.LeveledUp = true
		report.NewLevel = &level
	}
	return report, true
}
