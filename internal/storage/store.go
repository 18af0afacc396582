package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"studyroom/internal/protocol"
)

// Marker records the room the client is currently joined to, so an
// in-progress membership can be detected across a reload. It is cleared on
// explicit leave, on a fatal join failure and on a refresh signal.
type Marker struct {
	RoomID    int64
	RoomKind  protocol.RoomKind
	SessionID int64
}

// Store is the client's durable local state, one sqlite file.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

const schema = `
CREATE TABLE IF NOT EXISTS current_room (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	room_id INTEGER NOT NULL,
	room_kind TEXT NOT NULL,
	session_id INTEGER NOT NULL DEFAULT 0
);
`

func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init state schema: %w", err)
	}
	return &Store{db: db, logger: logger.Sugar()}, nil
}

// SetCurrentRoom persists the marker, replacing any previous one.
func (s *Store) SetCurrentRoom(m Marker) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO current_room (id, room_id, room_kind, session_id) VALUES (1, ?, ?, ?)`,
		m.RoomID, string(m.RoomKind), m.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to persist current room: %w", err)
	}
	s.logger.Debugw("Current room marker set", "room_id", m.RoomID, "room_kind", m.RoomKind)
	return nil
}

// CurrentRoom returns the persisted marker, or nil when there is none.
func (s *Store) CurrentRoom() (*Marker, error) {
	row := s.db.QueryRow(`SELECT room_id, room_kind, session_id FROM current_room WHERE id = 1`)

	var m Marker
	var kind string
	switch err := row.Scan(&m.RoomID, &kind, &m.SessionID); err {
	case nil:
		m.RoomKind = protocol.RoomKind(kind)
		return &m, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to read current room: %w", err)
	}
}

// ClearCurrentRoom removes the marker; a no-op when none is set.
func (s *Store) ClearCurrentRoom() error {
	if _, err := s.db.Exec(`DELETE FROM current_room WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear current room: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
