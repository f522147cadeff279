package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	// PRAGMA statements only reach one pooled connection; foreign keys must be
	// on for every connection so participant rows follow their room.
	dsn = withPragma(dsn, "foreign_keys(1)")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func withPragma(dsn, pragma string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=" + pragma
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT 'public',
			created_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_created_at ON rooms(created_at)`,
		`CREATE TABLE IF NOT EXISTS room_participants (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			subject TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'public',
			joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(room_id, subject)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_room_participants_room_id ON room_participants(room_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Rooms ---

func (s *SQLiteStore) CreateRoom(ctx context.Context, room *Room) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, name, mode, created_by, created_at) VALUES (?, ?, ?, ?, ?)",
		room.ID, room.Name, room.Mode, room.CreatedBy, room.CreatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrDuplicate, room.ID)
	}
	return err
}

func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, mode, created_by, created_at FROM rooms WHERE id = ?", id,
	).Scan(&r.ID, &r.Name, &r.Mode, &r.CreatedBy, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &r, err
}

func (s *SQLiteStore) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, mode, created_by, created_at FROM rooms ORDER BY created_at DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Mode, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (s *SQLiteStore) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id)
	return err
}

// --- Participants ---

func (s *SQLiteStore) AddParticipant(ctx context.Context, p *ParticipantRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_participants (id, room_id, subject, mode, joined_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(room_id, subject) DO UPDATE SET mode=excluded.mode, joined_at=excluded.joined_at`,
		p.ID, p.RoomID, p.Subject, p.Mode, p.JoinedAt,
	)
	return err
}

func (s *SQLiteStore) RemoveParticipant(ctx context.Context, roomID, subject string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM room_participants WHERE room_id = ? AND subject = ?", roomID, subject)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ListParticipants(ctx context.Context, roomID string) ([]ParticipantRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, room_id, subject, mode, joined_at FROM room_participants WHERE room_id = ? ORDER BY joined_at, subject",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ParticipantRecord
	for rows.Next() {
		var p ParticipantRecord
		if err := rows.Scan(&p.ID, &p.RoomID, &p.Subject, &p.Mode, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
