package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT 'public',
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_created_at ON rooms(created_at)`,
		`CREATE TABLE IF NOT EXISTS room_participants (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			subject TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'public',
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Rooms ---

func (s *PostgresStore) CreateRoom(ctx context.Context, room *Room) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, name, mode, created_by, created_at) VALUES ($1, $2, $3, $4, $5)",
		room.ID, room.Name, room.Mode, room.CreatedBy, room.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, room.ID)
	}
	return err
}

func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, mode, created_by, created_at FROM rooms WHERE id = $1", id,
	).Scan(&r.ID, &r.Name, &r.Mode, &r.CreatedBy, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &r, err
}

func (s *PostgresStore) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, mode, created_by, created_at FROM rooms ORDER BY created_at DESC, id LIMIT $1 OFFSET $2",
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

func (s *PostgresStore) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", id)
	return err
}

// --- Participants ---

func (s *PostgresStore) AddParticipant(ctx context.Context, p *ParticipantRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_participants (id, room_id, subject, mode, joined_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(room_id, subject) DO UPDATE SET mode=EXCLUDED.mode, joined_at=EXCLUDED.joined_at`,
		p.ID, p.RoomID, p.Subject, p.Mode, p.JoinedAt,
	)
	return err
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, roomID, subject string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM room_participants WHERE room_id = $1 AND subject = $2", roomID, subject)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) ListParticipants(ctx context.Context, roomID string) ([]ParticipantRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, room_id, subject, mode, joined_at FROM room_participants WHERE room_id = $1 ORDER BY joined_at, subject",
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
