package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestPostgresMigration verifies that migrations run without error on a fresh database.
func TestPostgresMigration(t *testing.T) {
	s := newTestPostgresStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// TestPostgresRoomFlow exercises create -> join -> leave -> delete.
func TestPostgresRoomFlow(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	room := createTestRoom(t, s, "pg-room", "private")
	t.Cleanup(func() { _ = s.DeleteRoom(context.Background(), room.ID) })

	err := s.CreateRoom(ctx, &Room{ID: room.ID, Name: "dup", Mode: "public", CreatedAt: time.Now()})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := s.GetRoom(ctx, room.ID)
	if err != nil || got == nil {
		t.Fatalf("GetRoom: got=%v err=%v", got, err)
	}
	if got.Mode != "private" {
		t.Errorf("mode: got %q, want private", got.Mode)
	}

	if err := s.AddParticipant(ctx, &ParticipantRecord{
		ID: uuid.New().String(), RoomID: room.ID, Subject: "alice", Mode: "private", JoinedAt: time.Now(),
	}); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	ps, err := s.ListParticipants(ctx, room.ID)
	if err != nil || len(ps) != 1 {
		t.Fatalf("ListParticipants: got %d err=%v", len(ps), err)
	}

	removed, err := s.RemoveParticipant(ctx, room.ID, "alice")
	if err != nil || !removed {
		t.Fatalf("RemoveParticipant: removed=%v err=%v", removed, err)
	}

	missing, err := s.GetRoom(ctx, "no-such-room")
	if err != nil || missing != nil {
		t.Errorf("GetRoom missing: got=%v err=%v", missing, err)
	}
}
