package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-labs/inkwell/hub/internal/config"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRoom is a helper that inserts a room and returns it.
func createTestRoom(t *testing.T, s Store, name, mode string) *Room {
	t.Helper()
	r := &Room{
		ID:        uuid.New().String()[:12],
		Name:      name,
		Mode:      mode,
		CreatedBy: "alice",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateRoom(context.Background(), r); err != nil {
		t.Fatalf("createTestRoom(%s): %v", name, err)
	}
	return r
}

func TestSQLiteMigrationIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestCreateAndGetRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := createTestRoom(t, s, "sketch night", "public")

	got, err := s.GetRoom(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected room, got nil")
	}
	if got.Name != "sketch night" || got.Mode != "public" || got.CreatedBy != "alice" {
		t.Errorf("room: got %+v", got)
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("created_at: got %v, want %v", got.CreatedAt, r.CreatedAt)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetRoom(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestCreateRoomDuplicate(t *testing.T) {
	s := newTestStore(t)
	r := createTestRoom(t, s, "dup", "private")

	err := s.CreateRoom(context.Background(), &Room{ID: r.ID, Name: "again", Mode: "public", CreatedAt: time.Now()})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestListRooms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		createTestRoom(t, s, name, "public")
	}

	all, err := s.ListRooms(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("rooms: got %d, want 3", len(all))
	}

	page, err := s.ListRooms(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Errorf("second page: got %d, want 1", len(page))
	}
}

func TestParticipants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := createTestRoom(t, s, "board", "public")

	for _, subject := range []string{"alice", "bob"} {
		if err := s.AddParticipant(ctx, &ParticipantRecord{
			ID:       uuid.New().String(),
			RoomID:   r.ID,
			Subject:  subject,
			Mode:     "public",
			JoinedAt: time.Now(),
		}); err != nil {
			t.Fatalf("AddParticipant(%s): %v", subject, err)
		}
	}

	// Rejoin updates in place.
	if err := s.AddParticipant(ctx, &ParticipantRecord{
		ID: uuid.New().String(), RoomID: r.ID, Subject: "alice", Mode: "private", JoinedAt: time.Now(),
	}); err != nil {
		t.Fatalf("AddParticipant (rejoin): %v", err)
	}

	ps, err := s.ListParticipants(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 2 {
		t.Fatalf("participants: got %d, want 2", len(ps))
	}

	removed, err := s.RemoveParticipant(ctx, r.ID, "bob")
	if err != nil || !removed {
		t.Fatalf("RemoveParticipant: removed=%v err=%v", removed, err)
	}
	removed, err = s.RemoveParticipant(ctx, r.ID, "bob")
	if err != nil || removed {
		t.Errorf("second RemoveParticipant: removed=%v err=%v", removed, err)
	}
}

func TestParticipantRequiresRoom(t *testing.T) {
	s := newTestStore(t)
	err := s.AddParticipant(context.Background(), &ParticipantRecord{
		ID: uuid.New().String(), RoomID: "missing", Subject: "alice", Mode: "public", JoinedAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected foreign key error")
	}
}

func TestDeleteRoomCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := createTestRoom(t, s, "gone", "public")
	if err := s.AddParticipant(ctx, &ParticipantRecord{
		ID: uuid.New().String(), RoomID: r.ID, Subject: "alice", Mode: "public", JoinedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteRoom(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	ps, err := s.ListParticipants(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 0 {
		t.Errorf("participants after delete: got %d, want 0", len(ps))
	}
}

func TestNewFromConfig(t *testing.T) {
	s, err := New(config.StorageConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	if _, err := New(config.StorageConfig{Driver: "mongo"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
