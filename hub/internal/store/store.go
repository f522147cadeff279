// Package store defines the storage interface for room records and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned when a room id is already taken.
var ErrDuplicate = errors.New("duplicate room")

// Store is the persistence interface for room records. Live drawing state is
// never stored here.
type Store interface {
	// Rooms
	CreateRoom(ctx context.Context, room *Room) error
	GetRoom(ctx context.Context, id string) (*Room, error)
	ListRooms(ctx context.Context, limit, offset int) ([]Room, error)
	DeleteRoom(ctx context.Context, id string) error

	// Participants
	AddParticipant(ctx context.Context, p *ParticipantRecord) error
	RemoveParticipant(ctx context.Context, roomID, subject string) (bool, error)
	ListParticipants(ctx context.Context, roomID string) ([]ParticipantRecord, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Room is a persisted room record.
type Room struct {
	ID        string    `json:"roomId"`
	Name      string    `json:"roomName"`
	Mode      string    `json:"mode"` // "public" or "private"
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// ParticipantRecord is a subject that joined a room through the HTTP API.
type ParticipantRecord struct {
	ID       string    `json:"id"`
	RoomID   string    `json:"roomId"`
	Subject  string    `json:"subject"`
	Mode     string    `json:"mode"`
	JoinedAt time.Time `json:"joinedAt"`
}
