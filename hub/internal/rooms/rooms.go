// Package rooms implements the persisted room lifecycle behind the HTTP API:
// id generation, creation, joining and leaving. It also answers the router's
// existence checks for strict joins.
package rooms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/inkwell-labs/inkwell/hub/internal/store"
)

// Room modes.
const (
	ModePublic  = "public"
	ModePrivate = "private"
)

var (
	// ErrInvalidInput is returned for a missing name or unknown mode.
	ErrInvalidInput = errors.New("invalid room input")
	// ErrNotFound is returned when no record exists for a room id.
	ErrNotFound = errors.New("room not found")
	// ErrForbidden is returned when a subject may not change a room.
	ErrForbidden = errors.New("not the room creator")
)

// LiveSessions starts the in-memory session for a new room. *router.Router
// implements it.
type LiveSessions interface {
	CreateRoom(ctx context.Context, roomID string) (bool, error)
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Mode     string `json:"mode" validate:"required,oneof=public private"`
	RoomName string `json:"roomName" validate:"required,max=128"`
}

// JoinRequest is the input to Join.
type JoinRequest struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
	Mode   string `json:"mode" validate:"required,oneof=public private"`
}

// Service manages room records.
type Service struct {
	store    store.Store
	live     LiveSessions
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a room service. live may be nil, in which case created
// rooms only get a live session on first join.
func NewService(st store.Store, live LiveSessions, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		live:     live,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("component", "rooms"),
		now:      time.Now,
	}
}

// AttachLive sets the live session starter. The router needs the service as
// its directory, so it is attached after both exist.
func (s *Service) AttachLive(live LiveSessions) {
	s.live = live
}

// GenerateID derives a room id from name and at: the first 12 hex characters
// of sha256("<name>-<unix millis>").
func GenerateID(name string, at time.Time) string {
	sum := sha256.Sum256([]byte(name + "-" + strconv.FormatInt(at.UnixMilli(), 10)))
	return hex.EncodeToString(sum[:])[:12]
}

// NewID generates an id for name at the current time.
func (s *Service) NewID(name string) (string, time.Time, error) {
	if name == "" {
		return "", time.Time{}, fmt.Errorf("%w: roomName is required", ErrInvalidInput)
	}
	now := s.now()
	id := GenerateID(name, now)
	s.logger.Info("room id generated", "room_id", id, "name", name)
	return id, now, nil
}

// Create persists a new room owned by subject and starts its live session.
func (s *Service) Create(ctx context.Context, subject string, req CreateRequest) (*store.Room, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	id, now, err := s.NewID(req.RoomName)
	if err != nil {
		return nil, err
	}
	room := &store.Room{
		ID:        id,
		Name:      req.RoomName,
		Mode:      req.Mode,
		CreatedBy: subject,
		CreatedAt: now,
	}
	if err := s.store.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}

	if s.live != nil {
		if _, err := s.live.CreateRoom(ctx, id); err != nil {
			// The record exists; the session is created on first join instead.
			s.logger.Warn("live session not started", "room_id", id, "error", err)
		}
	}

	s.logger.Info("room created", "room_id", id, "mode", req.Mode, "subject", subject)
	return room, nil
}

// Join records subject as a participant of an existing room.
func (s *Service) Join(ctx context.Context, subject string, req JoinRequest) (*store.Room, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	room, err := s.store.GetRoom(ctx, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		return nil, ErrNotFound
	}

	if err := s.store.AddParticipant(ctx, &store.ParticipantRecord{
		ID:       uuid.New().String(),
		RoomID:   room.ID,
		Subject:  subject,
		Mode:     req.Mode,
		JoinedAt: s.now(),
	}); err != nil {
		return nil, fmt.Errorf("add participant: %w", err)
	}

	s.logger.Info("room joined", "room_id", room.ID, "mode", req.Mode, "subject", subject)
	return room, nil
}

// Leave removes subject's participant record. Leaving a room the subject is
// not in is not an error.
func (s *Service) Leave(ctx context.Context, subject, roomID string) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		return ErrNotFound
	}
	removed, err := s.store.RemoveParticipant(ctx, roomID, subject)
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	if removed {
		s.logger.Info("room left", "room_id", roomID, "subject", subject)
	}
	return nil
}

// Delete removes the room record and its participant records. Only the
// creator may delete a room. A live session keeps running until it expires,
// but strict joins no longer find the room once it is evicted.
func (s *Service) Delete(ctx context.Context, subject, roomID string) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		return ErrNotFound
	}
	if room.CreatedBy != subject {
		return ErrForbidden
	}
	if err := s.store.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	s.logger.Info("room deleted", "room_id", roomID, "subject", subject)
	return nil
}

// Get returns a room record and its participant records.
func (s *Service) Get(ctx context.Context, roomID string) (*store.Room, []store.ParticipantRecord, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		return nil, nil, ErrNotFound
	}
	participants, err := s.store.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("list participants: %w", err)
	}
	return room, participants, nil
}

// List returns room records, newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]store.Room, error) {
	return s.store.ListRooms(ctx, limit, offset)
}

// RoomExists reports whether a record exists for roomID.
func (s *Service) RoomExists(ctx context.Context, roomID string) (bool, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("lookup room: %w", err)
	}
	return room != nil, nil
}
