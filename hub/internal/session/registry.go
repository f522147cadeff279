// Package session holds the live, in-memory state of drawing rooms on one hub
// instance: participants, ordered stroke history and sliding expiry.
//
// A Registry is not safe for concurrent use. It is owned by the instance event
// loop and every call must be made from it.
package session

import (
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/samber/lo"
)

// ErrRoomNotFound is returned for operations on a room the registry does not hold.
var ErrRoomNotFound = errors.New("room not found")

// Participant is a connection joined to a room on this instance.
type Participant struct {
	ConnectionID string
	Subject      string
	DisplayName  string
	JoinedAt     time.Time
}

// StrokeRecord is one drawing operation in a room's history.
type StrokeRecord struct {
	ID                 string
	Payload            json.RawMessage
	AuthorConnectionID string
	CreatedAt          time.Time
}

// RoomSession is the live record of one room.
type RoomSession struct {
	ID           string
	Participants map[string]Participant // connection id -> participant
	Strokes      []StrokeRecord         // insertion order
	ExpiresAt    time.Time
	CreatedAt    time.Time

	strokeIDs  map[string]struct{}
	tombstones map[string]struct{}
}

// Snapshot is a copy of a room's state, safe to hand off the event loop.
type Snapshot struct {
	RoomID       string
	Participants []Participant
	Strokes      []StrokeRecord
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry maps room ids to live room sessions.
type Registry struct {
	ttl   time.Duration
	now   func() time.Time
	rooms map[string]*RoomSession
}

// NewRegistry creates an empty registry whose rooms expire ttl after their
// last qualifying activity.
func NewRegistry(ttl time.Duration, opts ...Option) *Registry {
	r := &Registry{
		ttl:   ttl,
		now:   time.Now,
		rooms: make(map[string]*RoomSession),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the sliding expiry window.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Create inserts an empty room. Returns false and changes nothing when the
// room already exists.
func (r *Registry) Create(roomID string) bool {
	if _, ok := r.rooms[roomID]; ok {
		return false
	}
	now := r.now()
	r.rooms[roomID] = &RoomSession{
		ID:           roomID,
		Participants: make(map[string]Participant),
		ExpiresAt:    now.Add(r.ttl),
		CreatedAt:    now,
		strokeIDs:    make(map[string]struct{}),
		tombstones:   make(map[string]struct{}),
	}
	return true
}

// Get returns the live room or ErrRoomNotFound. The returned pointer must not
// escape the event loop.
func (r *Registry) Get(roomID string) (*RoomSession, error) {
	rs, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rs, nil
}

// Has reports whether the room is live.
func (r *Registry) Has(roomID string) bool {
	_, ok := r.rooms[roomID]
	return ok
}

// Touch slides the room's expiry forward. No-op for unknown rooms.
func (r *Registry) Touch(roomID string) {
	if rs, ok := r.rooms[roomID]; ok {
		rs.ExpiresAt = r.now().Add(r.ttl)
	}
}

// AppendStroke adds a stroke to the end of the room history and touches the
// room. A stroke whose id is already present, or was deleted earlier, is
// ignored and reported as not appended.
func (r *Registry) AppendStroke(roomID string, s StrokeRecord) (bool, error) {
	rs, ok := r.rooms[roomID]
	if !ok {
		return false, ErrRoomNotFound
	}
	if _, dup := rs.strokeIDs[s.ID]; dup {
		return false, nil
	}
	if _, dead := rs.tombstones[s.ID]; dead {
		return false, nil
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}
	rs.Strokes = append(rs.Strokes, s)
	rs.strokeIDs[s.ID] = struct{}{}
	r.Touch(roomID)
	return true, nil
}

// RemoveStroke deletes a stroke by id and touches the room. The id is
// tombstoned so a late add can never bring it back. Removing an absent id is
// not an error.
func (r *Registry) RemoveStroke(roomID, strokeID string) (bool, error) {
	rs, ok := r.rooms[roomID]
	if !ok {
		return false, ErrRoomNotFound
	}
	rs.tombstones[strokeID] = struct{}{}
	r.Touch(roomID)
	if _, ok := rs.strokeIDs[strokeID]; !ok {
		return false, nil
	}
	delete(rs.strokeIDs, strokeID)
	rs.Strokes = slices.DeleteFunc(rs.Strokes, func(s StrokeRecord) bool { return s.ID == strokeID })
	return true, nil
}

// AddParticipant records a joined connection and touches the room. Re-adding
// the same connection replaces its entry.
func (r *Registry) AddParticipant(roomID string, p Participant) error {
	rs, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = r.now()
	}
	rs.Participants[p.ConnectionID] = p
	r.Touch(roomID)
	return nil
}

// RemoveParticipant drops a connection from the room. Returns false when the
// room or the participant is absent.
func (r *Registry) RemoveParticipant(roomID, connID string) bool {
	rs, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := rs.Participants[connID]; !ok {
		return false
	}
	delete(rs.Participants, connID)
	return true
}

// EvictExpired removes every room whose expiry is before now and returns
// their ids in sorted order.
func (r *Registry) EvictExpired(now time.Time) []string {
	var evicted []string
	for id, rs := range r.rooms {
		if rs.ExpiresAt.Before(now) {
			delete(r.rooms, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Snapshot copies a room's state. Participants are ordered by join time.
func (r *Registry) Snapshot(roomID string) (Snapshot, error) {
	rs, ok := r.rooms[roomID]
	if !ok {
		return Snapshot{}, ErrRoomNotFound
	}
	participants := lo.Values(rs.Participants)
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].JoinedAt.Equal(participants[j].JoinedAt) {
			return participants[i].ConnectionID < participants[j].ConnectionID
		}
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})
	return Snapshot{
		RoomID:       rs.ID,
		Participants: participants,
		Strokes:      slices.Clone(rs.Strokes),
		ExpiresAt:    rs.ExpiresAt,
		CreatedAt:    rs.CreatedAt,
	}, nil
}

// IDs returns the ids of all live rooms, sorted.
func (r *Registry) IDs() []string {
	ids := lo.Keys(r.rooms)
	sort.Strings(ids)
	return ids
}

// Len returns the number of live rooms.
func (r *Registry) Len() int { return len(r.rooms) }
