package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(t *testing.T, ttl time.Duration) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(ttl, WithClock(clock.Now)), clock
}

func stroke(id string) StrokeRecord {
	return StrokeRecord{ID: id, Payload: json.RawMessage(`{"points":[[0,0],[1,1]]}`), AuthorConnectionID: "c1"}
}

func TestCreateIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, 10*time.Minute)

	require.True(t, r.Create("room-1"))
	require.NoError(t, r.AddParticipant("room-1", Participant{ConnectionID: "c1"}))
	_, err := r.AppendStroke("room-1", stroke("s1"))
	require.NoError(t, err)

	require.False(t, r.Create("room-1"), "second create must report not-created")

	snap, err := r.Snapshot("room-1")
	require.NoError(t, err)
	require.Len(t, snap.Participants, 1, "create on existing room must not reset it")
	require.Len(t, snap.Strokes, 1)
	require.Equal(t, 1, r.Len())
}

func TestGetUnknownRoom(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)

	_, err := r.Get("nope")
	require.ErrorIs(t, err, ErrRoomNotFound)

	_, err = r.AppendStroke("nope", stroke("s1"))
	require.ErrorIs(t, err, ErrRoomNotFound)

	_, err = r.RemoveStroke("nope", "s1")
	require.ErrorIs(t, err, ErrRoomNotFound)

	require.ErrorIs(t, r.AddParticipant("nope", Participant{ConnectionID: "c1"}), ErrRoomNotFound)
	require.False(t, r.RemoveParticipant("nope", "c1"))

	// Touch on unknown room is a no-op.
	r.Touch("nope")
	require.Equal(t, 0, r.Len())
}

func TestStrokeOrderAndDedup(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	r.Create("room-1")

	for _, id := range []string{"a", "b", "c"} {
		ok, err := r.AppendStroke("room-1", stroke(id))
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := r.AppendStroke("room-1", stroke("b"))
	require.NoError(t, err)
	require.False(t, ok, "duplicate id must not append")

	snap, _ := r.Snapshot("room-1")
	ids := make([]string, 0, len(snap.Strokes))
	for _, s := range snap.Strokes {
		ids = append(ids, s.ID)
	}
	require.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestRemoveStrokeIsPermanent(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	r.Create("room-1")
	_, _ = r.AppendStroke("room-1", stroke("a"))
	_, _ = r.AppendStroke("room-1", stroke("b"))

	removed, err := r.RemoveStroke("room-1", "a")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = r.RemoveStroke("room-1", "a")
	require.NoError(t, err)
	require.False(t, removed, "second delete is a no-op")

	ok, err := r.AppendStroke("room-1", stroke("a"))
	require.NoError(t, err)
	require.False(t, ok, "deleted id must never reappear")

	// Delete overtaking its add.
	_, err = r.RemoveStroke("room-1", "late")
	require.NoError(t, err)
	ok, _ = r.AppendStroke("room-1", stroke("late"))
	require.False(t, ok)

	snap, _ := r.Snapshot("room-1")
	require.Len(t, snap.Strokes, 1)
	require.Equal(t, "b", snap.Strokes[0].ID)
}

func TestSlidingExpiry(t *testing.T) {
	const ttl = 10 * time.Minute
	r, clock := newTestRegistry(t, ttl)
	t0 := clock.Now()
	r.Create("idle")
	r.Create("busy")

	// Activity at t0+T/2 keeps "busy" alive until t0+T/2+T.
	clock.Advance(ttl / 2)
	_, err := r.AppendStroke("busy", stroke("s1"))
	require.NoError(t, err)

	evicted := r.EvictExpired(t0.Add(ttl + time.Second))
	require.Equal(t, []string{"idle"}, evicted)
	require.False(t, r.Has("idle"))
	require.True(t, r.Has("busy"))

	require.Empty(t, r.EvictExpired(t0.Add(ttl/2+ttl)))
	require.Equal(t, []string{"busy"}, r.EvictExpired(t0.Add(ttl/2+ttl+time.Second)))
}

func TestParticipantJoinTouchesLeaveDoesNot(t *testing.T) {
	const ttl = time.Minute
	r, clock := newTestRegistry(t, ttl)
	r.Create("room-1")
	created, _ := r.Get("room-1")
	initial := created.ExpiresAt

	clock.Advance(30 * time.Second)
	require.NoError(t, r.AddParticipant("room-1", Participant{ConnectionID: "c1", DisplayName: "Ann"}))
	rs, _ := r.Get("room-1")
	require.Equal(t, initial.Add(30*time.Second), rs.ExpiresAt)

	clock.Advance(10 * time.Second)
	require.True(t, r.RemoveParticipant("room-1", "c1"))
	require.Equal(t, initial.Add(30*time.Second), rs.ExpiresAt)
	require.False(t, r.RemoveParticipant("room-1", "c1"))
}

func TestSnapshotIsACopy(t *testing.T) {
	r, clock := newTestRegistry(t, time.Minute)
	r.Create("room-1")
	require.NoError(t, r.AddParticipant("room-1", Participant{ConnectionID: "c2"}))
	clock.Advance(time.Second)
	require.NoError(t, r.AddParticipant("room-1", Participant{ConnectionID: "c1"}))
	_, _ = r.AppendStroke("room-1", stroke("s1"))

	snap, err := r.Snapshot("room-1")
	require.NoError(t, err)
	require.Equal(t, "c2", snap.Participants[0].ConnectionID, "ordered by join time")
	require.Equal(t, "c1", snap.Participants[1].ConnectionID)

	snap.Strokes[0].ID = "mutated"
	rs, _ := r.Get("room-1")
	require.Equal(t, "s1", rs.Strokes[0].ID)

	require.Equal(t, []string{"room-1"}, r.IDs())
}
