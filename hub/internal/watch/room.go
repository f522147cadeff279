package watch

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/inkwell-labs/inkwell/pkg/protocol"
)

// Room is the watcher's view of one room, rebuilt from hub events.
// It is not safe for concurrent use.
type Room struct {
	ID           string
	Self         string // this watcher's connection id
	ExpiresAt    time.Time
	participants map[string]protocol.Participant
	strokes      []string
}

// NewRoom returns an empty view of roomID.
func NewRoom(roomID string) *Room {
	return &Room{ID: roomID, participants: make(map[string]protocol.Participant)}
}

// Apply folds one envelope into the view and returns a one-line description
// of it, or "" for events that are not worth showing.
func (r *Room) Apply(env protocol.Envelope) string {
	switch env.Type {
	case protocol.TypeSessionReady:
		var p protocol.SessionReady
		if protocol.DecodePayload(env, &p) != nil {
			return ""
		}
		r.Self = p.ConnectionID
		return fmt.Sprintf("session ready as %s (%s)", p.Subject, short(p.ConnectionID))

	case protocol.TypeRoomSync:
		var p protocol.RoomSync
		if protocol.DecodePayload(env, &p) != nil {
			return ""
		}
		r.ExpiresAt = p.ExpiresAt
		r.participants = lo.SliceToMap(p.Participants, func(pt protocol.Participant) (string, protocol.Participant) {
			return pt.ConnectionID, pt
		})
		r.strokes = lo.Map(p.Strokes, func(s protocol.StrokeRecord, _ int) string { return s.ID })
		return fmt.Sprintf("joined %s: %d participants, %d strokes", r.ID, len(r.participants), len(r.strokes))

	case protocol.TypeUserJoined:
		var p protocol.Membership
		if protocol.DecodePayload(env, &p) != nil {
			return ""
		}
		r.participants[p.ConnectionID] = protocol.Participant{
			ConnectionID: p.ConnectionID,
			Subject:      p.Subject,
			DisplayName:  p.DisplayName,
			JoinedAt:     p.Timestamp,
		}
		return fmt.Sprintf("%s joined", label(p.DisplayName, p.Subject, p.ConnectionID))

	case protocol.TypeUserLeft:
		var p protocol.Membership
		if protocol.DecodePayload(env, &p) != nil {
			return ""
		}
		name := label(p.DisplayName, p.Subject, p.ConnectionID)
		if prev, ok := r.participants[p.ConnectionID]; ok {
			name = label(prev.DisplayName, prev.Subject, prev.ConnectionID)
		}
		delete(r.participants, p.ConnectionID)
		return fmt.Sprintf("%s left", name)

	case protocol.TypeStrokeAdd:
		var p protocol.StrokeAdded
		if protocol.DecodePayload(env, &p) != nil {
			return ""
		}
		if !slices.Contains(r.strokes, p.Stroke.ID) {
			r.strokes = append(r.strokes, p.Stroke.ID)
		}
		return fmt.Sprintf("stroke %s added by %s", p.Stroke.ID, r.who(p.ConnectionID))

	case protocol.TypeStrokeDelete:
		var p protocol.StrokeDeleted
		if protocol.DecodePayload(env, &p) != nil {
			return ""
		}
		r.strokes = slices.DeleteFunc(r.strokes, func(id string) bool { return id == p.StrokeID })
		return fmt.Sprintf("stroke %s deleted by %s", p.StrokeID, r.who(p.ConnectionID))

	case protocol.TypeImageUpdate:
		var p protocol.ImageUpdated
		if protocol.DecodePayload(env, &p) != nil {
			return ""
		}
		return fmt.Sprintf("canvas image from %s (%d bytes)", r.who(p.ConnectionID), len(p.Data))

	case protocol.TypeCursorMove:
		// Too chatty for the event log.
		return ""

	case protocol.TypeRoomExpired:
		r.participants = make(map[string]protocol.Participant)
		return fmt.Sprintf("room %s expired", r.ID)

	case protocol.TypeError:
		var p protocol.ErrorResponse
		if protocol.DecodePayload(env, &p) != nil {
			return ""
		}
		if p.Event != "" {
			return fmt.Sprintf("error %s on %s: %s", p.Code, p.Event, p.Message)
		}
		return fmt.Sprintf("error %s: %s", p.Code, p.Message)
	}
	return ""
}

// Participants returns the roster ordered by join time.
func (r *Room) Participants() []protocol.Participant {
	out := lo.Values(r.participants)
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// StrokeCount returns the number of strokes in the room history.
func (r *Room) StrokeCount() int {
	return len(r.strokes)
}

func (r *Room) who(connID string) string {
	if connID == r.Self {
		return "you"
	}
	if p, ok := r.participants[connID]; ok {
		return label(p.DisplayName, p.Subject, p.ConnectionID)
	}
	return short(connID)
}

func label(displayName, subject, connID string) string {
	switch {
	case displayName != "":
		return displayName
	case subject != "":
		return subject
	default:
		return short(connID)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
