package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inkwell-labs/inkwell/hub/internal/relay"
	"github.com/inkwell-labs/inkwell/hub/internal/session"
	"github.com/inkwell-labs/inkwell/pkg/protocol"
)

// ErrValidation marks a malformed or out-of-context client event.
var ErrValidation = errors.New("validation error")

type validationError struct{ msg string }

func (e *validationError) Error() string { return "validation error: " + e.msg }
func (e *validationError) Unwrap() error { return ErrValidation }

func validationf(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

var errNotJoined = &validationError{msg: "not joined to room"}

// dispatch routes one client event. Runs on the loop.
func (r *Router) dispatch(cc *clientConn, env protocol.Envelope) {
	if !r.alive(cc) {
		return
	}
	cc.lastActivity = r.now()

	switch env.Type {
	case protocol.TypeJoin:
		var j protocol.Join
		if err := protocol.DecodePayload(env, &j); err != nil {
			r.reject(cc, env.Type, validationf("decode join: %v", err))
			return
		}
		r.handleJoin(cc, j)

	case protocol.TypeLeave:
		var l protocol.Leave
		if err := protocol.DecodePayload(env, &l); err != nil {
			r.reject(cc, env.Type, validationf("decode leave: %v", err))
			return
		}
		if l.RoomID != "" && cc.room != "" && l.RoomID != cc.room {
			r.reject(cc, env.Type, errNotJoined)
			return
		}
		r.leave(cc)

	case protocol.TypeCursorMove:
		var m protocol.CursorMove
		if !r.decodeInRoom(cc, env, &m, func() string { return m.RoomID }) {
			return
		}
		moved := protocol.CursorMoved{RoomID: m.RoomID, ConnectionID: cc.id, Subject: cc.subject, X: *m.X, Y: *m.Y}
		r.broadcast(m.RoomID, cc.id, protocol.TypeCursorMove, moved)
		if r.opts.RelayCursorMove {
			r.publish(m.RoomID, protocol.TypeCursorMove, cc.id, moved)
		}

	case protocol.TypeStrokeAdd:
		var a protocol.StrokeAdd
		if !r.decodeInRoom(cc, env, &a, func() string { return a.RoomID }) {
			return
		}
		if isNull(a.Stroke.Payload) {
			r.reject(cc, env.Type, validationf("stroke payload is required"))
			return
		}
		rec := session.StrokeRecord{
			ID:                 a.Stroke.ID,
			Payload:            a.Stroke.Payload,
			AuthorConnectionID: cc.id,
			CreatedAt:          r.now(),
		}
		appended, err := r.registry.AppendStroke(a.RoomID, rec)
		if err != nil {
			r.reject(cc, env.Type, err)
			return
		}
		if !appended {
			r.logger.Debug("duplicate stroke ignored", "room_id", a.RoomID, "stroke_id", rec.ID, "conn_id", cc.id)
			return
		}
		added := protocol.StrokeAdded{RoomID: a.RoomID, ConnectionID: cc.id, Stroke: strokeToWire(rec)}
		r.broadcast(a.RoomID, cc.id, protocol.TypeStrokeAdd, added)
		r.publish(a.RoomID, protocol.TypeStrokeAdd, cc.id, added)

	case protocol.TypeStrokeDelete:
		var d protocol.StrokeDelete
		if !r.decodeInRoom(cc, env, &d, func() string { return d.RoomID }) {
			return
		}
		if _, err := r.registry.RemoveStroke(d.RoomID, d.StrokeID); err != nil {
			r.reject(cc, env.Type, err)
			return
		}
		deleted := protocol.StrokeDeleted{RoomID: d.RoomID, ConnectionID: cc.id, StrokeID: d.StrokeID}
		r.broadcast(d.RoomID, "", protocol.TypeStrokeDelete, deleted)
		r.publish(d.RoomID, protocol.TypeStrokeDelete, cc.id, deleted)

	case protocol.TypeImageUpdate:
		var u protocol.ImageUpdate
		if !r.decodeInRoom(cc, env, &u, func() string { return u.RoomID }) {
			return
		}
		updated := protocol.ImageUpdated{RoomID: u.RoomID, ConnectionID: cc.id, Data: u.Data}
		r.broadcast(u.RoomID, "", protocol.TypeImageUpdate, updated)
		if r.opts.RelayImageUpdate {
			r.publish(u.RoomID, protocol.TypeImageUpdate, cc.id, updated)
		}

	default:
		r.reject(cc, env.Type, validationf("unknown event %q", env.Type))
	}
}

// decodeInRoom decodes and validates a room-scoped payload and checks that cc
// is joined to, and the registry still holds, the named room.
func (r *Router) decodeInRoom(cc *clientConn, env protocol.Envelope, v any, roomID func() string) bool {
	if err := protocol.DecodePayload(env, v); err != nil {
		r.reject(cc, env.Type, validationf("decode %s: %v", env.Type, err))
		return false
	}
	if err := r.validate.Struct(v); err != nil {
		r.reject(cc, env.Type, validationf("invalid %s: %v", env.Type, err))
		return false
	}
	if roomID() != cc.room {
		r.reject(cc, env.Type, errNotJoined)
		return false
	}
	if !r.registry.Has(cc.room) {
		r.reject(cc, env.Type, session.ErrRoomNotFound)
		return false
	}
	return true
}

// applyRemote applies an event published by another instance and fans it out
// to every local member of the room. Nothing here republishes. Runs on the
// loop.
func (r *Router) applyRemote(msg relay.Message) {
	log := r.logger.With("room_id", msg.RoomID, "event", msg.Event, "origin", msg.OriginInstance)

	switch msg.Event {
	case protocol.TypeRoomCreate:
		if r.registry.Create(msg.RoomID) {
			log.Debug("room created by peer")
		}

	case protocol.TypeJoin, protocol.TypeLeave:
		var m protocol.Membership
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			log.Warn("invalid remote membership", "error", err)
			return
		}
		if msg.Event == protocol.TypeJoin {
			// Peers joining a room means it is live somewhere; hold it here
			// too so stroke history keeps accumulating.
			r.registry.Create(msg.RoomID)
			r.registry.Touch(msg.RoomID)
			r.broadcast(msg.RoomID, "", protocol.TypeUserJoined, m)
		} else {
			r.broadcast(msg.RoomID, "", protocol.TypeUserLeft, m)
		}

	case protocol.TypeStrokeAdd:
		var a protocol.StrokeAdded
		if err := json.Unmarshal(msg.Payload, &a); err != nil || a.Stroke.ID == "" {
			log.Warn("invalid remote stroke", "error", err)
			return
		}
		r.registry.Create(msg.RoomID)
		appended, err := r.registry.AppendStroke(msg.RoomID, session.StrokeRecord{
			ID:                 a.Stroke.ID,
			Payload:            a.Stroke.Payload,
			AuthorConnectionID: a.Stroke.AuthorConnectionID,
			CreatedAt:          a.Stroke.CreatedAt,
		})
		if err != nil || !appended {
			return
		}
		r.broadcast(msg.RoomID, "", protocol.TypeStrokeAdd, a)

	case protocol.TypeStrokeDelete:
		var d protocol.StrokeDeleted
		if err := json.Unmarshal(msg.Payload, &d); err != nil || d.StrokeID == "" {
			log.Warn("invalid remote stroke delete", "error", err)
			return
		}
		r.registry.Create(msg.RoomID)
		if _, err := r.registry.RemoveStroke(msg.RoomID, d.StrokeID); err != nil {
			return
		}
		r.broadcast(msg.RoomID, "", protocol.TypeStrokeDelete, d)

	case protocol.TypeCursorMove:
		var m protocol.CursorMoved
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			log.Warn("invalid remote cursor", "error", err)
			return
		}
		r.broadcast(msg.RoomID, "", protocol.TypeCursorMove, m)

	case protocol.TypeImageUpdate:
		var u protocol.ImageUpdated
		if err := json.Unmarshal(msg.Payload, &u); err != nil {
			log.Warn("invalid remote image", "error", err)
			return
		}
		r.broadcast(msg.RoomID, "", protocol.TypeImageUpdate, u)

	default:
		log.Warn("unknown remote event")
	}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
