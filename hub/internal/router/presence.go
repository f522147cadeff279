package router

import (
	"context"
	"errors"

	"github.com/inkwell-labs/inkwell/hub/internal/config"
	"github.com/inkwell-labs/inkwell/hub/internal/session"
	"github.com/inkwell-labs/inkwell/pkg/protocol"
)

// handleJoin resolves the target room and joins cc to it. A room missing from
// the registry is created under the lazy policy; under the strict policy the
// directory is asked off the loop and the join resumes on the loop. Runs on
// the loop.
func (r *Router) handleJoin(cc *clientConn, j protocol.Join) {
	if err := r.validate.Struct(j); err != nil {
		r.reject(cc, protocol.TypeJoin, validationf("invalid join: %v", err))
		return
	}

	if r.registry.Has(j.RoomID) {
		r.join(cc, j.RoomID, j.DisplayName)
		return
	}

	if r.opts.JoinPolicy == config.JoinPolicyLazy {
		r.registry.Create(j.RoomID)
		r.logger.Debug("room created on join", "room_id", j.RoomID, "conn_id", cc.id)
		r.join(cc, j.RoomID, j.DisplayName)
		return
	}

	if r.directory == nil {
		r.reject(cc, protocol.TypeJoin, session.ErrRoomNotFound)
		return
	}

	roomID, displayName := j.RoomID, j.DisplayName
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.LookupTimeout)
		exists, err := r.directory.RoomExists(ctx, roomID)
		cancel()

		_ = r.loop.Submit(func() {
			if !r.alive(cc) {
				return
			}
			if err != nil {
				r.logger.Warn("room lookup failed", "room_id", roomID, "conn_id", cc.id, "error", err)
				r.reject(cc, protocol.TypeJoin, err)
				return
			}
			// The room may have been created while the lookup was in flight.
			if !exists && !r.registry.Has(roomID) {
				r.reject(cc, protocol.TypeJoin, session.ErrRoomNotFound)
				return
			}
			r.registry.Create(roomID)
			r.join(cc, roomID, displayName)
		})
	}()
}

// join attaches cc to roomID, leaving any previous room first. The room must
// exist. Runs on the loop.
func (r *Router) join(cc *clientConn, roomID, displayName string) {
	if displayName == "" {
		displayName = cc.name
	}

	if cc.room != "" && cc.room != roomID {
		r.leave(cc)
	}
	rejoin := cc.room == roomID

	now := r.now()
	if err := r.registry.AddParticipant(roomID, session.Participant{
		ConnectionID: cc.id,
		Subject:      cc.subject,
		DisplayName:  displayName,
		JoinedAt:     now,
	}); err != nil {
		r.reject(cc, protocol.TypeJoin, err)
		return
	}

	cc.room = roomID
	cc.displayName = displayName
	cc.state = stateJoined
	if r.members[roomID] == nil {
		r.members[roomID] = make(map[string]*clientConn)
	}
	r.members[roomID][cc.id] = cc

	snap, err := r.registry.Snapshot(roomID)
	if err != nil {
		r.reject(cc, protocol.TypeJoin, err)
		return
	}
	r.sendTo(cc, protocol.TypeRoomSync, roomID, roomSyncPayload(snap))

	if rejoin {
		return
	}

	r.logger.Info("client joined room", "room_id", roomID, "conn_id", cc.id, "subject", cc.subject)

	joined := protocol.Membership{
		RoomID:       roomID,
		ConnectionID: cc.id,
		Subject:      cc.subject,
		DisplayName:  displayName,
		Timestamp:    now,
	}
	r.broadcast(roomID, cc.id, protocol.TypeUserJoined, joined)
	r.publish(roomID, protocol.TypeJoin, cc.id, joined)
}

// leave detaches cc from its room. Idempotent. Runs on the loop.
func (r *Router) leave(cc *clientConn) {
	roomID := cc.room
	if roomID == "" {
		return
	}

	r.registry.RemoveParticipant(roomID, cc.id)
	r.removeMember(roomID, cc.id)
	cc.room = ""
	if cc.state == stateJoined {
		cc.state = stateAuthenticated
	}

	left := protocol.Membership{
		RoomID:       roomID,
		ConnectionID: cc.id,
		Subject:      cc.subject,
		DisplayName:  cc.displayName,
		Timestamp:    r.now(),
	}
	r.broadcast(roomID, cc.id, protocol.TypeUserLeft, left)
	r.publish(roomID, protocol.TypeLeave, cc.id, left)

	r.logger.Info("client left room", "room_id", roomID, "conn_id", cc.id)
}

// detachRoom notifies and detaches all local members of an evicted room.
// Nothing is relayed; every instance sweeps its own registry. Runs on the loop.
func (r *Router) detachRoom(roomID string) {
	members := r.members[roomID]
	delete(r.members, roomID)
	for _, cc := range members {
		r.sendTo(cc, protocol.TypeRoomExpired, roomID, protocol.RoomExpired{RoomID: roomID})
		cc.room = ""
		if cc.state == stateJoined {
			cc.state = stateAuthenticated
		}
	}
}

func (r *Router) removeMember(roomID, connID string) {
	m := r.members[roomID]
	if m == nil {
		return
	}
	delete(m, connID)
	if len(m) == 0 {
		delete(r.members, roomID)
	}
}

// reject logs err and reports it to cc only.
func (r *Router) reject(cc *clientConn, event string, err error) {
	code := wireCode(err)
	r.logger.Info("event rejected", "conn_id", cc.id, "room_id", cc.room, "event", event, "code", code, "error", err)
	msg := err.Error()
	var ve *validationError
	if errors.As(err, &ve) {
		msg = ve.msg
	}
	r.sendError(cc, code, msg, event)
}

func roomSyncPayload(snap session.Snapshot) protocol.RoomSync {
	strokes := make([]protocol.StrokeRecord, 0, len(snap.Strokes))
	for _, s := range snap.Strokes {
		strokes = append(strokes, strokeToWire(s))
	}
	participants := make([]protocol.Participant, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		participants = append(participants, protocol.Participant{
			ConnectionID: p.ConnectionID,
			Subject:      p.Subject,
			DisplayName:  p.DisplayName,
			JoinedAt:     p.JoinedAt,
		})
	}
	return protocol.RoomSync{
		RoomID:       snap.RoomID,
		Strokes:      strokes,
		Participants: participants,
		ExpiresAt:    snap.ExpiresAt,
	}
}

func strokeToWire(s session.StrokeRecord) protocol.StrokeRecord {
	return protocol.StrokeRecord{
		ID:                 s.ID,
		Payload:            s.Payload,
		AuthorConnectionID: s.AuthorConnectionID,
		CreatedAt:          s.CreatedAt,
	}
}
