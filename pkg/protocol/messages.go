// Package protocol defines the wire protocol messages exchanged between
// inkwell components (canvas client ↔ hub ↔ hub) over WebSocket and the
// cross-instance bus.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all client messages.
type Envelope struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"room_id,omitempty"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// DecodePayload re-decodes an envelope payload into v. Inbound envelopes are
// decoded with an untyped payload, so the concrete type is only known once
// the event name has been dispatched.
func DecodePayload(env Envelope, v any) error {
	data, err := json.Marshal(env.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// --- Message type constants ---

const (
	// Client → Hub
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeCursorMove   = "cursor-move"
	TypeStrokeAdd    = "stroke-add"
	TypeStrokeDelete = "stroke-delete"
	TypeImageUpdate  = "image-update"

	// Hub → Client
	TypeSessionReady = "session.ready"
	TypeRoomSync     = "room.sync"
	TypeUserJoined   = "user-joined"
	TypeUserLeft     = "user-left"
	TypeRoomExpired  = "room.expired"
	TypeError        = "error"

	// Hub ↔ Hub only
	TypeRoomCreate = "room-create"
)

// --- Client → Hub payloads ---

// Join asks the hub to attach the connection to a room.
type Join struct {
	RoomID      string `json:"roomId" validate:"required,max=128"`
	DisplayName string `json:"displayName" validate:"max=64"`
}

// Leave detaches the connection from its current room.
type Leave struct {
	RoomID string `json:"roomId"`
}

// CursorMove carries a pointer position. Never persisted. X and Y are
// pointers so a missing coordinate is told apart from zero.
type CursorMove struct {
	RoomID string   `json:"roomId" validate:"required"`
	X      *float64 `json:"x" validate:"required"`
	Y      *float64 `json:"y" validate:"required"`
}

// Stroke is one drawing operation with a caller-assigned id.
type Stroke struct {
	ID      string          `json:"id" validate:"required,max=128"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// StrokeAdd appends a stroke to the room history.
type StrokeAdd struct {
	RoomID string  `json:"roomId" validate:"required"`
	Stroke *Stroke `json:"stroke" validate:"required"`
}

// StrokeDelete removes a stroke from the room history by id.
type StrokeDelete struct {
	RoomID   string `json:"roomId" validate:"required"`
	StrokeID string `json:"strokeId" validate:"required"`
}

// ImageUpdate carries a full canvas image. Broadcast only, never persisted.
type ImageUpdate struct {
	RoomID string `json:"roomId" validate:"required"`
	Data   string `json:"data" validate:"required"`
}

// --- Hub → Client payloads ---

// SessionReady is sent once the handshake token has been verified.
type SessionReady struct {
	ConnectionID string `json:"connectionId"`
	Subject      string `json:"subject"`
}

// Participant is one joined connection as seen by clients.
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	Subject      string    `json:"subject"`
	DisplayName  string    `json:"displayName"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// StrokeRecord is a stored stroke as delivered in a room sync.
type StrokeRecord struct {
	ID                 string          `json:"id"`
	Payload            json.RawMessage `json:"payload"`
	AuthorConnectionID string          `json:"authorConnectionId"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// RoomSync is sent to a joiner only: the full stroke history and roster.
type RoomSync struct {
	RoomID       string         `json:"roomId"`
	Strokes      []StrokeRecord `json:"strokes"`
	Participants []Participant  `json:"participants"`
	ExpiresAt    time.Time      `json:"expiresAt"`
}

// Membership announces a join or leave to the other members of a room.
type Membership struct {
	RoomID       string    `json:"roomId"`
	ConnectionID string    `json:"connectionId"`
	Subject      string    `json:"subject,omitempty"`
	DisplayName  string    `json:"displayName,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// StrokeAdded is the fan-out form of stroke-add.
type StrokeAdded struct {
	RoomID       string       `json:"roomId"`
	ConnectionID string       `json:"connectionId"`
	Stroke       StrokeRecord `json:"stroke"`
}

// StrokeDeleted is the fan-out form of stroke-delete.
type StrokeDeleted struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	StrokeID     string `json:"strokeId"`
}

// CursorMoved is the fan-out form of cursor-move.
type CursorMoved struct {
	RoomID       string  `json:"roomId"`
	ConnectionID string  `json:"connectionId"`
	Subject      string  `json:"subject,omitempty"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
}

// ImageUpdated is the fan-out form of image-update.
type ImageUpdated struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	Data         string `json:"data"`
}

// RoomExpired tells remaining members that the room was evicted.
type RoomExpired struct {
	RoomID string `json:"roomId"`
}

// ErrorResponse carries a scoped error from hub to the originating client.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Event   string    `json:"event,omitempty"`
}
