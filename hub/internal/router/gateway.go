// Package router terminates canvas client WebSockets, tracks room presence and
// routes drawing events to local connections and to other hub instances.
//
// All connection-table, presence and registry state is owned by the instance
// event loop. Goroutines started here (readers, writers, directory lookups)
// only touch that state through Loop.Submit.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/inkwell-labs/inkwell/hub/internal/auth"
	"github.com/inkwell-labs/inkwell/hub/internal/config"
	"github.com/inkwell-labs/inkwell/hub/internal/eventloop"
	"github.com/inkwell-labs/inkwell/hub/internal/relay"
	"github.com/inkwell-labs/inkwell/hub/internal/session"
	"github.com/inkwell-labs/inkwell/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Publisher hands events to other instances. *relay.Relay implements it.
type Publisher interface {
	Publish(msg relay.Message) error
}

// Directory answers whether a room has a persisted record. It is consulted
// off the event loop when a join names a room the registry does not hold.
type Directory interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
}

// Options configures the Router.
type Options struct {
	AllowedOrigins     []string // for WebSocket origin check
	MaxMessageBytes    int64    // max WebSocket message size from clients (default 256KB)
	OutboundBuffer     int      // per-connection send queue (default 256)
	EventsPerSecond    float64  // per-connection inbound rate (default 60)
	EventBurst         int      // per-connection inbound burst (default 120)
	MaxConnsPerSubject int      // 0 = unlimited
	JoinPolicy         string   // config.JoinPolicyStrict or config.JoinPolicyLazy
	RelayCursorMove    bool
	RelayImageUpdate   bool
	LookupTimeout      time.Duration
}

// Router manages all client connections and event routing for one instance.
type Router struct {
	validator auth.Validator
	loop      *eventloop.Loop
	registry  *session.Registry
	relay     Publisher
	directory Directory
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	validate  *validator.Validate
	opts      Options
	now       func() time.Time

	// Owned by the event loop.
	conns     map[string]*clientConn            // conn_id -> conn
	members   map[string]map[string]*clientConn // room_id -> conn_id -> conn
	bySubject map[string]int
}

type connState int

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateJoined
	stateDisconnected
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

type clientConn struct {
	id      string
	subject string
	name    string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once

	// Owned by the event loop.
	state        connState
	room         string
	displayName  string
	lastActivity time.Time
}

// kick closes the socket; the reader then reports the disconnect.
func (cc *clientConn) kick() {
	cc.closeOnce.Do(func() {
		if cc.conn != nil {
			_ = cc.conn.Close()
		}
	})
}

// New creates a new Router. pub and dir may be nil: events then stay local
// and strict joins consult only the registry.
func New(v auth.Validator, loop *eventloop.Loop, reg *session.Registry, pub Publisher, dir Directory, logger *slog.Logger, opts Options) *Router {
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 256 * 1024
	}
	if opts.OutboundBuffer == 0 {
		opts.OutboundBuffer = 256
	}
	if opts.EventsPerSecond == 0 {
		opts.EventsPerSecond = 60
	}
	if opts.EventBurst == 0 {
		opts.EventBurst = 120
	}
	if opts.JoinPolicy == "" {
		opts.JoinPolicy = config.JoinPolicyStrict
	}
	if opts.LookupTimeout == 0 {
		opts.LookupTimeout = 5 * time.Second
	}

	return &Router{
		validator: v,
		loop:      loop,
		registry:  reg,
		relay:     pub,
		directory: dir,
		logger:    logger.With("component", "router"),
		upgrader:  makeUpgrader(opts.AllowedOrigins),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		opts:      opts,
		now:       time.Now,
		conns:     make(map[string]*clientConn),
		members:   make(map[string]map[string]*clientConn),
		bySubject: make(map[string]int),
	}
}

// HandleWS handles WebSocket connections from canvas clients.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	// Browsers cannot set headers on the WebSocket handshake, so the token
	// usually arrives as the access_token cookie or the token query param.
	tokenStr := auth.TokenFromRequest(req)

	var identity *auth.Identity
	authErr := auth.ErrAuthRequired
	if tokenStr != "" {
		identity, authErr = r.validator.ValidateToken(req.Context(), tokenStr)
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}

	if authErr != nil {
		code := wireCode(authErr)
		r.logger.Info("client rejected", "reason", code, "remote", req.RemoteAddr)
		closeWith(conn, websocket.ClosePolicyViolation, string(code))
		return
	}

	cc := &clientConn{
		id:      uuid.New().String(),
		subject: identity.Subject,
		name:    identity.Name,
		conn:    conn,
		send:    make(chan []byte, r.opts.OutboundBuffer),
		limiter: rate.NewLimiter(rate.Limit(r.opts.EventsPerSecond), r.opts.EventBurst),
		state:   stateConnecting,
	}

	var admitted bool
	if err := r.loop.Do(req.Context(), func() { admitted = r.register(cc) }); err != nil {
		// The task may still run later; make sure it is undone.
		_ = r.loop.Submit(func() { r.disconnect(cc) })
		closeWith(conn, websocket.CloseGoingAway, "shutting down")
		return
	}
	if !admitted {
		r.logger.Warn("too many WebSocket connections for subject", "subject", cc.subject, "limit", r.opts.MaxConnsPerSubject)
		closeWith(conn, websocket.ClosePolicyViolation, string(protocol.CodeTooManyConnections))
		return
	}

	conn.SetReadLimit(r.opts.MaxMessageBytes)
	stopPing := startWSKeepalive(conn)
	go r.writePump(cc)

	r.logger.Info("client connected", "subject", cc.subject, "conn_id", cc.id)

	if roomID := req.URL.Query().Get("roomId"); roomID != "" {
		displayName := req.URL.Query().Get("displayName")
		_ = r.loop.Submit(func() {
			r.handleJoin(cc, protocol.Join{RoomID: roomID, DisplayName: displayName})
		})
	}

	r.readLoop(cc)

	stopPing()
	cc.kick()
	if err := r.loop.Submit(func() { r.disconnect(cc) }); err != nil {
		r.logger.Debug("disconnect after loop stop", "conn_id", cc.id)
	}
	r.logger.Info("client disconnected", "subject", cc.subject, "conn_id", cc.id)
}

func (r *Router) readLoop(cc *clientConn) {
	for {
		_, msg, err := cc.conn.ReadMessage()
		if err != nil {
			r.logger.Debug("client read error", "conn_id", cc.id, "error", err)
			return
		}

		var env protocol.Envelope
		decodeErr := json.Unmarshal(msg, &env)

		if !cc.limiter.Allow() {
			r.logger.Debug("client message rate limited", "conn_id", cc.id, "event", env.Type)
			event := env.Type
			if err := r.loop.Submit(func() {
				r.sendError(cc, protocol.CodeRateLimited, "rate limited", event)
			}); err != nil {
				return
			}
			continue
		}

		if decodeErr != nil {
			r.logger.Warn("invalid message from client", "conn_id", cc.id, "error", decodeErr)
			_ = r.loop.Submit(func() {
				r.sendError(cc, protocol.CodeValidation, "malformed envelope", "")
			})
			continue
		}

		if err := r.loop.Submit(func() { r.dispatch(cc, env) }); err != nil {
			return
		}
	}
}

// writePump is the only writer of data frames on cc.conn.
func (r *Router) writePump(cc *clientConn) {
	for data := range cc.send {
		_ = cc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := cc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			r.logger.Debug("client write error", "conn_id", cc.id, "error", err)
			cc.kick()
			// Keep draining until the loop closes send.
			for range cc.send {
			}
			return
		}
	}
	_ = cc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	cc.kick()
}

// register admits an authenticated connection. Runs on the loop.
func (r *Router) register(cc *clientConn) bool {
	if r.opts.MaxConnsPerSubject > 0 && r.bySubject[cc.subject] >= r.opts.MaxConnsPerSubject {
		return false
	}
	r.bySubject[cc.subject]++
	r.conns[cc.id] = cc
	cc.state = stateAuthenticated
	cc.lastActivity = r.now()
	r.sendTo(cc, protocol.TypeSessionReady, "", protocol.SessionReady{
		ConnectionID: cc.id,
		Subject:      cc.subject,
	})
	return true
}

// disconnect is terminal and idempotent. Runs on the loop.
func (r *Router) disconnect(cc *clientConn) {
	if cc.state == stateDisconnected {
		return
	}
	registered := cc.state != stateConnecting
	r.leave(cc)
	cc.state = stateDisconnected
	if registered {
		delete(r.conns, cc.id)
		r.bySubject[cc.subject]--
		if r.bySubject[cc.subject] <= 0 {
			delete(r.bySubject, cc.subject)
		}
	}
	close(cc.send)
}

// alive reports whether cc can still receive events. Runs on the loop.
func (r *Router) alive(cc *clientConn) bool {
	return cc.state != stateDisconnected && cc.state != stateConnecting
}

// sendTo queues one envelope for cc. Runs on the loop.
func (r *Router) sendTo(cc *clientConn, msgType, roomID string, payload any) {
	data, err := encodeEnvelope(msgType, roomID, payload, r.now())
	if err != nil {
		r.logger.Warn("marshal error", "type", msgType, "error", err)
		return
	}
	r.enqueue(cc, data)
}

func (r *Router) enqueue(cc *clientConn, data []byte) {
	if !r.alive(cc) {
		return
	}
	select {
	case cc.send <- data:
	default:
		r.logger.Warn("slow client dropped", "conn_id", cc.id, "room_id", cc.room)
		cc.kick()
	}
}

// broadcast sends to every local member of roomID except skipConnID.
// Runs on the loop.
func (r *Router) broadcast(roomID, skipConnID, msgType string, payload any) {
	members := r.members[roomID]
	if len(members) == 0 {
		return
	}
	data, err := encodeEnvelope(msgType, roomID, payload, r.now())
	if err != nil {
		r.logger.Warn("marshal error", "type", msgType, "error", err)
		return
	}
	for id, cc := range members {
		if id == skipConnID {
			continue
		}
		r.enqueue(cc, data)
	}
}

// sendError reports a scoped error to the originating connection only.
func (r *Router) sendError(cc *clientConn, code protocol.ErrorCode, msg, event string) {
	r.sendTo(cc, protocol.TypeError, cc.room, protocol.ErrorResponse{
		Code:    code,
		Message: msg,
		Event:   event,
	})
}

// publish relays an event to other instances. Failures degrade to local-only.
func (r *Router) publish(roomID, event, originConn string, payload any) {
	if r.relay == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			r.logger.Warn("marshal relay payload", "event", event, "error", err)
			return
		}
		raw = b
	}
	if err := r.relay.Publish(relay.Message{
		RoomID:             roomID,
		Event:              event,
		Payload:            raw,
		OriginConnectionID: originConn,
	}); err != nil {
		r.logger.Warn("relay publish", "room_id", roomID, "event", event, "code", wireCode(err), "error", err)
	}
}

func encodeEnvelope(msgType, roomID string, payload any, ts time.Time) ([]byte, error) {
	return json.Marshal(protocol.Envelope{
		Type:      msgType,
		RoomID:    roomID,
		Timestamp: ts,
		Payload:   payload,
	})
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	_ = conn.Close()
}

// --- Operations used by the HTTP surface and process wiring ---

// CreateRoom creates the live session for roomID and tells other instances.
// Returns false when the room already existed on this instance.
func (r *Router) CreateRoom(ctx context.Context, roomID string) (bool, error) {
	var created bool
	err := r.loop.Do(ctx, func() {
		created = r.registry.Create(roomID)
		r.publish(roomID, protocol.TypeRoomCreate, "", nil)
	})
	return created, err
}

// RoomSnapshot returns the live state of roomID on this instance.
func (r *Router) RoomSnapshot(ctx context.Context, roomID string) (session.Snapshot, error) {
	var (
		snap session.Snapshot
		serr error
	)
	if err := r.loop.Do(ctx, func() { snap, serr = r.registry.Snapshot(roomID) }); err != nil {
		return session.Snapshot{}, err
	}
	return snap, serr
}

// Stats summarizes live state on this instance.
type Stats struct {
	Connections int
	Rooms       int
	JoinedConns int
	RoomIDs     []string // sorted
}

// Stats returns live counters.
func (r *Router) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.loop.Do(ctx, func() {
		s.Connections = len(r.conns)
		s.Rooms = r.registry.Len()
		s.RoomIDs = r.registry.IDs()
		for _, m := range r.members {
			s.JoinedConns += len(m)
		}
	})
	return s, err
}

// HandleRemote accepts a message from another instance. Safe to call from
// the bus delivery goroutine.
func (r *Router) HandleRemote(msg relay.Message) {
	if err := r.loop.Submit(func() { r.applyRemote(msg) }); err != nil {
		r.logger.Debug("remote event dropped", "event", msg.Event, "error", err)
	}
}

// RoomsEvicted detaches local members of evicted rooms. Called on the loop by
// the sweeper.
func (r *Router) RoomsEvicted(ids []string) {
	for _, id := range ids {
		r.detachRoom(id)
	}
}

// CloseAll disconnects every client. Used on shutdown.
func (r *Router) CloseAll(ctx context.Context) error {
	return r.loop.Do(ctx, func() {
		for _, cc := range r.conns {
			cc.kick()
		}
	})
}

// wireCode maps an error to its wire code.
func wireCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, auth.ErrAuthRequired):
		return protocol.CodeAuthRequired
	case errors.Is(err, auth.ErrTokenExpired):
		return protocol.CodeTokenExpired
	case errors.Is(err, auth.ErrInvalidToken):
		return protocol.CodeInvalidToken
	case errors.Is(err, session.ErrRoomNotFound):
		return protocol.CodeRoomNotFound
	case errors.Is(err, ErrValidation):
		return protocol.CodeValidation
	case errors.Is(err, relay.ErrRelayUnavailable):
		return protocol.CodeRelayUnavailable
	default:
		return protocol.CodeInternal
	}
}
