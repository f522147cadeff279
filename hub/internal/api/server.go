// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"

	"github.com/inkwell-labs/inkwell/hub/internal/auth"
	"github.com/inkwell-labs/inkwell/hub/internal/config"
	"github.com/inkwell-labs/inkwell/hub/internal/rooms"
	"github.com/inkwell-labs/inkwell/hub/internal/router"
	"github.com/inkwell-labs/inkwell/hub/internal/session"
	"github.com/inkwell-labs/inkwell/hub/internal/store"
	"github.com/inkwell-labs/inkwell/pkg/protocol"
)

// ReadinessChecker reports whether a dependency can serve traffic.
type ReadinessChecker interface {
	Ready() error
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	validator    auth.Validator
	rooms        *rooms.Service
	router       *router.Router
	relay        ReadinessChecker
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	rl           *rateLimiter
}

// NewServer creates a new API server. relay may be nil.
func NewServer(s store.Store, v auth.Validator, svc *rooms.Service, rt *router.Router, relay ReadinessChecker, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		validator:    v,
		rooms:        svc,
		router:       rt,
		relay:        relay,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if srv.maxBodyBytes == 0 {
		srv.maxBodyBytes = 1 << 20
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket route (auth handled inside, before the upgrade completes)
	mux.Get("/ws", rt.HandleWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Post("/api/rooms/generate-id", srv.handleGenerateID)
		r.Post("/api/rooms", srv.handleCreateRoom)
		r.Get("/api/rooms", srv.handleListRooms)
		r.Get("/api/rooms/join", srv.handleJoinRoom)
		r.Get("/api/rooms/{roomID}", srv.handleGetRoom)
		r.Delete("/api/rooms/{roomID}", srv.handleDeleteRoom)
		r.Post("/api/rooms/{roomID}/leave", srv.handleLeaveRoom)
		r.Get("/api/stats", srv.handleStats)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter buckets.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Room handlers ---

func (s *Server) handleGenerateID(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		RoomName string `json:"roomName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, ts, err := s.rooms.NewID(req.RoomName)
	if err != nil {
		s.writeRoomError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId":    id,
		"timestamp": ts.UTC(),
	})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req rooms.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	room, err := s.rooms.Create(r.Context(), identity.Subject, req)
	if err != nil {
		s.writeRoomError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	list, err := s.rooms.List(r.Context(), limit, offset)
	if err != nil {
		s.writeRoomError(w, r, err)
		return
	}
	if list == nil {
		list = []store.Room{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	req := rooms.JoinRequest{
		RoomID: r.URL.Query().Get("roomId"),
		Mode:   r.URL.Query().Get("mode"),
	}

	room, err := s.rooms.Join(r.Context(), identity.Subject, req)
	if err != nil {
		s.writeRoomError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId":    room.ID,
		"mode":      req.Mode,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	if err := s.rooms.Leave(r.Context(), identity.Subject, roomID); err != nil {
		s.writeRoomError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId":    roomID,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	if err := s.rooms.Delete(r.Context(), identity.Subject, roomID); err != nil {
		s.writeRoomError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// liveSummary is the in-memory state of a room on this instance.
type liveSummary struct {
	Participants []protocol.Participant `json:"participants"`
	StrokeCount  int                    `json:"strokeCount"`
	ExpiresAt    time.Time              `json:"expiresAt"`
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	room, participants, err := s.rooms.Get(r.Context(), roomID)
	if err != nil {
		s.writeRoomError(w, r, err)
		return
	}
	if participants == nil {
		participants = []store.ParticipantRecord{}
	}

	resp := struct {
		*store.Room
		Participants []store.ParticipantRecord `json:"participants"`
		Live         *liveSummary              `json:"live,omitempty"`
	}{Room: room, Participants: participants}

	snap, err := s.router.RoomSnapshot(r.Context(), roomID)
	switch {
	case err == nil:
		resp.Live = &liveSummary{
			Participants: lo.Map(snap.Participants, func(p session.Participant, _ int) protocol.Participant {
				return protocol.Participant{
					ConnectionID: p.ConnectionID,
					Subject:      p.Subject,
					DisplayName:  p.DisplayName,
					JoinedAt:     p.JoinedAt,
				}
			}),
			StrokeCount: len(snap.Strokes),
			ExpiresAt:   snap.ExpiresAt,
		}
	case errors.Is(err, session.ErrRoomNotFound):
		// Persisted but not live on this instance.
	default:
		s.logger.Warn("room snapshot failed", "room_id", roomID, "error", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.router.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "hub is shutting down")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections":  stats.Connections,
		"rooms":        stats.Rooms,
		"joined_conns": stats.JoinedConns,
		"room_ids":     stats.RoomIDs,
	})
}

func (s *Server) writeRoomError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rooms.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rooms.ErrNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, rooms.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, "room already exists")
	default:
		s.logger.Error("room request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	if s.relay != nil {
		if err := s.relay.Ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
