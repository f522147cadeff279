// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/inkwell-labs/inkwell/hub/internal/api"
	"github.com/inkwell-labs/inkwell/hub/internal/auth"
	"github.com/inkwell-labs/inkwell/hub/internal/config"
	"github.com/inkwell-labs/inkwell/hub/internal/eventloop"
	"github.com/inkwell-labs/inkwell/hub/internal/relay"
	"github.com/inkwell-labs/inkwell/hub/internal/rooms"
	"github.com/inkwell-labs/inkwell/hub/internal/router"
	"github.com/inkwell-labs/inkwell/hub/internal/session"
	"github.com/inkwell-labs/inkwell/hub/internal/store"
)

const shutdownTimeout = 30 * time.Second

// Hub is the main hub process.
type Hub struct {
	cfg     *config.Config
	store   store.Store
	loop    *eventloop.Loop
	bus     relay.Bus
	relay   *relay.Relay
	router  *router.Router
	rooms   *rooms.Service
	api     *api.Server
	sweeper *session.Sweeper
	logger  *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	validator, err := auth.NewValidator(context.Background(), cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth: %w", err)
	}

	instanceID := cfg.Relay.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	bus, err := newBus(cfg.Relay, instanceID, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init relay bus: %w", err)
	}
	rl := relay.New(bus, relay.Options{
		Subject:    cfg.Relay.Subject,
		InstanceID: instanceID,
		QueueSize:  cfg.Relay.QueueSize,
	}, logger)

	loop := eventloop.New(4096, logger)
	registry := session.NewRegistry(cfg.Session.TTL.Duration)

	// The router consults the room service on strict joins and the service
	// starts live sessions through the router.
	svc := rooms.NewService(db, nil, logger)
	rt := router.New(validator, loop, registry, rl, svc, logger, router.Options{
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		MaxMessageBytes:    cfg.Session.MaxMessageBytes,
		OutboundBuffer:     cfg.Session.OutboundBuffer,
		EventsPerSecond:    cfg.Session.EventsPerSecond,
		EventBurst:         cfg.Session.EventBurst,
		MaxConnsPerSubject: cfg.Session.MaxConnsPerSubject,
		JoinPolicy:         cfg.Session.JoinPolicy,
		RelayCursorMove:    cfg.Relay.CursorMove,
		RelayImageUpdate:   cfg.Relay.RelayImageUpdate(),
	})
	svc.AttachLive(rt)

	apiSrv := api.NewServer(db, validator, svc, rt, rl, cfg, logger)

	h := &Hub{
		cfg:    cfg,
		store:  db,
		loop:   loop,
		bus:    bus,
		relay:  rl,
		router: rt,
		rooms:  svc,
		api:    apiSrv,
		sweeper: &session.Sweeper{
			Interval: cfg.Session.SweepInterval.Duration,
			Registry: registry,
			Executor: loop,
			OnEvict:  rt.RoomsEvicted,
			Logger:   logger.With("component", "sweeper"),
		},
		logger: logger.With("component", "hub", "instance", instanceID),
	}

	// Startup validation warnings.
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			h.logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if cfg.Relay.Driver == "memory" {
		h.logger.Info("relay driver is memory, events stay on this instance")
	}
	h.logger.Info("hub configured",
		"join_policy", cfg.Session.JoinPolicy,
		"room_ttl", cfg.Session.TTL.Duration,
		"relay", cfg.Relay.Driver,
		"storage", cfg.Storage.Driver)

	return h, nil
}

func newBus(cfg config.RelayConfig, instanceID string, logger *slog.Logger) (relay.Bus, error) {
	switch cfg.Driver {
	case "nats":
		return relay.DialNATS(cfg.URL, "inkwell-hub-"+instanceID, logger)
	case "memory", "":
		return relay.NewMemoryBus(cfg.QueueSize), nil
	default:
		return nil, fmt.Errorf("unknown relay driver: %q", cfg.Driver)
	}
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run listens on the configured address and serves until ctx is canceled.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Server.Addr)
	if err != nil {
		h.close()
		return fmt.Errorf("listen: %w", err)
	}
	return h.Serve(ctx, ln)
}

// Serve runs the hub on ln until ctx is canceled, then shuts down: the HTTP
// server stops, every client is disconnected, the relay unsubscribes and the
// store is closed.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	// The loop outlives ctx so shutdown can still disconnect clients through it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go h.loop.Run(loopCtx)
	defer func() {
		stopLoop()
		<-h.loop.Done()
		h.close()
	}()

	if err := h.relay.Subscribe(h.router.HandleRemote); err != nil {
		_ = ln.Close()
		return fmt.Errorf("subscribe relay: %w", err)
	}
	defer func() {
		if err := h.relay.Close(); err != nil {
			h.logger.Warn("relay unsubscribe failed", "error", err)
		}
	}()

	srv := &http.Server{
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.relay.Run(gctx)
		return nil
	})
	g.Go(func() error {
		h.sweeper.Run(gctx)
		return nil
	})
	h.api.StartBackgroundTasks(gctx)

	g.Go(func() error {
		h.logger.Info("hub listening", "addr", ln.Addr().String())
		var err error
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			err = srv.ServeTLS(ln, h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		// Hijacked WebSocket connections are not closed by Shutdown.
		if err := h.router.CloseAll(shutdownCtx); err != nil {
			h.logger.Warn("disconnect clients failed", "error", err)
		}
		return nil
	})

	err := g.Wait()
	stats := h.relay.Stats()
	h.logger.Info("shutdown complete",
		"relay_published", stats.Published,
		"relay_received", stats.Received,
		"relay_dropped", stats.Dropped,
		"relay_failed", stats.Failed)
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (h *Hub) close() {
	if err := h.bus.Close(); err != nil {
		h.logger.Warn("close relay bus failed", "error", err)
	}
	h.logger.Info("closing store")
	if err := h.store.Close(); err != nil {
		h.logger.Warn("close store failed", "error", err)
	}
}
