package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkwell-labs/inkwell/hub/internal/auth"
	"github.com/inkwell-labs/inkwell/hub/internal/config"
	"github.com/inkwell-labs/inkwell/pkg/protocol"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inkwell-hub.json")
	raw := `{
		"server": {"addr": "127.0.0.1:0"},
		"auth": {"jwt_secret": "hub-test-secret-at-least-32-characters"},
		"storage": {"driver": "sqlite", "dsn": "` + filepath.ToSlash(filepath.Join(t.TempDir(), "hub.db")) + `"},
		"session": {"join_policy": "lazy"}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestHubServeAndShutdown(t *testing.T) {
	cfg := loadTestConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		cancel()
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", resp.StatusCode)
	}

	tok, err := auth.NewService(cfg.Auth).Issue("alice", "Alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws?token="+tok, nil)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read session.ready: %v", err)
	}
	if env.Type != protocol.TypeSessionReady {
		t.Errorf("first message: got %q", env.Type)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("serve: got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not shut down")
	}

	// Shutdown disconnects live clients.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("client still connected after shutdown")
			}
			break
		}
	}
}

func TestNewRejectsUnknownRelayDriver(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Relay.Driver = "carrier-pigeon"
	if _, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for unknown relay driver")
	}
}
