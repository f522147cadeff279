package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/inkwell-labs/inkwell/hub/internal/auth"
	"github.com/inkwell-labs/inkwell/hub/internal/config"
	"github.com/inkwell-labs/inkwell/hub/internal/eventloop"
	"github.com/inkwell-labs/inkwell/hub/internal/rooms"
	"github.com/inkwell-labs/inkwell/hub/internal/router"
	"github.com/inkwell-labs/inkwell/hub/internal/session"
	"github.com/inkwell-labs/inkwell/hub/internal/store"
)

type fakeReadiness struct{ err error }

func (f *fakeReadiness) Ready() error { return f.err }

type testServer struct {
	srv   *Server
	auth  *auth.Service
	store store.Store
	relay *fakeReadiness
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}

	loop := eventloop.New(64, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	authSvc := auth.NewService(cfg.Auth)
	svc := rooms.NewService(s, nil, logger)
	rt := router.New(authSvc, loop, session.NewRegistry(10*time.Minute), nil, svc, logger, router.Options{})
	svc.AttachLive(rt)

	relay := &fakeReadiness{}
	srv := NewServer(s, authSvc, svc, rt, relay, cfg, logger)
	return &testServer{srv: srv, auth: authSvc, store: s, relay: relay}
}

func (ts *testServer) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := ts.auth.Issue(subject, subject, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return v
}

func createRoom(t *testing.T, ts *testServer, token, name string) store.Room {
	t.Helper()
	w := ts.do(t, "POST", "/api/rooms", token, map[string]string{"mode": "public", "roomName": name})
	if w.Code != http.StatusCreated {
		t.Fatalf("create room: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[store.Room](t, w)
}

func TestHealthz(t *testing.T) {
	ts := setupTestServer(t)
	w := ts.do(t, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decodeBody[map[string]string](t, w); got["status"] != "ok" {
		t.Errorf("status: got %q", got["status"])
	}
}

func TestReadyz(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, "GET", "/readyz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	ts.relay.err = errors.New("nats: disconnected")
	w = ts.do(t, "GET", "/readyz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with relay down, got %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"missing", "", "authentication required"},
		{"garbage", "not-a-jwt", "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", "/api/rooms", tt.token, map[string]string{"mode": "public", "roomName": "x"})
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
			if got := decodeBody[map[string]string](t, w)["error"]; got != tt.want {
				t.Errorf("error: got %q, want %q", got, tt.want)
			}
		})
	}

	expired, err := ts.auth.Issue("alice", "alice", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	w := ts.do(t, "GET", "/api/rooms", expired, nil)
	if got := decodeBody[map[string]string](t, w)["error"]; w.Code != http.StatusUnauthorized || got != "token expired" {
		t.Errorf("expired: got %d %q", w.Code, got)
	}
}

func TestAuthViaCookie(t *testing.T) {
	ts := setupTestServer(t)
	req := httptest.NewRequest("GET", "/api/rooms", nil)
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: ts.token(t, "alice")})
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGenerateID(t *testing.T) {
	ts := setupTestServer(t)
	tok := ts.token(t, "alice")

	w := ts.do(t, "POST", "/api/rooms/generate-id", tok, map[string]string{"roomName": "sketch"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[struct {
		RoomID    string    `json:"roomId"`
		Timestamp time.Time `json:"timestamp"`
	}](t, w)
	if want := rooms.GenerateID("sketch", resp.Timestamp); resp.RoomID != want {
		t.Errorf("roomId: got %q, want %q", resp.RoomID, want)
	}

	w = ts.do(t, "POST", "/api/rooms/generate-id", tok, map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing name: expected 400, got %d", w.Code)
	}
}

func TestCreateRoomStartsLiveSession(t *testing.T) {
	ts := setupTestServer(t)
	tok := ts.token(t, "alice")

	room := createRoom(t, ts, tok, "board")
	if len(room.ID) != 12 || room.Mode != "public" || room.CreatedBy != "alice" {
		t.Errorf("room: got %+v", room)
	}

	w := ts.do(t, "GET", "/api/rooms/"+room.ID, tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get room: expected 200, got %d", w.Code)
	}
	got := decodeBody[map[string]any](t, w)
	if got["roomId"] != room.ID {
		t.Errorf("roomId: got %v", got["roomId"])
	}
	live, ok := got["live"].(map[string]any)
	if !ok {
		t.Fatalf("expected live summary, got %v", got)
	}
	if live["strokeCount"] != float64(0) {
		t.Errorf("strokeCount: got %v", live["strokeCount"])
	}
}

func TestCreateRoomValidation(t *testing.T) {
	ts := setupTestServer(t)
	tok := ts.token(t, "alice")

	tests := []struct {
		name string
		body any
	}{
		{"bad mode", map[string]string{"mode": "secret", "roomName": "x"}},
		{"missing name", map[string]string{"mode": "public"}},
		{"not json", "just a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", "/api/rooms", tok, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestJoinAndLeaveRoom(t *testing.T) {
	ts := setupTestServer(t)
	alice := ts.token(t, "alice")
	bob := ts.token(t, "bob")
	room := createRoom(t, ts, alice, "board")

	w := ts.do(t, "GET", "/api/rooms/join?roomId="+room.ID+"&mode=public", bob, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[map[string]any](t, w); got["roomId"] != room.ID || got["mode"] != "public" {
		t.Errorf("join response: got %v", got)
	}

	w = ts.do(t, "GET", "/api/rooms/"+room.ID, bob, nil)
	detail := decodeBody[struct {
		Participants []store.ParticipantRecord `json:"participants"`
	}](t, w)
	if len(detail.Participants) != 1 || detail.Participants[0].Subject != "bob" {
		t.Errorf("participants: got %+v", detail.Participants)
	}

	w = ts.do(t, "POST", "/api/rooms/"+room.ID+"/leave", bob, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("leave: expected 200, got %d", w.Code)
	}

	w = ts.do(t, "GET", "/api/rooms/"+room.ID, bob, nil)
	detail = decodeBody[struct {
		Participants []store.ParticipantRecord `json:"participants"`
	}](t, w)
	if len(detail.Participants) != 0 {
		t.Errorf("participants after leave: got %d", len(detail.Participants))
	}
}

func TestJoinRoomErrors(t *testing.T) {
	ts := setupTestServer(t)
	tok := ts.token(t, "alice")

	w := ts.do(t, "GET", "/api/rooms/join?roomId=deadbeef0000&mode=public", tok, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown room: expected 404, got %d", w.Code)
	}

	w = ts.do(t, "GET", "/api/rooms/join?roomId=deadbeef0000", tok, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing mode: expected 400, got %d", w.Code)
	}

	w = ts.do(t, "POST", "/api/rooms/deadbeef0000/leave", tok, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("leave unknown: expected 404, got %d", w.Code)
	}

	w = ts.do(t, "GET", "/api/rooms/deadbeef0000", tok, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get unknown: expected 404, got %d", w.Code)
	}
}

func TestListRooms(t *testing.T) {
	ts := setupTestServer(t)
	tok := ts.token(t, "alice")

	w := ts.do(t, "GET", "/api/rooms", tok, nil)
	if got := decodeBody[[]store.Room](t, w); len(got) != 0 {
		t.Fatalf("expected empty list, got %d", len(got))
	}

	createRoom(t, ts, tok, "one")
	createRoom(t, ts, tok, "two")

	w = ts.do(t, "GET", "/api/rooms?limit=1", tok, nil)
	if got := decodeBody[[]store.Room](t, w); len(got) != 1 {
		t.Errorf("limit=1: got %d", len(got))
	}
}

func TestStats(t *testing.T) {
	ts := setupTestServer(t)
	tok := ts.token(t, "alice")
	room := createRoom(t, ts, tok, "board")

	w := ts.do(t, "GET", "/api/stats", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decodeBody[struct {
		Connections int      `json:"connections"`
		Rooms       int      `json:"rooms"`
		RoomIDs     []string `json:"room_ids"`
	}](t, w)
	if got.Rooms != 1 || got.Connections != 0 {
		t.Errorf("stats: got %+v", got)
	}
	if len(got.RoomIDs) != 1 || got.RoomIDs[0] != room.ID {
		t.Errorf("room_ids: got %v, want [%s]", got.RoomIDs, room.ID)
	}
}

func TestDeleteRoom(t *testing.T) {
	ts := setupTestServer(t)
	alice := ts.token(t, "alice")
	room := createRoom(t, ts, alice, "board")

	if w := ts.do(t, "DELETE", "/api/rooms/"+room.ID, ts.token(t, "bob"), nil); w.Code != http.StatusForbidden {
		t.Fatalf("bob delete: expected 403, got %d", w.Code)
	}
	if w := ts.do(t, "DELETE", "/api/rooms/"+room.ID, alice, nil); w.Code != http.StatusNoContent {
		t.Fatalf("alice delete: expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if w := ts.do(t, "GET", "/api/rooms/"+room.ID, alice, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", w.Code)
	}
	if w := ts.do(t, "DELETE", "/api/rooms/"+room.ID, alice, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	ts := setupTestServer(t)
	ts.srv = NewServer(ts.store, ts.auth, ts.srv.rooms, ts.srv.router, ts.relay, &config.Config{
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 0.0001, Burst: 2},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tok := ts.token(t, "alice")

	for i := 0; i < 2; i++ {
		if w := ts.do(t, "GET", "/api/rooms", tok, nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := ts.do(t, "GET", "/api/rooms", tok, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Error("missing Retry-After header")
	}

	// Another subject has its own bucket.
	if w := ts.do(t, "GET", "/api/rooms", ts.token(t, "bob"), nil); w.Code != http.StatusOK {
		t.Errorf("bob: expected 200, got %d", w.Code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := newRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.allow("a")
	now = now.Add(time.Hour)
	rl.allow("b")

	rl.cleanup(10 * time.Minute)
	if _, ok := rl.buckets["a"]; ok {
		t.Error("stale bucket should be removed")
	}
	if _, ok := rl.buckets["b"]; !ok {
		t.Error("fresh bucket should be kept")
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := setupTestServer(t)
	req := httptest.NewRequest("OPTIONS", "/api/rooms", nil)
	req.Header.Set("Origin", "https://draw.example.com")
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin: got %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("security header missing, got %q", got)
	}
}
