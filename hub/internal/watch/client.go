// Package watch follows a live room over the hub's WebSocket endpoint, the
// way a canvas client would, and keeps a local view of its roster and strokes.
package watch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkwell-labs/inkwell/pkg/protocol"
)

var (
	// ErrRejected is returned when the hub refuses the handshake token.
	ErrRejected = errors.New("hub rejected connection")
	// ErrRoomGone is returned when the watched room does not exist or expired.
	ErrRoomGone = errors.New("room is gone")
)

// Status is the connection state reported to a StatusHandler.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Options configures a Client.
type Options struct {
	URL                string // e.g. ws://localhost:8080/ws
	Token              string
	RoomID             string
	DisplayName        string
	InsecureSkipVerify bool
	ReconnectInterval  time.Duration // default 2s
}

// Client holds one watcher connection and re-dials it until the context ends.
type Client struct {
	opts     Options
	handler  func(protocol.Envelope)
	onStatus func(Status)
	logger   *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a watcher. handler receives every envelope from the hub,
// on the reading goroutine. onStatus may be nil.
func NewClient(opts Options, handler func(protocol.Envelope), onStatus func(Status), logger *slog.Logger) *Client {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 2 * time.Second
	}
	if onStatus == nil {
		onStatus = func(Status) {}
	}
	return &Client{
		opts:     opts,
		handler:  handler,
		onStatus: onStatus,
		logger:   logger.With("component", "watch", "room_id", opts.RoomID),
	}
}

// Run connects, joins the room and delivers events until ctx is canceled or
// the failure is permanent (ErrRejected, ErrRoomGone).
func (c *Client) Run(ctx context.Context) error {
	c.onStatus(StatusConnecting)
	for {
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrRejected) || errors.Is(err, ErrRoomGone) {
			return err
		}
		c.logger.Warn("connection lost", "error", err, "retry_in", c.opts.ReconnectInterval)
		c.onStatus(StatusReconnecting)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectInterval):
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if c.opts.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)

	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	// Unblock the read below when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "watcher closed"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	joined := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
				return fmt.Errorf("%w: %s", ErrRejected, ce.Text)
			}
			return fmt.Errorf("read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("invalid message from hub", "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeSessionReady:
			if !joined {
				if err := c.send(protocol.TypeJoin, protocol.Join{
					RoomID:      c.opts.RoomID,
					DisplayName: c.opts.DisplayName,
				}); err != nil {
					return fmt.Errorf("send join: %w", err)
				}
				joined = true
			}
		case protocol.TypeRoomSync:
			c.onStatus(StatusConnected)
		}

		c.handler(env)

		if err := roomGone(env); err != nil {
			return err
		}
	}
}

// roomGone reports a join refusal or an expiry as ErrRoomGone.
func roomGone(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeRoomExpired:
		return fmt.Errorf("%w: expired", ErrRoomGone)
	case protocol.TypeError:
		var e protocol.ErrorResponse
		if protocol.DecodePayload(env, &e) == nil &&
			e.Code == protocol.CodeRoomNotFound && e.Event == protocol.TypeJoin {
			return fmt.Errorf("%w: %s", ErrRoomGone, e.Message)
		}
	}
	return nil
}

func (c *Client) send(msgType string, payload any) error {
	data, err := json.Marshal(protocol.Envelope{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close drops the current connection. Run will reconnect unless its context
// is done.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
