package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrRelayUnavailable is returned when a message cannot be handed to the bus.
// The caller has already applied the event locally; remote instances miss it.
var ErrRelayUnavailable = errors.New("relay unavailable")

// Message is the cross-instance envelope for one room event.
type Message struct {
	RoomID             string          `json:"roomId"`
	Event              string          `json:"event"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	OriginConnectionID string          `json:"originConnectionId,omitempty"`
	OriginInstance     string          `json:"originInstance"`
}

// Options configures a Relay.
type Options struct {
	Subject    string
	InstanceID string
	QueueSize  int
}

// Stats are cumulative relay counters.
type Stats struct {
	Published int64
	Received  int64
	Dropped   int64
	Failed    int64
}

// Relay publishes local room events to other instances and delivers theirs.
// Publishing is asynchronous: Publish enqueues and a single goroutine started
// by Run writes to the bus in enqueue order.
type Relay struct {
	bus        Bus
	subject    string
	instanceID string
	queue      chan []byte
	logger     *slog.Logger

	mu  sync.Mutex
	sub Subscription

	published atomic.Int64
	received  atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// New creates a Relay on bus. Call Run to start publishing and Subscribe to
// start receiving.
func New(bus Bus, opts Options, logger *slog.Logger) *Relay {
	if opts.Subject == "" {
		opts.Subject = "inkwell.rooms"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Relay{
		bus:        bus,
		subject:    opts.Subject,
		instanceID: opts.InstanceID,
		queue:      make(chan []byte, opts.QueueSize),
		logger:     logger.With("component", "relay", "instance", opts.InstanceID),
	}
}

// InstanceID returns the origin id stamped on outbound messages.
func (r *Relay) InstanceID() string { return r.instanceID }

// Publish stamps msg with this instance's id and queues it. It never blocks;
// a full queue returns ErrRelayUnavailable.
func (r *Relay) Publish(msg Message) error {
	msg.OriginInstance = r.instanceID
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	select {
	case r.queue <- data:
		return nil
	default:
		r.dropped.Add(1)
		r.logger.Warn("relay queue full, event kept local",
			"room_id", msg.RoomID, "event", msg.Event, "error", ErrRelayUnavailable)
		return ErrRelayUnavailable
	}
}

// Run drains the publish queue until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-r.queue:
			if err := r.bus.Publish(r.subject, data); err != nil {
				r.failed.Add(1)
				r.logger.Warn("relay publish failed, event kept local",
					"error", fmt.Errorf("%w: %v", ErrRelayUnavailable, err))
				continue
			}
			r.published.Add(1)
		}
	}
}

// Subscribe starts delivering remote messages to handler. Messages published
// by this instance and undecodable messages are dropped. handler runs on the
// bus delivery goroutine and must hand work to the event loop itself.
func (r *Relay) Subscribe(handler func(Message)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return fmt.Errorf("relay already subscribed")
	}
	sub, err := r.bus.Subscribe(r.subject, func(data []byte) {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Warn("invalid relay message", "error", err)
			return
		}
		if msg.OriginInstance == r.instanceID {
			return
		}
		if msg.RoomID == "" || msg.Event == "" {
			r.logger.Warn("relay message missing room or event", "origin", msg.OriginInstance)
			return
		}
		r.received.Add(1)
		handler(msg)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	r.sub = sub
	return nil
}

// Ready reports the bus state.
func (r *Relay) Ready() error {
	return r.bus.Ready()
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Published: r.published.Load(),
		Received:  r.received.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
}

// Close unsubscribes. The bus itself is owned by the caller.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return nil
	}
	err := r.sub.Unsubscribe()
	r.sub = nil
	return err
}
