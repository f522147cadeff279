package relay

import (
	"errors"
	"sync"
)

var errBusClosed = errors.New("memory bus closed")

// MemoryBus is an in-process Bus. Every Relay sharing one MemoryBus behaves
// like a separate instance on the same NATS subject. Each subscriber has its
// own buffered queue drained by one goroutine, so per-subscriber delivery
// order matches publish order. Slow subscribers are dropped (non-blocking
// publish).
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
	buffer int
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	ch      chan []byte
	once    sync.Once
}

// NewMemoryBus creates an in-process bus with the given per-subscriber buffer.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryBus{
		subs:   make(map[*memorySub]struct{}),
		buffer: buffer,
	}
}

// Publish hands data to every subscriber of subject.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	for s := range b.subs {
		if s.subject != subject {
			continue
		}
		msg := append([]byte(nil), data...)
		select {
		case s.ch <- msg:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

// Subscribe registers handler for subject. The handler runs on a goroutine
// owned by the subscription.
func (b *MemoryBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}
	s := &memorySub{bus: b, subject: subject, ch: make(chan []byte, b.buffer)}
	b.subs[s] = struct{}{}
	go func() {
		for data := range s.ch {
			handler(data)
		}
	}()
	return s, nil
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *memorySub) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s)
		close(s.ch)
	})
}

// Ready reports an error once the bus is closed.
func (b *MemoryBus) Ready() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}

// Close unsubscribes all subscribers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		s.closeLocked()
	}
	return nil
}
