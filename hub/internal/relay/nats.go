package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus is a Bus backed by NATS core pub/sub.
type NATSBus struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// DialNATS connects to url and reconnects forever on connection loss.
func DialNATS(url, name string, logger *slog.Logger) (*NATSBus, error) {
	logger = logger.With("component", "nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("nats async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	logger.Info("connected to nats", "url", nc.ConnectedUrl())
	return &NATSBus{nc: nc, logger: logger}, nil
}

// Publish sends data on subject. Delivery is at-most-once.
func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

// Subscribe registers handler for subject. NATS calls handlers for one
// subscription sequentially.
func (b *NATSBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Ready returns an error unless the connection is established.
func (b *NATSBus) Ready() error {
	if status := b.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats %s", status)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (b *NATSBus) Close() error {
	return b.nc.Drain()
}
