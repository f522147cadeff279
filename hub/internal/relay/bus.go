//go:generate go run go.uber.org/mock/mockgen -source=bus.go -destination=../mocks/mock_bus.go -package=mocks

// Package relay carries room events between hub instances over a shared
// publish/subscribe bus.
package relay

// Bus is a subject-addressed pub/sub transport shared by all hub instances.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	// Ready returns nil while the bus can deliver messages.
	Ready() error
	Close() error
}

// Subscription is an active Subscribe registration.
type Subscription interface {
	Unsubscribe() error
}
