package bus

import "context"

// Handler receives raw payloads. It must not block.
type Handler func(topic string, payload []byte)

type Subscription interface {
	Unsubscribe() error
}

// Channel is one notification transport.
type Channel interface {
	Name() string
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler Handler) (Subscription, error)
}
