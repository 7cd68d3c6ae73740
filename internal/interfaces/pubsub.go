package interfaces

import "context"

// Subscription is one consumer's attachment to a channel.
// Close must be called on every exit path.
type Subscription interface {
	// Messages delivers payloads in publish order. Closed when the
	// subscription is closed or the transport fails.
	Messages() <-chan []byte

	Close() error
}

// PubSubTransport is an ephemeral broadcast bus: no backlog, no replay.
// A subscriber that attaches after a publish never sees that message.
type PubSubTransport interface {
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns once the subscription is active
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Close() error
}
