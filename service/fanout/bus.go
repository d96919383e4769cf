package fanout

import "context"

// Message is one delivery from the bus.
type Message struct {
	Channel string
	Data    []byte
}

// Bus is the publish/subscribe transport between processes. Publishing and
// subscribing use independent connections.
type Bus interface {
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe returns once the subscription is active on the server.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}

type Subscription interface {
	Messages() <-chan Message
	Close() error
}
