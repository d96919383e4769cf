package fanout

import (
	"context"

	redisx "PPresence/service/storage/redis"
	"PPresence/tools/errs"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes on the main client and subscribes on a second client
// opened for pub/sub only, labelled <main name>:sub.
type RedisBus struct {
	pub *redis.Client
	sub *redis.Client
}

// NewRedisBus fallbackName labels the subscriber when pub has no client name.
func NewRedisBus(pub *redis.Client, fallbackName string) *RedisBus {
	return &RedisBus{pub: pub, sub: redisx.NewSubscriber(pub, fallbackName)}
}

// SubscriberName is the label of the pub/sub connection.
func (b *RedisBus) SubscriberName() string { return b.sub.Options().ClientName }

func (b *RedisBus) Publish(ctx context.Context, channel string, data []byte) error {
	if err := b.pub.Publish(ctx, channel, data).Err(); err != nil {
		return errs.WrapMsg(err, "redis publish", "channel", channel)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := b.sub.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errs.WrapMsg(err, "redis subscribe", "channels", channels)
	}
	s := &redisSubscription{ps: ps, out: make(chan Message, 256)}
	go s.pump()
	return s, nil
}

// Close only closes the subscriber; the main client belongs to the caller.
func (b *RedisBus) Close() error {
	return b.sub.Close()
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- Message{Channel: msg.Channel, Data: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error { return s.ps.Close() }
