package fanout

import (
	"context"
	"strings"
	"sync"
	"time"

	"PPresence/logger"
	"PPresence/tools/errs"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type NATSConfig struct {
	Servers       []string
	Name          string
	User          string
	Pass          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSBus carries packets over core NATS subjects. One connection publishes,
// a second one only holds subscriptions.
type NATSBus struct {
	pub *nats.Conn
	sub *nats.Conn
}

func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.ErrArgs.WrapMsg("nats servers missing")
	}
	pub, err := natsConnect(cfg, cfg.Name)
	if err != nil {
		return nil, err
	}
	sub, err := natsConnect(cfg, cfg.Name+":sub")
	if err != nil {
		pub.Close()
		return nil, err
	}
	return &NATSBus{pub: pub, sub: sub}, nil
}

func natsConnect(cfg NATSConfig, name string) (*nats.Conn, error) {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("[fanout] nats disconnected", zap.String("conn", name), zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[fanout] nats reconnected", zap.String("conn", name), zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Pass))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg(err.Error(), "servers", cfg.Servers)
	}
	return nc, nil
}

// subject maps a channel name onto a NATS subject; dots separate tokens
// there, so they are replaced.
func subject(channel string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(channel)
}

func (b *NATSBus) Publish(_ context.Context, channel string, data []byte) error {
	if err := b.pub.Publish(subject(channel), data); err != nil {
		return errs.WrapMsg(err, "nats publish", "channel", channel)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	s := &natsSubscription{out: make(chan Message, 256), names: make(map[string]string, len(channels))}
	for _, ch := range channels {
		subj := subject(ch)
		s.names[subj] = ch
		ns, err := b.sub.Subscribe(subj, s.handle)
		if err != nil {
			_ = s.Close()
			return nil, errs.WrapMsg(err, "nats subscribe", "channel", ch)
		}
		s.subs = append(s.subs, ns)
	}
	// round trip so the server has registered the interest before returning
	if err := b.sub.Flush(); err != nil {
		_ = s.Close()
		return nil, errs.WrapMsg(err, "nats flush")
	}
	return s, nil
}

func (b *NATSBus) Close() error {
	b.sub.Close()
	b.pub.Close()
	return nil
}

type natsSubscription struct {
	mu     sync.Mutex
	closed bool
	subs   []*nats.Subscription
	names  map[string]string
	out    chan Message
}

func (s *natsSubscription) handle(m *nats.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.out <- Message{Channel: s.names[m.Subject], Data: m.Data}
}

func (s *natsSubscription) Messages() <-chan Message { return s.out }

func (s *natsSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ns := range s.subs {
		_ = ns.Unsubscribe()
	}
	close(s.out)
	return nil
}
