package shutdown

import (
	"context"
	"sync"
	"time"

	"PPresence/logger"
	"PPresence/tools/errs"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Drainer flips the handshake gate.
type Drainer interface {
	SetDraining(bool)
}

// LocalCloser force-closes the connections this process holds.
type LocalCloser interface {
	Shutdown() int
}

// Waiter returns once every connection handler has cleaned up after itself.
type Waiter interface {
	Wait(ctx context.Context) error
}

type closer struct {
	name string
	fn   func() error
}

// Coordinator drains the process: reject new connections, close local
// ones, wait for their registry cleanup, then release transports.
type Coordinator struct {
	timeout time.Duration
	drain   Drainer
	local   LocalCloser
	waiter  Waiter

	mu      sync.Mutex
	closers []closer

	once sync.Once
	err  error
}

func New(timeout time.Duration, drain Drainer, local LocalCloser, waiter Waiter) *Coordinator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Coordinator{timeout: timeout, drain: drain, local: local, waiter: waiter}
}

// AddCloser registers a release step. Steps run in registration order after
// the drain, so register the fan-out transport and the store client last.
func (c *Coordinator) AddCloser(name string, fn func() error) {
	c.mu.Lock()
	c.closers = append(c.closers, closer{name: name, fn: fn})
	c.mu.Unlock()
}

// Shutdown runs once; later calls return the first result. Closers run even
// when the drain times out, and the timeout is reported as the error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() { c.err = c.run(ctx) })
	return c.err
}

func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()
	c.drain.SetDraining(true)
	logger.Info("[shutdown] draining, new connections rejected")

	closed := c.local.Shutdown()
	logger.Info("[shutdown] local connections closed", zap.Int("count", closed))

	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var result error
	if err := c.waiter.Wait(wctx); err != nil {
		result = errs.WrapMsg(err, "drain timed out", "timeout", c.timeout.String())
		logger.Error("[shutdown] connection cleanup incomplete", zap.Duration("timeout", c.timeout), zap.Error(err))
	}

	c.mu.Lock()
	closers := append([]closer(nil), c.closers...)
	c.mu.Unlock()
	for _, cl := range closers {
		if err := cl.fn(); err != nil {
			logger.Warn("[shutdown] close failed", zap.String("step", cl.name), zap.Error(err))
			if result == nil {
				result = errors.Wrapf(err, "close %s", cl.name)
			}
			continue
		}
		logger.Debug("[shutdown] closed", zap.String("step", cl.name))
	}
	logger.Info("[shutdown] done", zap.Duration("took", time.Since(start)))
	return result
}
