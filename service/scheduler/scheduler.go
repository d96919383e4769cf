package scheduler

import (
	"context"
	"time"

	"PPresence/logger"
	"PPresence/service/messaging"
	"PPresence/service/metrics"
	"PPresence/service/storage"

	"go.uber.org/zap"
)

// Lister is the presence listing; each call reconciles stale entries.
type Lister interface {
	List(ctx context.Context, page, size int) (*storage.OnlineList, error)
}

// RoomSender publishes to a room on every process.
type RoomSender interface {
	SendToRoom(ctx context.Context, room, event string, payload any)
}

type Config struct {
	Interval time.Duration
	Room     string
	Timeout  time.Duration // per run, defaults to Interval
}

// Scheduler periodically reconciles presence and pushes the online list to
// the admin room.
type Scheduler struct {
	cfg    Config
	lister Lister
	out    RoomSender
}

func New(cfg Config, lister Lister, out RoomSender) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Room == "" {
		cfg.Room = "admin-room"
	}
	return &Scheduler{cfg: cfg, lister: lister, out: out}
}

// Run ticks until ctx is done. A failed run is logged and the next tick
// proceeds as usual.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	logger.Info("[scheduler] started", zap.Duration("interval", s.cfg.Interval), zap.String("room", s.cfg.Room))
	for {
		select {
		case <-ctx.Done():
			logger.Info("[scheduler] stopped")
			return nil
		case <-t.C:
			_ = s.RunOnce(ctx)
		}
	}
}

// RunOnce lists every online user and publishes the result.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	list, err := s.lister.List(ctx, 1, 0)
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReconcileFailures.Inc()
		logger.Error("[scheduler] presence listing failed", zap.Error(err))
		return err
	}
	s.out.SendToRoom(ctx, s.cfg.Room, messaging.EventOnlineUsers.String(), list)
	return nil
}
