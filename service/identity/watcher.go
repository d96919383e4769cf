package identity

import (
	"context"
	"encoding/json"

	"PPresence/logger"
	"PPresence/tools/errs"
	"PPresence/tools/safe"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RoleChange is published by the identity service when a user's roles change.
type RoleChange struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

func RoleChannel(prefix string) string { return prefix + ":identity:roles" }

// PublishRoleChange announces a role change on the shared channel.
func PublishRoleChange(ctx context.Context, rdb redis.Cmdable, channel string, c RoleChange) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return errs.Wrap(err)
	}
	return rdb.Publish(ctx, channel, raw).Err()
}

// RoleWatcher listens for role changes, drops the cached profile, then calls
// the handler, which decides room transitions.
type RoleWatcher struct {
	sub     *redis.Client
	channel string
	cache   Cache
	handler func(ctx context.Context, c RoleChange)
}

// NewRoleWatcher sub must be a client reserved for pub/sub.
func NewRoleWatcher(sub *redis.Client, channel string, cache Cache, handler func(ctx context.Context, c RoleChange)) *RoleWatcher {
	return &RoleWatcher{sub: sub, channel: channel, cache: cache, handler: handler}
}

// Run subscribes, waits for the confirmation, then consumes until ctx is done.
func (w *RoleWatcher) Run(ctx context.Context) error {
	ps := w.sub.Subscribe(ctx, w.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return errs.WrapMsg(err, "subscribe role channel", "channel", w.channel)
	}
	logger.Info("[identity] role watcher subscribed", zap.String("channel", w.channel))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			w.dispatch(ctx, msg.Payload)
		}
	}
}

func (w *RoleWatcher) dispatch(ctx context.Context, payload string) {
	var c RoleChange
	if err := json.Unmarshal([]byte(payload), &c); err != nil || c.UserID == "" {
		logger.Warn("[identity] bad role change payload", zap.String("payload", payload), zap.Error(err))
		return
	}
	if w.cache != nil {
		if err := w.cache.Invalidate(ctx, c.UserID); err != nil {
			logger.Warn("[identity] invalidate failed", zap.String("user_id", c.UserID), zap.Error(err))
		}
	}
	if w.handler == nil {
		return
	}
	_ = safe.Run("role-change", func() { w.handler(ctx, c) })
}
