package identity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"PPresence/logger"
	"PPresence/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache resolves users by id.
type Cache interface {
	Get(ctx context.Context, userID string) (*User, error)
	Invalidate(ctx context.Context, userID string) error
}

// RedisCache keeps users as JSON under <prefix>:identity:<userId> and falls
// back to the loader on a miss.
type RedisCache struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	loader Loader
}

// NewRedisCache loader may be nil; misses are then reported as ErrUserNotFound.
func NewRedisCache(rdb redis.Cmdable, prefix string, ttl time.Duration, loader Loader) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl, loader: loader}
}

func (c *RedisCache) key(userID string) string { return c.prefix + ":identity:" + userID }

func (c *RedisCache) Get(ctx context.Context, userID string) (*User, error) {
	raw, err := c.rdb.Get(ctx, c.key(userID)).Bytes()
	switch {
	case err == nil:
		var u User
		jerr := json.Unmarshal(raw, &u)
		if jerr == nil {
			u.ID = userID
			return &u, nil
		}
		logger.Debug("[identity] drop undecodable cache entry", zap.String("user_id", userID), zap.Error(jerr))
	case !errors.Is(err, redis.Nil):
		return nil, errs.WrapMsg(err, "identity cache get", "user_id", userID)
	}

	if c.loader == nil {
		return nil, ErrUserNotFound.WrapMsg("", "user_id", userID)
	}
	u, err := c.loader.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.ID = userID
	if err := c.Put(ctx, u); err != nil {
		logger.Warn("[identity] cache fill failed", zap.String("user_id", userID), zap.Error(err))
	}
	return u, nil
}

// Put stores u with the cache TTL.
func (c *RedisCache) Put(ctx context.Context, u *User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return errs.Wrap(err)
	}
	return c.rdb.Set(ctx, c.key(u.ID), raw, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	return c.rdb.Del(ctx, c.key(userID)).Err()
}
