package redis

import (
	"context"
	"sync"
	"time"

	"PPresence/tools/errs"

	"github.com/redis/go-redis/v9"
)

var (
	redisOnce sync.Once
	redisMgr  *RedisManager
)

type RedisManager struct {
	client *redis.Client
}

// Config 用于初始化 Redis
type Config struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	ClientName string
}

// SubscriberSuffix is appended to the main connection name to label the
// dedicated pub/sub connection (visible in CLIENT LIST).
const SubscriberSuffix = ":sub"

// RolesSuffix labels the pub/sub connection of the role watcher.
const RolesSuffix = ":roles"

// NewClient builds a client and checks it with PING.
func NewClient(ctx context.Context, c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:       c.Addr,
		Password:   c.Password,
		DB:         c.DB,
		PoolSize:   c.PoolSize,
		ClientName: c.ClientName,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.ErrStoreUnavailable.WrapMsg(err.Error(), "addr", c.Addr)
	}
	return rdb, nil
}

// SubscriberName derives the pub/sub connection label from the main one.
// fallback is used when the main client has no name of its own.
func SubscriberName(main *redis.Client, fallback, suffix string) string {
	base := main.Options().ClientName
	if base == "" {
		base = fallback
	}
	return base + suffix
}

// NewSubscriber opens an independent client with the same endpoint as main,
// used exclusively for SUBSCRIBE. Its pool is capped since a subscriber only
// ever holds one connection.
func NewSubscriber(main *redis.Client, fallbackName string) *redis.Client {
	return NewNamedSubscriber(main, fallbackName, SubscriberSuffix)
}

// NewNamedSubscriber is NewSubscriber with a caller chosen label suffix, for
// processes holding more than one pub/sub connection.
func NewNamedSubscriber(main *redis.Client, fallbackName, suffix string) *redis.Client {
	opts := *main.Options()
	opts.ClientName = SubscriberName(main, fallbackName, suffix)
	opts.PoolSize = 2
	opts.MinIdleConns = 0
	return redis.NewClient(&opts)
}

// InitRedis 初始化 Redis 管理器（单例）
func InitRedis(ctx context.Context, c Config) error {
	var initErr error
	redisOnce.Do(func() {
		rdb, err := NewClient(ctx, c)
		if err != nil {
			initErr = err
			return
		}
		redisMgr = &RedisManager{client: rdb}
	})
	return initErr
}

// GetRedis 获取 Redis Client
func GetRedis() *redis.Client {
	if redisMgr == nil {
		panic("Redis not initialized, call InitRedis first")
	}
	return redisMgr.client
}

// CloseRedis 关闭连接
func CloseRedis() error {
	if redisMgr != nil && redisMgr.client != nil {
		return redisMgr.client.Close()
	}
	return nil
}
