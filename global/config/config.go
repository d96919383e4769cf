package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"PPresence/tools/errs"
	"PPresence/tools/ids"

	"gopkg.in/yaml.v3"
)

const DefaultNamespace = "/"

// Default returns the configuration used when no file or env override is set.
func Default() AppConfig {
	return AppConfig{
		HTTP:     HTTPConfig{Addr: ":8080"},
		Redis:    RedisConfig{Addr: "127.0.0.1:6379", PoolSize: 20, ClientName: "presence"},
		Keys:     KeysConfig{Prefix: "presence"},
		Registry: RegistryConfig{TTL: 2 * time.Minute, ScanPage: 100},
		Session: SessionConfig{
			CookieName: "connect.sid",
			KeyPrefix:  "sess:",
		},
		JWT:      JWTConfig{Alg: "HS256"},
		Identity: IdentityConfig{CacheTTL: 5 * time.Minute, Loader: "none", Mongo: MongoConfig{Collection: "users"}, Postgres: PostgresConfig{Table: "users"}},
		Fanout: FanoutConfig{
			Transport:     "redis",
			ChannelPrefix: "presence-adapter",
			AckRetention:  time.Minute,
		},
		Gateway: GatewayConfig{
			Namespaces:        []string{DefaultNamespace, "/admin"},
			PingInterval:      25 * time.Second,
			PongWait:          60 * time.Second,
			WriteWait:         10 * time.Second,
			SendQueue:         256,
			ReadLimit:         1 << 20,
			AdminRoom:         "admin-room",
			AdminNamespace:    "/admin",
			AdminRoles:        []string{"admin"},
			HeartbeatInterval: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{Interval: 5 * time.Second},
		Shutdown:  ShutdownConfig{Timeout: 15 * time.Second},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads path (optional, may be empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errs.WrapMsg(err, "parse config", "path", path)
		}
	}
	applyEnv(&cfg, os.Getenv)
	if cfg.ProcessID == "" {
		cfg.ProcessID = ids.NewProcessID()
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *AppConfig, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("GATEWAY_ID", &cfg.ProcessID)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("JWT_SECRET", &cfg.JWT.Secret)
	str("INTERNAL_TOKEN", &cfg.API.InternalToken)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("FANOUT_TRANSPORT", &cfg.Fanout.Transport)
	if v := strings.TrimSpace(getenv("REDIS_DB")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := strings.TrimSpace(getenv("SESSION_SECRET")); v != "" {
		cfg.Session.Secrets = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(getenv("NATS_SERVERS")); v != "" {
		cfg.Fanout.NATS.Servers = strings.Split(v, ",")
	}
}

func (c AppConfig) Validate() error {
	switch {
	case c.ProcessID == "":
		return errs.ErrArgs.WrapMsg("process_id is required")
	case len(c.Gateway.Namespaces) == 0:
		return errs.ErrArgs.WrapMsg("gateway.namespaces is empty")
	case c.Scheduler.Interval <= 0:
		return errs.ErrArgs.WrapMsg("scheduler.interval must be positive")
	case c.Gateway.PingInterval <= 0 || c.Gateway.PongWait <= c.Gateway.PingInterval:
		return errs.ErrArgs.WrapMsg("gateway.pong_wait must exceed ping_interval")
	case c.Gateway.ReadLimit <= 0:
		return errs.ErrArgs.WrapMsg("gateway.read_limit must be positive")
	case c.Registry.TTL < 0:
		return errs.ErrArgs.WrapMsg("registry.ttl must not be negative")
	case c.Fanout.Transport != "redis" && c.Fanout.Transport != "nats":
		return errs.ErrArgs.WrapMsg("fanout.transport must be redis or nats", "got", c.Fanout.Transport)
	case c.Fanout.Transport == "nats" && len(c.Fanout.NATS.Servers) == 0:
		return errs.ErrArgs.WrapMsg("fanout.nats.servers is empty")
	}
	if c.Registry.TTL > 0 && c.Gateway.HeartbeatInterval >= c.Registry.TTL {
		return errs.ErrArgs.WrapMsg("gateway.heartbeat_interval must be shorter than registry.ttl")
	}
	return nil
}
