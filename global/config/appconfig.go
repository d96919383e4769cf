package config

import "time"

type AppConfig struct {
	ProcessID string          `yaml:"process_id"` // 进程/网关节点ID，参与连接归属
	HTTP      HTTPConfig      `yaml:"http"`
	Redis     RedisConfig     `yaml:"redis"`
	Keys      KeysConfig      `yaml:"keys"`
	Registry  RegistryConfig  `yaml:"registry"`
	Session   SessionConfig   `yaml:"session"`
	JWT       JWTConfig       `yaml:"jwt"`
	Identity  IdentityConfig  `yaml:"identity"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	ClientName string `yaml:"client_name"` // 主连接名，订阅连接名由此派生
}

type KeysConfig struct {
	Prefix string `yaml:"prefix"`
}

type RegistryConfig struct {
	TTL      time.Duration `yaml:"ttl"`       // socket 条目 TTL（0 表示不过期，断开时显式删除）
	ScanPage int64         `yaml:"scan_page"` // SCAN COUNT
}

type SessionConfig struct {
	CookieName string   `yaml:"cookie_name"`
	Secrets    []string `yaml:"secrets"` // 第一个用于签名，其余用于轮换
	KeyPrefix  string   `yaml:"key_prefix"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
	Alg    string `yaml:"alg"`
}

type IdentityConfig struct {
	CacheTTL time.Duration  `yaml:"cache_ttl"`
	Loader   string         `yaml:"loader"` // mongo | postgres | none
	Mongo    MongoConfig    `yaml:"mongo"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type FanoutConfig struct {
	Transport     string        `yaml:"transport"` // redis | nats
	ChannelPrefix string        `yaml:"channel_prefix"`
	AckRetention  time.Duration `yaml:"ack_retention"`
	NATS          NATSConfig    `yaml:"nats"`
}

type NATSConfig struct {
	Servers []string `yaml:"servers"`
	User    string   `yaml:"user"`
	Pass    string   `yaml:"pass"`
}

type GatewayConfig struct {
	Namespaces        []string      `yaml:"namespaces"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongWait          time.Duration `yaml:"pong_wait"`
	WriteWait         time.Duration `yaml:"write_wait"`
	SendQueue         int           `yaml:"send_queue"`
	ReadLimit         int64         `yaml:"read_limit"` // 单帧上限，字节
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	AdminRoom         string        `yaml:"admin_room"`
	AdminNamespace    string        `yaml:"admin_namespace"`
	AdminRoles        []string      `yaml:"admin_roles"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 建议给客户端的心跳周期
}

type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type APIConfig struct {
	InternalToken string `yaml:"internal_token"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}
