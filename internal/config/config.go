package config

import "time"

// Config is the root configuration for a streamer instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Log      LogConfig      `yaml:"log"`
	KIS      KISConfig      `yaml:"kis"`
	Feed     FeedConfig     `yaml:"feed"`
	Provider ProviderConfig `yaml:"provider"`
	Cache    CacheConfig    `yaml:"cache"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	History  HistoryConfig  `yaml:"history"`
	Fanout   FanoutConfig   `yaml:"fanout"`
	Health   HealthConfig   `yaml:"health"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// InstanceConfig identifies this streamer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// KISConfig holds broker credentials and endpoints.
type KISConfig struct {
	AppKey       string `yaml:"app_key"`
	AppSecret    string `yaml:"app_secret"`
	RestURL      string `yaml:"rest_url"`
	WSURL        string `yaml:"ws_url"`
	CustomerType string `yaml:"customer_type"` // "P" personal, "B" business
}

// FeedConfig holds realtime WebSocket settings.
type FeedConfig struct {
	TRID                 string        `yaml:"tr_id"`
	Instruments          []string      `yaml:"instruments"` // subscribed at startup
	Timezone             string        `yaml:"timezone"`    // exchange-local zone for HHMMSS trade times
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectFailures int           `yaml:"max_reconnect_failures"`
	MinCallInterval      time.Duration `yaml:"min_call_interval"`
	InitRetries          int           `yaml:"init_retries"`
}

// ProviderConfig holds REST price provider settings.
type ProviderConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	MinInterval        time.Duration `yaml:"min_interval"`
	TokenRefreshMargin time.Duration `yaml:"token_refresh_margin"`
	MaxRetries         int           `yaml:"max_retries"`
	RefreshConcurrency int           `yaml:"refresh_concurrency"`
}

// CacheConfig holds current-price cache settings.
type CacheConfig struct {
	Backend     string        `yaml:"backend"` // "memory" or "redis"
	Staleness   time.Duration `yaml:"staleness"`
	TTL         time.Duration `yaml:"ttl"` // redis key expiry
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// RedisConfig holds the Redis connection for the redis cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds the durable price store connection.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HistoryConfig holds tick history flush settings.
type HistoryConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushTimeout  time.Duration `yaml:"flush_timeout"`
}

// FanoutConfig holds live push channel settings.
type FanoutConfig struct {
	ChannelTimeout time.Duration `yaml:"channel_timeout"`
	ChannelBuffer  int           `yaml:"channel_buffer"`
}

// HealthConfig holds liveness and reconciliation schedules.
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	SyncInterval  time.Duration `yaml:"sync_interval"`
	Timezone      string        `yaml:"timezone"`
	PreOpen       string        `yaml:"pre_open"`   // cron spec
	PostClose     string        `yaml:"post_close"` // cron spec
}

// KafkaConfig holds the optional tick export topic.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// HTTPConfig holds the public API server settings.
type HTTPConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Path string `yaml:"path"`
}
