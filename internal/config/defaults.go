package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultRestURL              = "https://openapi.koreainvestment.com:9443"
	DefaultWSURL                = "ws://ops.koreainvestment.com:21000"
	DefaultCustomerType         = "P"
	DefaultTRID                 = "H0STCNT0"
	DefaultTimezone             = "Asia/Seoul"
	DefaultPingTimeout          = 90 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultFeedBufferSize       = 10000
	DefaultReconnectDelay       = 1 * time.Second
	DefaultMaxReconnectFailures = 3
	DefaultMinCallInterval      = 100 * time.Millisecond
	DefaultInitRetries          = 5
	DefaultProviderTimeout      = 10 * time.Second
	DefaultProviderMinInterval  = 500 * time.Millisecond
	DefaultTokenRefreshMargin   = 1 * time.Hour
	DefaultProviderMaxRetries   = 1
	DefaultRefreshConcurrency   = 4
	DefaultCacheBackend         = "memory"
	DefaultStaleness            = 5 * time.Minute
	DefaultCacheTTL             = 1 * time.Hour
	DefaultReadTimeout          = 10 * time.Second
	DefaultRedisAddr            = "localhost:6379"
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultFlushInterval        = 5 * time.Second
	DefaultFlushTimeout         = 10 * time.Second
	DefaultChannelTimeout       = 30 * time.Minute
	DefaultChannelBuffer        = 64
	DefaultCheckInterval        = 60 * time.Second
	DefaultSyncInterval         = 60 * time.Second
	DefaultPreOpen              = "50 8 * * MON-FRI"
	DefaultPostClose            = "35 15 * * MON-FRI"
	DefaultKafkaTopic           = "market_ticks"
	DefaultKafkaWriteTimeout    = 5 * time.Second
	DefaultHTTPPort             = 8080
	DefaultShutdownTimeout      = 10 * time.Second
	DefaultMetricsPath          = "/metrics"
)

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Broker defaults
	if c.KIS.RestURL == "" {
		c.KIS.RestURL = DefaultRestURL
	}
	if c.KIS.WSURL == "" {
		c.KIS.WSURL = DefaultWSURL
	}
	if c.KIS.CustomerType == "" {
		c.KIS.CustomerType = DefaultCustomerType
	}

	// Feed defaults
	if c.Feed.TRID == "" {
		c.Feed.TRID = DefaultTRID
	}
	if c.Feed.Timezone == "" {
		c.Feed.Timezone = DefaultTimezone
	}
	if c.Feed.PingTimeout == 0 {
		c.Feed.PingTimeout = DefaultPingTimeout
	}
	if c.Feed.WriteTimeout == 0 {
		c.Feed.WriteTimeout = DefaultWriteTimeout
	}
	if c.Feed.BufferSize == 0 {
		c.Feed.BufferSize = DefaultFeedBufferSize
	}
	if c.Feed.ReconnectDelay == 0 {
		c.Feed.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Feed.MaxReconnectFailures == 0 {
		c.Feed.MaxReconnectFailures = DefaultMaxReconnectFailures
	}
	if c.Feed.MinCallInterval == 0 {
		c.Feed.MinCallInterval = DefaultMinCallInterval
	}
	if c.Feed.InitRetries == 0 {
		c.Feed.InitRetries = DefaultInitRetries
	}

	// Provider defaults
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = DefaultProviderTimeout
	}
	if c.Provider.MinInterval == 0 {
		c.Provider.MinInterval = DefaultProviderMinInterval
	}
	if c.Provider.TokenRefreshMargin == 0 {
		c.Provider.TokenRefreshMargin = DefaultTokenRefreshMargin
	}
	if c.Provider.MaxRetries == 0 {
		c.Provider.MaxRetries = DefaultProviderMaxRetries
	}
	if c.Provider.RefreshConcurrency == 0 {
		c.Provider.RefreshConcurrency = DefaultRefreshConcurrency
	}

	// Cache defaults
	if c.Cache.Backend == "" {
		c.Cache.Backend = DefaultCacheBackend
	}
	if c.Cache.Staleness == 0 {
		c.Cache.Staleness = DefaultStaleness
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.ReadTimeout == 0 {
		c.Cache.ReadTimeout = DefaultReadTimeout
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}

	applyDBDefaults(&c.Database.Postgres)

	if c.History.FlushInterval == 0 {
		c.History.FlushInterval = DefaultFlushInterval
	}
	if c.History.FlushTimeout == 0 {
		c.History.FlushTimeout = DefaultFlushTimeout
	}

	if c.Fanout.ChannelTimeout == 0 {
		c.Fanout.ChannelTimeout = DefaultChannelTimeout
	}
	if c.Fanout.ChannelBuffer == 0 {
		c.Fanout.ChannelBuffer = DefaultChannelBuffer
	}

	// Health and schedule defaults
	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = DefaultCheckInterval
	}
	if c.Health.SyncInterval == 0 {
		c.Health.SyncInterval = DefaultSyncInterval
	}
	if c.Health.Timezone == "" {
		c.Health.Timezone = DefaultTimezone
	}
	if c.Health.PreOpen == "" {
		c.Health.PreOpen = DefaultPreOpen
	}
	if c.Health.PostClose == "" {
		c.Health.PostClose = DefaultPostClose
	}

	if c.Kafka.Topic == "" {
		c.Kafka.Topic = DefaultKafkaTopic
	}
	if c.Kafka.WriteTimeout == 0 {
		c.Kafka.WriteTimeout = DefaultKafkaWriteTimeout
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
