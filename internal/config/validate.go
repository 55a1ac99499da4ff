package config

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // exchange timezones must resolve on minimal images

	"github.com/robfig/cron/v3"

	"github.com/truvis/pricestream/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.KIS.AppKey == "" {
		return errors.New("kis.app_key is required")
	}
	if c.KIS.AppSecret == "" {
		return errors.New("kis.app_secret is required")
	}

	for i, raw := range c.Feed.Instruments {
		if _, err := model.ParseInstrumentID(raw); err != nil {
			return fmt.Errorf("feed.instruments[%d]: %w", i, err)
		}
	}
	if _, err := time.LoadLocation(c.Feed.Timezone); err != nil {
		return fmt.Errorf("feed.timezone: %w", err)
	}
	if c.Feed.BufferSize < 1 {
		return errors.New("feed.buffer_size must be >= 1")
	}
	if c.Feed.MaxReconnectFailures < 1 {
		return errors.New("feed.max_reconnect_failures must be >= 1")
	}

	if c.Provider.RefreshConcurrency < 1 {
		return errors.New("provider.refresh_concurrency must be >= 1")
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}

	if err := c.Database.Postgres.validate("database.postgres"); err != nil {
		return err
	}

	if c.Fanout.ChannelBuffer < 1 {
		return errors.New("fanout.channel_buffer must be >= 1")
	}

	if _, err := time.LoadLocation(c.Health.Timezone); err != nil {
		return fmt.Errorf("health.timezone: %w", err)
	}
	if _, err := cron.ParseStandard(c.Health.PreOpen); err != nil {
		return fmt.Errorf("health.pre_open: %w", err)
	}
	if _, err := cron.ParseStandard(c.Health.PostClose); err != nil {
		return fmt.Errorf("health.post_close: %w", err)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka.enabled is true")
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
