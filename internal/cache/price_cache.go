package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/truvis/pricestream/internal/model"
)

// ErrPriceUnavailable is returned when no source knows a price.
var ErrPriceUnavailable = errors.New("price unavailable")

// Source names where a Get result came from.
type Source string

const (
	SourceCache     Source = "cache"
	SourceDurable   Source = "durable"
	SourceProvider  Source = "provider"
	SourceLastKnown Source = "last_known"
)

// Result is a price read.
type Result struct {
	Entry  model.CurrentPriceEntry
	Source Source
	Stale  bool // true when every fresh source failed
}

// Config configures a PriceCache.
type Config struct {
	Staleness   time.Duration // Entries at least this old are stale
	ReadTimeout time.Duration // Upper bound on one Get
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Staleness:   5 * time.Minute,
		ReadTimeout: 5 * time.Second,
	}
}

// Stats provides cache statistics.
type Stats struct {
	CacheHits     int64
	DurableHits   int64
	ProviderHits  int64
	StaleServed   int64
	Unavailable   int64
	Writes        int64
	WriteErrors   int64
	SyncedEntries int64
}

// PriceCache serves the latest price per instrument, falling back from the
// cache to the durable store to the upstream provider.
type PriceCache struct {
	cfg      Config
	store    Store
	durable  Durable  // optional
	provider Provider // optional
	logger   *slog.Logger
	now      func() time.Time

	group singleflight.Group

	cacheHits     atomic.Int64
	durableHits   atomic.Int64
	providerHits  atomic.Int64
	staleServed   atomic.Int64
	unavailable   atomic.Int64
	writes        atomic.Int64
	writeErrors   atomic.Int64
	syncedEntries atomic.Int64
}

// New creates a PriceCache. durable and provider may be nil.
func New(cfg Config, store Store, durable Durable, provider Provider, logger *slog.Logger) *PriceCache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultConfig().Staleness
	}
	return &PriceCache{
		cfg:      cfg,
		store:    store,
		durable:  durable,
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns the current price for id.
func (c *PriceCache) Get(ctx context.Context, id model.InstrumentID) (Result, error) {
	if c.cfg.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ReadTimeout)
		defer cancel()
	}

	now := c.now()
	var lastKnown *model.CurrentPriceEntry

	e, ok, err := c.store.Get(ctx, id)
	if err != nil {
		c.logger.Warn("cache read failed", "instrument", id, "error", err)
	}
	if ok {
		if !e.IsStale(now, c.cfg.Staleness) {
			c.cacheHits.Add(1)
			return Result{Entry: e, Source: SourceCache}, nil
		}
		lastKnown = &e
	}

	if c.durable != nil {
		d, err := c.durable.GetPrice(ctx, id)
		switch {
		case err == nil:
			if !d.IsStale(now, c.cfg.Staleness) {
				if err := c.store.Set(ctx, d); err != nil {
					c.logger.Warn("cache backfill failed", "instrument", id, "error", err)
				}
				c.durableHits.Add(1)
				return Result{Entry: d, Source: SourceDurable}, nil
			}
			if lastKnown == nil || d.UpdatedAt.After(lastKnown.UpdatedAt) {
				lastKnown = &d
			}
		case !errors.Is(err, model.ErrNotFound):
			c.logger.Warn("durable read failed", "instrument", id, "error", err)
		}
	}

	if c.provider != nil {
		e, err := c.fetch(ctx, id)
		if err == nil {
			c.providerHits.Add(1)
			return Result{Entry: e, Source: SourceProvider}, nil
		}
		c.logger.Warn("provider refresh failed", "instrument", id, "error", err)
	}

	if lastKnown != nil {
		c.staleServed.Add(1)
		return Result{Entry: *lastKnown, Source: SourceLastKnown, Stale: true}, nil
	}

	c.unavailable.Add(1)
	return Result{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, id)
}

// fetch asks the provider for id, sharing one call among concurrent readers.
// The shared call runs detached from any single reader, bounded by
// ReadTimeout; each reader stops waiting when its own ctx ends.
func (c *PriceCache) fetch(ctx context.Context, id model.InstrumentID) (model.CurrentPriceEntry, error) {
	ch := c.group.DoChan(string(id), func() (any, error) {
		callCtx := context.WithoutCancel(ctx)
		if c.cfg.ReadTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, c.cfg.ReadTimeout)
			defer cancel()
		}

		price, err := c.provider.GetPrice(callCtx, id)
		if err != nil {
			return nil, err
		}
		entry := model.CurrentPriceEntry{Instrument: id, Price: price, UpdatedAt: c.now()}
		if err := c.write(callCtx, entry); err != nil {
			c.logger.Warn("refresh write failed", "instrument", id, "error", err)
		}
		return entry, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return model.CurrentPriceEntry{}, res.Err
		}
		return res.Val.(model.CurrentPriceEntry), nil
	case <-ctx.Done():
		return model.CurrentPriceEntry{}, ctx.Err()
	}
}

// Set overwrites the cached price for id with the current time. The last
// write wins regardless of trade time.
func (c *PriceCache) Set(ctx context.Context, id model.InstrumentID, price decimal.Decimal) error {
	entry := model.CurrentPriceEntry{Instrument: id, Price: price, UpdatedAt: c.now()}
	if err := c.store.Set(ctx, entry); err != nil {
		c.writeErrors.Add(1)
		return fmt.Errorf("cache set %s: %w", id, err)
	}
	c.writes.Add(1)
	return nil
}

// Refresh records a price fetched from the provider in both the cache and
// the durable store.
func (c *PriceCache) Refresh(ctx context.Context, id model.InstrumentID, price decimal.Decimal) error {
	return c.write(ctx, model.CurrentPriceEntry{Instrument: id, Price: price, UpdatedAt: c.now()})
}

func (c *PriceCache) write(ctx context.Context, entry model.CurrentPriceEntry) error {
	var errs []error
	if err := c.store.Set(ctx, entry); err != nil {
		errs = append(errs, fmt.Errorf("cache set %s: %w", entry.Instrument, err))
	} else {
		c.writes.Add(1)
	}
	if c.durable != nil {
		if err := c.durable.UpsertPrice(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("durable upsert %s: %w", entry.Instrument, err))
		}
	}
	if len(errs) > 0 {
		c.writeErrors.Add(int64(len(errs)))
		return errors.Join(errs...)
	}
	return nil
}

// HandleTick stores the tick price. It matches the tick bus handler signature.
func (c *PriceCache) HandleTick(ctx context.Context, tick model.PriceTick) {
	if err := c.Set(ctx, tick.Instrument, tick.Price); err != nil {
		c.logger.Warn("cache update failed", "instrument", tick.Instrument, "error", err)
	}
}

// Sync upserts every cached entry into the durable store. Returns the number
// of entries written.
func (c *PriceCache) Sync(ctx context.Context) (int, error) {
	if c.durable == nil {
		return 0, nil
	}

	entries, err := c.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cache: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	if err := c.durable.UpsertPrices(ctx, entries); err != nil {
		return 0, fmt.Errorf("sync %d prices: %w", len(entries), err)
	}
	c.syncedEntries.Add(int64(len(entries)))

	c.logger.Debug("cache synced to durable store", "entries", len(entries))
	return len(entries), nil
}

// Stats returns current statistics.
func (c *PriceCache) Stats() Stats {
	return Stats{
		CacheHits:     c.cacheHits.Load(),
		DurableHits:   c.durableHits.Load(),
		ProviderHits:  c.providerHits.Load(),
		StaleServed:   c.staleServed.Load(),
		Unavailable:   c.unavailable.Load(),
		Writes:        c.writes.Load(),
		WriteErrors:   c.writeErrors.Load(),
		SyncedEntries: c.syncedEntries.Load(),
	}
}
