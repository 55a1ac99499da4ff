package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/truvis/pricestream/internal/model"
)

// ErrRefreshInProgress is returned when RefreshAll is called while a refresh
// is already running.
var ErrRefreshInProgress = errors.New("refresh already in progress")

// PriceSource fetches a current price from the upstream provider.
type PriceSource interface {
	GetPrice(ctx context.Context, id model.InstrumentID) (decimal.Decimal, error)
}

// BatchPriceSource fetches many prices in one sequential pass, leaving out
// instruments that failed. With Concurrency 1 the poller uses it when the
// source provides it.
type BatchPriceSource interface {
	GetPrices(ctx context.Context, ids []model.InstrumentID) map[model.InstrumentID]decimal.Decimal
}

// InstrumentSource provides the instruments to refresh.
type InstrumentSource interface {
	Tracked() []model.InstrumentID
}

// PriceSink stores a refreshed price.
type PriceSink interface {
	Refresh(ctx context.Context, id model.InstrumentID, price decimal.Decimal) error
}

// Config holds refresher configuration.
type Config struct {
	Concurrency int           // Max concurrent requests (default: 4)
	Timeout     time.Duration // Per-instrument timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Result summarizes one refresh.
type Result struct {
	Requested int
	Updated   int
	Failed    int
	Duration  time.Duration
}

// Stats contains refresher statistics.
type Stats struct {
	Runs       int64
	Skipped    int64
	Updated    int64
	Failed     int64
	Running    bool
	LastRun    time.Time
	LastResult Result
}

// Poller refreshes every tracked instrument from the REST provider.
type Poller struct {
	cfg         Config
	source      PriceSource
	instruments InstrumentSource
	sink        PriceSink
	logger      *slog.Logger

	running atomic.Bool

	runs    atomic.Int64
	skipped atomic.Int64
	updated atomic.Int64
	failed  atomic.Int64

	mu         sync.Mutex
	lastRun    time.Time
	lastResult Result
}

// New creates a new Poller.
func New(cfg Config, source PriceSource, instruments InstrumentSource, sink PriceSink, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Poller{
		cfg:         cfg,
		source:      source,
		instruments: instruments,
		sink:        sink,
		logger:      logger,
	}
}

// RefreshAll fetches and stores the price of every tracked instrument.
// Per-instrument failures are logged and counted; they never abort the run.
// Returns ErrRefreshInProgress if another refresh is running.
func (p *Poller) RefreshAll(ctx context.Context) (Result, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		return Result{}, ErrRefreshInProgress
	}
	defer p.running.Store(false)

	start := time.Now()
	ids := p.instruments.Tracked()
	result := Result{Requested: len(ids)}

	if len(ids) == 0 {
		p.logger.Debug("no tracked instruments to refresh")
		return p.record(start, result), nil
	}

	if batch, ok := p.source.(BatchPriceSource); ok && p.cfg.Concurrency == 1 {
		result.Updated, result.Failed = p.refreshSequential(ctx, batch, ids)
		return p.finish(ctx, start, result)
	}

	// Semaphore for bounded concurrency.
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	var updated, failed atomic.Int64

	for _, id := range ids {
		wg.Add(1)
		go func(id model.InstrumentID) {
			defer wg.Done()

			// Acquire semaphore slot.
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				failed.Add(1)
				return
			}

			if err := p.refreshOne(ctx, id); err != nil {
				p.logger.Warn("failed to refresh price",
					"instrument", id,
					"error", err,
				)
				failed.Add(1)
				return
			}

			updated.Add(1)
		}(id)
	}

	wg.Wait()

	result.Updated = int(updated.Load())
	result.Failed = int(failed.Load())
	return p.finish(ctx, start, result)
}

func (p *Poller) finish(ctx context.Context, start time.Time, result Result) (Result, error) {
	result = p.record(start, result)

	p.logger.Info("refresh complete",
		"instruments", result.Requested,
		"updated", result.Updated,
		"failed", result.Failed,
		"duration", result.Duration,
	)

	return result, ctx.Err()
}

// refreshOne fetches and stores a single instrument's price.
func (p *Poller) refreshOne(ctx context.Context, id model.InstrumentID) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	price, err := p.source.GetPrice(ctx, id)
	if err != nil {
		return err
	}

	return p.sink.Refresh(ctx, id, price)
}

// refreshSequential fetches every price in one batch, then stores them.
// Instruments missing from the batch count as failed.
func (p *Poller) refreshSequential(ctx context.Context, batch BatchPriceSource, ids []model.InstrumentID) (updated, failed int) {
	prices := batch.GetPrices(ctx, ids)

	for _, id := range ids {
		price, ok := prices[id]
		if !ok {
			failed++
			continue
		}
		sinkCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err := p.sink.Refresh(sinkCtx, id, price)
		cancel()
		if err != nil {
			p.logger.Warn("failed to store price", "instrument", id, "error", err)
			failed++
			continue
		}
		updated++
	}
	return updated, failed
}

func (p *Poller) record(start time.Time, result Result) Result {
	result.Duration = time.Since(start)

	p.runs.Add(1)
	p.updated.Add(int64(result.Updated))
	p.failed.Add(int64(result.Failed))

	p.mu.Lock()
	p.lastRun = start
	p.lastResult = result
	p.mu.Unlock()

	return result
}

// Running reports whether a refresh is in progress.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Stats returns refresher statistics.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Runs:       p.runs.Load(),
		Skipped:    p.skipped.Load(),
		Updated:    p.updated.Load(),
		Failed:     p.failed.Load(),
		Running:    p.running.Load(),
		LastRun:    p.lastRun,
		LastResult: p.lastResult,
	}
}
