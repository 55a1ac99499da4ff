package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/truvis/pricestream/internal/model"
)

// Persister writes history records in one batch. It returns how many rows
// were inserted; the rest were duplicates.
type Persister interface {
	AppendHistoryBatch(ctx context.Context, records []model.HistoryRecord) (inserted int, err error)
}

// PersistenceError is a failed flush. The batch it names was dropped.
type PersistenceError struct {
	Count int
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %d history records: %v", e.Count, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Config contains configuration for the history buffer.
type Config struct {
	// FlushInterval is the time between flushes.
	FlushInterval time.Duration

	// FlushTimeout bounds a single batch write.
	FlushTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 5 * time.Second,
		FlushTimeout:  10 * time.Second,
	}
}

// Stats holds metrics for the buffer.
type Stats struct {
	Enqueued  int64
	Pending   int
	Flushes   int64
	Inserts   int64
	Conflicts int64
	Errors    int64
	Dropped   int64
}

// Buffer collects ticks in memory and flushes them to the durable store on a
// fixed interval.
type Buffer struct {
	cfg    Config
	store  Persister
	logger *slog.Logger

	mu      sync.Mutex
	pending []model.PriceTick
	stats   Stats

	// Serializes flushes
	flushMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBuffer creates a new Buffer.
func NewBuffer(cfg Config, store Persister, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Buffer{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}
}

// Start begins the periodic flush loop.
func (b *Buffer) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.flushLoop()

	b.logger.Info("history buffer started", "flush_interval", b.cfg.FlushInterval)
	return nil
}

// Stop halts the flush loop and performs a final flush.
func (b *Buffer) Stop(ctx context.Context) error {
	b.logger.Info("stopping history buffer")

	if b.cancel != nil {
		b.cancel()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("history buffer stop timed out")
	}

	// Final flush
	if err := b.Flush(ctx); err != nil {
		b.logger.Error("final history flush failed", "error", err)
		return err
	}

	b.logger.Info("history buffer stopped")
	return nil
}

// Enqueue appends a tick. It never blocks on I/O and never rejects.
func (b *Buffer) Enqueue(tick model.PriceTick) {
	b.mu.Lock()
	b.pending = append(b.pending, tick)
	b.stats.Enqueued++
	b.mu.Unlock()
}

// HandleTick enqueues tick. It matches the tick bus handler signature.
func (b *Buffer) HandleTick(ctx context.Context, tick model.PriceTick) {
	b.Enqueue(tick)
}

// Len returns the number of ticks waiting for the next flush.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stats returns current metrics.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.pending)
	return s
}

// Flush writes everything pending as one batch. An empty queue is a no-op.
// On failure the batch is dropped and a *PersistenceError returned.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	// Take ownership of current batch
	b.mu.Lock()
	ticks := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(ticks) == 0 {
		return nil
	}

	records := make([]model.HistoryRecord, len(ticks))
	for i, t := range ticks {
		records[i] = model.NewHistoryRecord(t)
	}

	if b.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.FlushTimeout)
		defer cancel()
	}

	start := time.Now()
	inserted, err := b.store.AppendHistoryBatch(ctx, records)
	if err != nil {
		b.mu.Lock()
		b.stats.Errors++
		b.stats.Dropped += int64(len(records))
		b.mu.Unlock()

		b.logger.Error("history batch insert failed", "error", err, "count", len(records))
		return &PersistenceError{Count: len(records), Err: err}
	}

	b.mu.Lock()
	b.stats.Flushes++
	b.stats.Inserts += int64(inserted)
	b.stats.Conflicts += int64(len(records) - inserted)
	b.mu.Unlock()

	b.logger.Debug("flushed history",
		"count", len(records),
		"conflicts", len(records)-inserted,
		"duration", time.Since(start),
	)
	return nil
}

// flushLoop periodically flushes the buffer.
func (b *Buffer) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			// Failures are logged and counted inside Flush
			b.Flush(b.ctx)
		}
	}
}
