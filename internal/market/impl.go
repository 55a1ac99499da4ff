package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/truvis/pricestream/internal/model"
)

// Config holds tracked instrument registry configuration.
type Config struct {
	Seeds              []model.InstrumentID // tracked from startup, always streamed
	ReconcileInterval  time.Duration
	InitialLoadTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval:  5 * time.Minute,
		InitialLoadTimeout: 30 * time.Second,
	}
}

// registryImpl implements the Registry interface.
type registryImpl struct {
	cfg    Config
	store  InstrumentLister
	logger *slog.Logger

	state *registryState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a new tracked instrument registry. store may be nil,
// in which case only seeds and explicit Track calls populate it.
func NewRegistry(cfg Config, store InstrumentLister, logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &registryImpl{
		cfg:    cfg,
		store:  store,
		logger: logger,
		state:  newState(),
	}
}

// Start loads the initial set and begins background reconciliation.
func (r *registryImpl) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	// Initial load (blocking).
	if err := r.initialLoad(r.ctx); err != nil {
		r.cancel()
		return err
	}

	if r.store != nil && r.cfg.ReconcileInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.reconciliationLoop(r.ctx)
		}()
	}

	r.logger.Info("instrument registry started",
		"tracked", r.state.size(),
		"streamed", len(r.Streamed()),
	)

	return nil
}

// Stop gracefully shuts down.
func (r *registryImpl) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("instrument registry stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Track adds id to the tracked set.
func (r *registryImpl) Track(id model.InstrumentID, source Source) bool {
	change, ok := r.state.track(id, source)
	if !ok {
		return false
	}
	r.state.notifyChange(change)
	r.logger.Debug("instrument tracked", "instrument", id, "source", source)
	return true
}

// Untrack removes id from the tracked set.
func (r *registryImpl) Untrack(id model.InstrumentID) bool {
	change, ok := r.state.untrack(id)
	if !ok {
		return false
	}
	r.state.notifyChange(change)
	r.logger.Info("instrument untracked", "instrument", id)
	return true
}

// IsTracked reports whether id is tracked.
func (r *registryImpl) IsTracked(id model.InstrumentID) bool {
	return r.state.contains(id)
}

// Tracked returns all tracked instruments.
func (r *registryImpl) Tracked() []model.InstrumentID {
	return r.state.list(nil)
}

// Streamed returns instruments that should be subscribed on the feed.
func (r *registryImpl) Streamed() []model.InstrumentID {
	return r.state.list(func(e entry) bool { return e.source.Streams() })
}

// SubscribeChanges returns a channel of tracking changes.
func (r *registryImpl) SubscribeChanges() <-chan Change {
	return r.state.changes
}
