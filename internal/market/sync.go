package market

import (
	"context"
	"fmt"
	"time"
)

// initialLoad tracks the configured seeds, then every instrument with a
// stored price.
func (r *registryImpl) initialLoad(ctx context.Context) error {
	start := time.Now()

	r.state.mu.Lock()
	for _, id := range r.cfg.Seeds {
		if change, ok := r.state.trackLocked(id, SourceConfig); ok {
			r.state.notifyChange(change)
		}
	}
	r.state.mu.Unlock()

	if r.store == nil {
		return nil
	}

	loadCtx := ctx
	if r.cfg.InitialLoadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, r.cfg.InitialLoadTimeout)
		defer cancel()
	}

	added, err := r.syncFromStore(loadCtx)
	if err != nil {
		return fmt.Errorf("load tracked instruments: %w", err)
	}

	r.logger.Info("initial load complete",
		"seeds", len(r.cfg.Seeds),
		"stored", added,
		"duration", time.Since(start),
	)

	return nil
}

// reconciliationLoop periodically syncs with the durable store.
func (r *registryImpl) reconciliationLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

// reconcile picks up instruments stored since the last sync.
func (r *registryImpl) reconcile(ctx context.Context) {
	start := time.Now()

	added, err := r.syncFromStore(ctx)
	if err != nil {
		r.logger.Error("reconciliation failed", "error", err)
		return
	}

	if added > 0 {
		r.logger.Info("reconciliation found instruments",
			"added", added,
			"duration", time.Since(start),
		)
	} else {
		r.logger.Debug("reconciliation complete",
			"tracked", r.state.size(),
			"duration", time.Since(start),
		)
	}
}

// syncFromStore tracks every stored instrument. Returns the number added.
// Stored instruments are refreshed but not streamed, so no changes are sent.
func (r *registryImpl) syncFromStore(ctx context.Context) (int, error) {
	ids, err := r.store.ListInstruments(ctx)
	if err != nil {
		return 0, err
	}

	added := 0

	r.state.mu.Lock()
	for _, id := range ids {
		if _, ok := r.state.trackLocked(id, SourceDurable); ok {
			added++
		}
	}
	r.state.lastSyncAt = time.Now()
	r.state.mu.Unlock()

	return added, nil
}
