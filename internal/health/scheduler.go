package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/truvis/pricestream/internal/poller"
)

// Syncer copies cached prices to the durable store.
type Syncer interface {
	Sync(ctx context.Context) (int, error)
}

// SchedulerConfig holds job schedules.
type SchedulerConfig struct {
	CheckInterval time.Duration  // liveness check (default: 60s)
	SyncInterval  time.Duration  // cache to durable sync (default: 60s)
	Location      *time.Location // zone for the cron specs
	Reconcile     []string       // cron specs for full refreshes
}

// DefaultSchedulerConfig returns the exchange defaults: pre-open at 08:50
// and post-close at 15:35, Monday to Friday, Seoul time.
func DefaultSchedulerConfig() SchedulerConfig {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*60*60)
	}
	return SchedulerConfig{
		CheckInterval: 60 * time.Second,
		SyncInterval:  60 * time.Second,
		Location:      loc,
		Reconcile:     []string{"50 8 * * MON-FRI", "35 15 * * MON-FRI"},
	}
}

// SchedulerStats contains job statistics.
type SchedulerStats struct {
	Syncs           int64
	SyncedEntries   int64
	SyncErrors      int64
	Reconciliations int64
	ReconcileSkips  int64
	Monitor         MonitorStats
}

// Scheduler runs the liveness check, the cache sync, and the cron
// reconciliations until stopped.
type Scheduler struct {
	cfg       SchedulerConfig
	monitor   *Monitor
	refresher Refresher
	syncer    Syncer
	logger    *slog.Logger

	cron *cron.Cron

	syncs           atomic.Int64
	syncedEntries   atomic.Int64
	syncErrors      atomic.Int64
	reconciliations atomic.Int64
	reconcileSkips  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. syncer may be nil to disable the sync job.
func NewScheduler(cfg SchedulerConfig, monitor *Monitor, refresher Refresher, syncer Syncer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Scheduler{
		cfg:       cfg,
		monitor:   monitor,
		refresher: refresher,
		syncer:    syncer,
		logger:    logger,
	}
}

// Start registers the cron jobs and starts the interval loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	for _, spec := range s.cfg.Reconcile {
		if _, err := s.cron.AddFunc(spec, func() { s.reconcile(spec) }); err != nil {
			s.cancel()
			return fmt.Errorf("schedule reconciliation %q: %w", spec, err)
		}
	}
	s.cron.Start()

	if s.cfg.CheckInterval > 0 && s.monitor != nil {
		s.wg.Add(1)
		go s.every(s.cfg.CheckInterval, func() { s.monitor.Check(s.ctx) })
	}

	if s.cfg.SyncInterval > 0 && s.syncer != nil {
		s.wg.Add(1)
		go s.every(s.cfg.SyncInterval, s.sync)
	}

	s.logger.Info("scheduler started",
		"check_interval", s.cfg.CheckInterval,
		"sync_interval", s.cfg.SyncInterval,
		"reconcile", s.cfg.Reconcile,
		"timezone", s.cfg.Location.String(),
	)

	return nil
}

// Stop halts the cron and the loops, waiting for running jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	var cronDone <-chan struct{}
	if s.cron != nil {
		cronDone = s.cron.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		if cronDone != nil {
			<-cronDone
		}
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// every runs fn on each tick until the scheduler stops.
func (s *Scheduler) every(interval time.Duration, fn func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Scheduler) sync() {
	n, err := s.syncer.Sync(s.ctx)
	s.syncs.Add(1)
	s.syncedEntries.Add(int64(n))
	if err != nil {
		s.syncErrors.Add(1)
		s.logger.Error("cache sync failed", "synced", n, "error", err)
		return
	}
	s.logger.Debug("cache sync complete", "synced", n)
}

func (s *Scheduler) reconcile(spec string) {
	s.logger.Info("scheduled reconciliation starting", "schedule", spec)

	result, err := s.refresher.RefreshAll(s.ctx)
	if errors.Is(err, poller.ErrRefreshInProgress) {
		s.reconcileSkips.Add(1)
		s.logger.Info("refresh already running, skipping reconciliation", "schedule", spec)
		return
	}

	s.reconciliations.Add(1)
	if err != nil {
		s.logger.Error("scheduled reconciliation failed", "schedule", spec, "error", err)
		return
	}
	s.logger.Info("scheduled reconciliation complete",
		"schedule", spec,
		"updated", result.Updated,
		"failed", result.Failed,
	)
}

// Stats returns job statistics.
func (s *Scheduler) Stats() SchedulerStats {
	stats := SchedulerStats{
		Syncs:           s.syncs.Load(),
		SyncedEntries:   s.syncedEntries.Load(),
		SyncErrors:      s.syncErrors.Load(),
		Reconciliations: s.reconciliations.Load(),
		ReconcileSkips:  s.reconcileSkips.Load(),
	}
	if s.monitor != nil {
		stats.Monitor = s.monitor.Stats()
	}
	return stats
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
