package health

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/truvis/pricestream/internal/poller"
)

// Connection is the feed connection being supervised.
type Connection interface {
	IsHealthy() bool
	Reconnect(ctx context.Context) error
}

// Refresher runs a full REST price refresh.
type Refresher interface {
	RefreshAll(ctx context.Context) (poller.Result, error)
}

// CheckResult describes one liveness check.
type CheckResult struct {
	Healthy     bool // healthy at the end of the check
	Reconnected bool // a reconnect restored the feed
	Refreshed   bool // the REST fallback ran
}

// MonitorStats contains monitor statistics.
type MonitorStats struct {
	Checks            int64
	Unhealthy         int64
	Reconnects        int64
	ReconnectFailures int64
	Fallbacks         int64
	FallbackSkipped   int64
	FallbackErrors    int64
}

// Monitor checks feed liveness and escalates when it is down.
type Monitor struct {
	conn      Connection
	refresher Refresher
	logger    *slog.Logger

	checks            atomic.Int64
	unhealthy         atomic.Int64
	reconnects        atomic.Int64
	reconnectFailures atomic.Int64
	fallbacks         atomic.Int64
	fallbackSkipped   atomic.Int64
	fallbackErrors    atomic.Int64
}

// NewMonitor creates a Monitor.
func NewMonitor(conn Connection, refresher Refresher, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		conn:      conn,
		refresher: refresher,
		logger:    logger,
	}
}

// Check runs one liveness cycle. An unhealthy feed gets one reconnect
// attempt; if the feed is still unhealthy afterwards, exactly one full
// refresh runs for this cycle, unless a refresh is already running.
func (m *Monitor) Check(ctx context.Context) CheckResult {
	m.checks.Add(1)

	if m.conn.IsHealthy() {
		m.logger.Debug("feed healthy")
		return CheckResult{Healthy: true}
	}

	m.unhealthy.Add(1)
	m.logger.Warn("feed unhealthy, reconnecting")

	if err := m.conn.Reconnect(ctx); err != nil {
		m.reconnectFailures.Add(1)
		m.logger.Warn("reconnect failed", "error", err)
	} else {
		m.reconnects.Add(1)
	}

	if m.conn.IsHealthy() {
		m.logger.Info("feed restored by reconnect")
		return CheckResult{Healthy: true, Reconnected: true}
	}

	m.logger.Error("feed still unhealthy, falling back to REST refresh")
	return CheckResult{Refreshed: m.fallback(ctx)}
}

// fallback runs a full refresh. Returns false if it was skipped.
func (m *Monitor) fallback(ctx context.Context) bool {
	result, err := m.refresher.RefreshAll(ctx)
	if errors.Is(err, poller.ErrRefreshInProgress) {
		m.fallbackSkipped.Add(1)
		m.logger.Info("REST refresh already running, skipping fallback")
		return false
	}

	m.fallbacks.Add(1)
	if err != nil {
		m.fallbackErrors.Add(1)
		m.logger.Error("REST fallback failed", "error", err)
		return true
	}

	m.logger.Info("REST fallback complete",
		"updated", result.Updated,
		"failed", result.Failed,
	)
	return true
}

// Stats returns monitor statistics.
func (m *Monitor) Stats() MonitorStats {
	return MonitorStats{
		Checks:            m.checks.Load(),
		Unhealthy:         m.unhealthy.Load(),
		Reconnects:        m.reconnects.Load(),
		ReconnectFailures: m.reconnectFailures.Load(),
		Fallbacks:         m.fallbacks.Load(),
		FallbackSkipped:   m.fallbackSkipped.Load(),
		FallbackErrors:    m.fallbackErrors.Load(),
	}
}
