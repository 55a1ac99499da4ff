package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/truvis/pricestream/internal/api"
	"github.com/truvis/pricestream/internal/bus"
	"github.com/truvis/pricestream/internal/cache"
	"github.com/truvis/pricestream/internal/connection"
	"github.com/truvis/pricestream/internal/export"
	"github.com/truvis/pricestream/internal/fanout"
	"github.com/truvis/pricestream/internal/health"
	"github.com/truvis/pricestream/internal/history"
	"github.com/truvis/pricestream/internal/poller"
	"github.com/truvis/pricestream/internal/router"
)

// Sources are the Stats functions read on every scrape. Nil entries are
// skipped.
type Sources struct {
	Connection func() connection.ManagerStats
	Router     func() router.RouterStats
	Bus        func() bus.Stats
	Fanout     func() fanout.Stats
	Cache      func() cache.Stats
	History    func() history.Stats
	Provider   func() api.Stats
	Refresh    func() poller.Stats
	Scheduler  func() health.SchedulerStats
	Export     func() export.Stats
}

type metric struct {
	desc *prometheus.Desc
	kind prometheus.ValueType
}

func counter(subsystem, name, help string, labels ...string) metric {
	return metric{
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil),
		kind: prometheus.CounterValue,
	}
}

func gauge(subsystem, name, help string, labels ...string) metric {
	return metric{
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil),
		kind: prometheus.GaugeValue,
	}
}

var (
	feedState             = gauge("feed", "connection_state", "Feed connection state (0 disconnected, 1 connecting, 2 connected, 3 degraded)")
	feedSubscriptions     = gauge("feed", "subscriptions", "Registered feed subscriptions")
	feedAcknowledged      = gauge("feed", "subscriptions_acknowledged", "Feed subscriptions acknowledged by the server")
	feedFrames            = counter("feed", "frames_total", "Frames received from the feed by kind", "kind")
	feedFramesDropped     = counter("feed", "frames_dropped_total", "Data frames dropped because the router was full")
	feedHeartbeats        = counter("feed", "heartbeats_total", "Heartbeats echoed")
	feedReconnects        = counter("feed", "reconnects_total", "Reconnect attempts by result", "result")
	routerTicks           = counter("router", "ticks_routed_total", "Ticks parsed and published")
	routerParseErrors     = counter("router", "parse_errors_total", "Frames dropped as malformed")
	busPublished          = counter("bus", "published_total", "Ticks published to the bus")
	busQueueLen           = gauge("bus", "queue_length", "Pending ticks per consumer", "consumer")
	busHandled            = counter("bus", "handled_total", "Ticks handled per consumer", "consumer")
	fanoutChannels        = gauge("fanout", "channels", "Open live push channels")
	fanoutInstruments     = gauge("fanout", "instruments", "Instruments with at least one live channel")
	fanoutDelivered       = counter("fanout", "delivered_total", "Events delivered to live channels")
	fanoutPurged          = counter("fanout", "purged_total", "Dead channels purged after a failed send")
	cacheReads            = counter("cache", "reads_total", "Price reads by source", "source")
	cacheWriteErrors      = counter("cache", "write_errors_total", "Failed cache or durable writes")
	historyPending        = gauge("history", "pending", "Ticks waiting for the next flush")
	historyFlushes        = counter("history", "flushes_total", "Batch flushes written")
	historyFlushErrors    = counter("history", "flush_errors_total", "Batch flushes that failed")
	historyInserted       = counter("history", "inserted_total", "History rows inserted")
	historyDropped        = counter("history", "dropped_total", "Ticks dropped by failed flushes")
	providerRequests      = counter("provider", "requests_total", "REST provider requests")
	providerFailures      = counter("provider", "failures_total", "REST provider failures")
	providerRateLimited   = counter("provider", "rate_limited_total", "REST provider rate-limited responses")
	refreshRuns           = counter("refresh", "runs_total", "Full REST refreshes")
	refreshResults        = counter("refresh", "instruments_total", "Refreshed instruments by result", "result")
	healthChecks          = counter("health", "checks_total", "Liveness checks")
	healthFallbacks       = counter("health", "fallbacks_total", "REST fallbacks run by the liveness check")
	healthReconciliations = counter("health", "reconciliations_total", "Scheduled reconciliations")
	exportPublished       = counter("export", "published_total", "Ticks exported to Kafka")
	exportErrors          = counter("export", "errors_total", "Failed tick exports")
)

var all = []metric{
	feedState, feedSubscriptions, feedAcknowledged, feedFrames, feedFramesDropped,
	feedHeartbeats, feedReconnects, routerTicks, routerParseErrors, busPublished,
	busQueueLen, busHandled, fanoutChannels, fanoutInstruments, fanoutDelivered,
	fanoutPurged, cacheReads, cacheWriteErrors, historyPending, historyFlushes,
	historyFlushErrors, historyInserted, historyDropped, providerRequests, providerFailures,
	providerRateLimited, refreshRuns, refreshResults, healthChecks, healthFallbacks,
	healthReconciliations, exportPublished, exportErrors,
}

// statsCollector turns component Stats into const metrics at scrape time.
type statsCollector struct {
	src Sources
}

func newStatsCollector(src Sources) *statsCollector {
	return &statsCollector{src: src}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range all {
		ch <- m.desc
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	emit := func(m metric, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, v, labels...)
	}

	if c.src.Connection != nil {
		s := c.src.Connection()
		emit(feedState, float64(s.State))
		emit(feedSubscriptions, float64(s.Subscriptions))
		emit(feedAcknowledged, float64(s.Acknowledged))
		emit(feedFrames, float64(s.FramesReceived-s.ControlFrames), "data")
		emit(feedFrames, float64(s.ControlFrames), "control")
		emit(feedFramesDropped, float64(s.FramesDropped))
		emit(feedHeartbeats, float64(s.Heartbeats))
		emit(feedReconnects, float64(s.Reconnects), "success")
		emit(feedReconnects, float64(s.ReconnectFailures), "failure")
	}

	if c.src.Router != nil {
		s := c.src.Router()
		emit(routerTicks, float64(s.TicksRouted))
		emit(routerParseErrors, float64(s.ParseErrors))
	}

	if c.src.Bus != nil {
		s := c.src.Bus()
		emit(busPublished, float64(s.Published))
		for _, cs := range s.Consumers {
			emit(busQueueLen, float64(cs.Queue.Len), cs.Name)
			emit(busHandled, float64(cs.Handled), cs.Name)
		}
	}

	if c.src.Fanout != nil {
		s := c.src.Fanout()
		emit(fanoutChannels, float64(s.Channels))
		emit(fanoutInstruments, float64(s.Instruments))
		emit(fanoutDelivered, float64(s.Delivered))
		emit(fanoutPurged, float64(s.Purged))
	}

	if c.src.Cache != nil {
		s := c.src.Cache()
		emit(cacheReads, float64(s.CacheHits), string(cache.SourceCache))
		emit(cacheReads, float64(s.DurableHits), string(cache.SourceDurable))
		emit(cacheReads, float64(s.ProviderHits), string(cache.SourceProvider))
		emit(cacheReads, float64(s.StaleServed), string(cache.SourceLastKnown))
		emit(cacheReads, float64(s.Unavailable), "unavailable")
		emit(cacheWriteErrors, float64(s.WriteErrors))
	}

	if c.src.History != nil {
		s := c.src.History()
		emit(historyPending, float64(s.Pending))
		emit(historyFlushes, float64(s.Flushes))
		emit(historyFlushErrors, float64(s.Errors))
		emit(historyInserted, float64(s.Inserts))
		emit(historyDropped, float64(s.Dropped))
	}

	if c.src.Provider != nil {
		s := c.src.Provider()
		emit(providerRequests, float64(s.Requests))
		emit(providerFailures, float64(s.Failures))
		emit(providerRateLimited, float64(s.RateLimited))
	}

	if c.src.Refresh != nil {
		s := c.src.Refresh()
		emit(refreshRuns, float64(s.Runs))
		emit(refreshResults, float64(s.Updated), "updated")
		emit(refreshResults, float64(s.Failed), "failed")
	}

	if c.src.Scheduler != nil {
		s := c.src.Scheduler()
		emit(healthChecks, float64(s.Monitor.Checks))
		emit(healthFallbacks, float64(s.Monitor.Fallbacks))
		emit(healthReconciliations, float64(s.Reconciliations))
	}

	if c.src.Export != nil {
		s := c.src.Export()
		emit(exportPublished, float64(s.Published))
		emit(exportErrors, float64(s.Errors))
	}
}
