// Package metrics provides Prometheus metrics for monitoring.
//
// Component counters are read from each component's Stats() at scrape time,
// so components stay free of Prometheus types. HTTP request metrics are
// recorded directly by the API middleware.
//
// Key metrics:
//   - Feed connection state, frames, heartbeats and reconnects
//   - Ticks routed and parse errors
//   - Bus consumer queue depth
//   - Live stream channels and deliveries
//   - Cache reads by source, history flushes and drops
//   - REST provider requests and full refresh results
package metrics
