// Package health supervises the price feed and runs the periodic jobs.
//
// The Monitor checks feed liveness, reconnects an unhealthy feed, and falls
// back to one full REST refresh when the reconnect does not restore it.
//
// The Scheduler drives:
//   - the liveness check on a fixed interval
//   - the cache to durable store sync on a fixed interval
//   - full REST reconciliations on cron schedules in the exchange timezone
package health
