// Package poller implements the full REST price refresh.
//
// The refresher:
//   - Fetches the current price of every tracked instrument from the REST provider
//   - Writes each price through the cache into the durable store
//   - Uses bounded concurrent requests; the provider applies its own rate limit
//   - Runs one refresh at a time; overlapping calls are skipped
package poller
