// Package cache implements the current-price cache.
//
// Reads fall back in order: fresh cache entry, fresh durable row (backfilled
// into the cache), upstream provider (one call per instrument at a time),
// and finally the newest stale value with Stale set. Writes are last-write-wins.
// The cache backend is either a sharded in-memory map or Redis.
package cache
