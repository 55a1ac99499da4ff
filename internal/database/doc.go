// Package database provides the PostgreSQL price store.
//
// Tables:
//   - current_prices: one row per instrument, last write wins
//   - price_history: append-only tick history, one row per flushed tick
package database
