// Package history batches price ticks in memory and appends them to the
// durable price history table.
//
// A flush drains the whole queue at once and writes it in one batch. Flushes
// never overlap. A failed batch is logged, counted, and dropped; it is not
// retried.
package history
