// Package bus implements the in-process tick event bus.
//
// The feed reader publishes every parsed tick once; the bus copies it into
// one unbounded queue per subscriber (fan-out push, cache, history, export)
// and each queue is drained by its own goroutine. Publishing never blocks.
package bus
