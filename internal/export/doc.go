// Package export publishes ticks to a Kafka topic for downstream consumers.
//
// Messages are JSON, keyed by instrument code so every tick of one
// instrument lands on the same partition.
package export
