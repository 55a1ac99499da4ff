// Package market implements the tracked instrument registry.
//
// The registry:
//   - Loads instruments from configuration and the durable store on startup
//   - Grows as live viewers open price streams for new instruments
//   - Reconciles periodically with the durable store
//   - Notifies the connection manager of instruments to subscribe or drop
//   - Is the instrument source for full REST refreshes
package market
