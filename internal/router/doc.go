// Package router implements the frame router.
//
// The router:
//   - Reads raw data frames forwarded by the connection manager
//   - Parses pipe/caret delimited trade frames into model.PriceTick
//   - Publishes ticks to the tick bus without blocking
//   - Drops malformed frames and counts them as parse errors
package router
