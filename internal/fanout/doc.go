// Package fanout keeps the live push channels for each instrument and
// delivers price updates to them.
package fanout
