// Package model defines shared data types used across the price stream service.
//
// Conventions:
//   - Prices: shopspring/decimal, strictly positive for trade prices
//   - Timestamps: time.Time; trade times are exchange-local (Asia/Seoul)
//   - IDs: InstrumentID for exchange codes, uuid.UUID for history rows
package model
