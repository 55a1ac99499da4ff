package api

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseDecimal parses a numeric string from a response body.
// Returns zero for empty or invalid input.
func ParseDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseInt parses an integer string from a response body.
// Returns 0 for empty or invalid input.
func ParseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// toQuote converts an output block. ok is false when the price is missing or
// not positive, which the API returns for unknown codes.
func toQuote(out *quoteOutput) (q Quote, ok bool) {
	if out == nil {
		return Quote{}, false
	}
	price := ParseDecimal(out.Price)
	if !price.IsPositive() {
		return Quote{}, false
	}
	return Quote{
		Price:      price,
		Change:     ParseDecimal(out.Change),
		ChangeRate: ParseDecimal(out.ChangeRate),
		Sign:       out.ChangeSign,
		Open:       ParseDecimal(out.Open),
		High:       ParseDecimal(out.High),
		Low:        ParseDecimal(out.Low),
		Volume:     ParseInt(out.Volume),
	}, true
}
