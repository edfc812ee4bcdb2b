package domain

import (
	"math"
	"time"
)

// PriceQuote is a single observation from the on-chain price feed.
// Price is a fixed-point integer with Decimals decimal places.
type PriceQuote struct {
	Asset     string
	Price     uint64
	Decimals  uint8
	Timestamp time.Time
}

// IsZero reports whether the quote carries no observation at all.
func (q PriceQuote) IsZero() bool {
	return q.Price == 0 && q.Timestamp.IsZero()
}

// IsStale reports whether the quote is older than the freshness window at
// the given reference time. Stale quotes must not silently be treated as
// live; callers surface ErrOracleStale instead.
func (q PriceQuote) IsStale(now time.Time, window time.Duration) bool {
	if q.Timestamp.IsZero() {
		return true
	}
	return now.Sub(q.Timestamp) > window
}

// Float returns the quote price as a float64.
func (q PriceQuote) Float() float64 {
	return scalePrice(q.Price, q.Decimals)
}

func scalePrice(v uint64, decimals uint8) float64 {
	return float64(v) / math.Pow10(int(decimals))
}
