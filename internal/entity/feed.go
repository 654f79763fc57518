package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote is one source's answer for the current market price. It lives
// for a single maintenance cycle and is never persisted. A failed fetch is
// recorded as a quote with Err set.
type PriceQuote struct {
	Source string
	Price  decimal.Decimal
	Volume decimal.Decimal
	At     time.Time
	Err    error
}

func (q PriceQuote) Failed() bool {
	return q.Err != nil
}

// CenterPrice is the aggregated reference price the ladder is built around.
type CenterPrice struct {
	Value      decimal.Decimal
	Sources    []string
	ComputedAt time.Time
}
