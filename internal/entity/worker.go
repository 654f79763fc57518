package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// WorkerShare is the fraction of the shared account balance a worker may use
// for one asset. Fraction is in (0, 1]; per-asset fractions across workers
// sharing an account must sum to at most 1, enforced at configuration time.
type WorkerShare struct {
	WorkerID string
	Asset    string
	Fraction decimal.Decimal
}

// AccountBalances maps asset symbol to free balance on the exchange account.
type AccountBalances map[string]decimal.Decimal

func (b AccountBalances) Get(asset string) decimal.Decimal {
	amount, ok := b[asset]
	if !ok {
		return decimal.Zero
	}

	return amount
}

// FillEvent announces that one of a worker's orders was (partially) filled.
// Consumed from the order_fills stream to trigger an out-of-schedule
// maintenance cycle.
type FillEvent struct {
	WorkerID string          `json:"worker_id"`
	OrderID  string          `json:"order_id"`
	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	FilledAt time.Time       `json:"filled_at"`
}

type FillEventEnvelope struct {
	RetryCount int       `json:"retry"`
	Data       FillEvent `json:"data"`
}
