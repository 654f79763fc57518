package entity

import (
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Order is one ladder level, planned or observed on the exchange. A virtual
// order is a planned level that has not been submitted yet because its
// funding depends on earlier levels filling; it carries no exchange order id.
type Order struct {
	OrderID null.String
	Side    OrderSide
	Price   decimal.Decimal
	Amount  decimal.Decimal
	Virtual bool
	Custom  null.String
}

// SamePricedAs reports whether the other order sits within the given
// tolerance band around this order's price.
func (o Order) SamePricedAs(other Order, tolerance decimal.Decimal) bool {
	if o.Side != other.Side {
		return false
	}

	return o.Price.Sub(other.Price).Abs().LessThanOrEqual(tolerance)
}

// GridOrder is the persisted ledger row for an order owned by a worker.
type GridOrder struct {
	ID        string          `db:"id" json:"id"`
	WorkerID  string          `db:"worker_id" json:"worker_id"`
	OrderID   null.String     `db:"order_id" json:"order_id"`
	Side      OrderSide       `db:"side" json:"side"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Virtual   bool            `db:"virtual" json:"virtual"`
	Custom    null.String     `db:"custom" json:"custom"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

func (o GridOrder) TableName() string {
	return "orders"
}

// AsOrder maps the ledger row back to the in-memory order shape used by
// planning and reconciliation.
func (o GridOrder) AsOrder() Order {
	return Order{
		OrderID: o.OrderID,
		Side:    o.Side,
		Price:   o.Price,
		Amount:  o.Amount,
		Virtual: o.Virtual,
		Custom:  o.Custom,
	}
}
