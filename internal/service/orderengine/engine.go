package orderengine

import (
	"context"
	"errors"

	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance: the exchange refused the order for lack of
	// funds. Expected under concurrent workers; the level retries next cycle.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrRejectedByExchange: malformed or precision-violating order. Not
	// retried, retrying would repeat the same failure.
	ErrRejectedByExchange = errors.New("order rejected by exchange")
	// ErrOrderNotFound: cancel target is already gone.
	ErrOrderNotFound = errors.New("order not found")
)

// OrderEngine executes order commands against the exchange. The maintenance
// controller treats it as an opaque collaborator.
type OrderEngine interface {
	// PlaceOrder submits a limit order and returns the exchange order id.
	PlaceOrder(ctx context.Context, side entity.OrderSide, price, amount decimal.Decimal) (string, error)
	// CancelOrder removes an open order by exchange order id.
	CancelOrder(ctx context.Context, orderID string) error
	// ListOpenOrders snapshots the account's open orders on the market.
	ListOpenOrders(ctx context.Context) ([]entity.Order, error)
	// Balances returns free balances per asset for the shared account.
	Balances(ctx context.Context) (entity.AccountBalances, error)
}
