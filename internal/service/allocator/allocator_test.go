package allocator

import (
	"testing"

	"github.com/krobus00/market-maker-service/internal/config"
	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOperationalBalance(t *testing.T) {
	provider := NewConfigShareProvider([]config.WorkerConfig{
		{
			ID: "worker-1",
			Shares: map[string]decimal.Decimal{
				"USDT": decimal.RequireFromString("0.1"),
				"ETH":  decimal.RequireFromString("0.5"),
			},
		},
		{ID: "worker-2"},
	})
	balanceAllocator := NewBalanceAllocator(provider)

	balances := entity.AccountBalances{
		"USDT": decimal.RequireFromString("1000"),
		"ETH":  decimal.RequireFromString("4"),
	}

	got := balanceAllocator.OperationalBalance("worker-1", "USDT", balances)
	assert.True(t, got.Equal(decimal.RequireFromString("100")), "got %s", got)

	got = balanceAllocator.OperationalBalance("worker-1", "ETH", balances)
	assert.True(t, got.Equal(decimal.RequireFromString("2")), "got %s", got)

	// no share configured, whole balance is available
	got = balanceAllocator.OperationalBalance("worker-2", "USDT", balances)
	assert.True(t, got.Equal(decimal.RequireFromString("1000")))

	// unknown worker defaults the same way
	got = balanceAllocator.OperationalBalance("worker-3", "ETH", balances)
	assert.True(t, got.Equal(decimal.RequireFromString("4")))

	// unknown asset yields zero
	got = balanceAllocator.OperationalBalance("worker-1", "BTC", balances)
	assert.True(t, got.IsZero())
}
