package allocator

import (
	"github.com/krobus00/market-maker-service/internal/config"
	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/shopspring/decimal"
)

// ShareProvider supplies the balance fraction a worker may use for an asset.
// Alternate share policies are injected through this interface instead of
// swapping methods at runtime.
type ShareProvider interface {
	ShareForAsset(workerID, asset string) (decimal.Decimal, bool)
}

// ConfigShareProvider reads worker shares from the static configuration.
type ConfigShareProvider struct {
	shares map[string]map[string]entity.WorkerShare
}

func NewConfigShareProvider(workers []config.WorkerConfig) *ConfigShareProvider {
	shares := make(map[string]map[string]entity.WorkerShare, len(workers))
	for _, worker := range workers {
		if len(worker.Shares) == 0 {
			continue
		}

		assetShares := make(map[string]entity.WorkerShare, len(worker.Shares))
		for asset, fraction := range worker.Shares {
			assetShares[asset] = entity.WorkerShare{
				WorkerID: worker.ID,
				Asset:    asset,
				Fraction: fraction,
			}
		}
		shares[worker.ID] = assetShares
	}

	return &ConfigShareProvider{shares: shares}
}

func (p *ConfigShareProvider) ShareForAsset(workerID, asset string) (decimal.Decimal, bool) {
	assetShares, ok := p.shares[workerID]
	if !ok {
		return decimal.Zero, false
	}

	share, ok := assetShares[asset]
	return share.Fraction, ok
}

// BalanceAllocator splits the shared account balance among workers. It never
// mutates balances; spending happens only through the order engine.
type BalanceAllocator struct {
	provider ShareProvider
}

func NewBalanceAllocator(provider ShareProvider) *BalanceAllocator {
	return &BalanceAllocator{provider: provider}
}

// OperationalBalance returns the portion of the account balance the worker
// may plan against. With no configured share the worker gets the whole
// balance (single-worker default). The sum-of-shares invariant is enforced
// at configuration time, not here.
func (a *BalanceAllocator) OperationalBalance(workerID, asset string, balances entity.AccountBalances) decimal.Decimal {
	total := balances.Get(asset)

	if a.provider == nil {
		return total
	}

	fraction, ok := a.provider.ShareForAsset(workerID, asset)
	if !ok {
		return total
	}

	return total.Mul(fraction)
}
