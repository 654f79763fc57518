package ledger

import (
	"context"
	"errors"

	"github.com/guregu/null/v6"
	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	// ErrLedgerInconsistency marks a live order with no matching ledger
	// entry. Such orders are treated as externally placed and left alone.
	ErrLedgerInconsistency = errors.New("live order has no ledger entry")
)

// Store is the persistence surface the ledger needs; implemented by
// repository.OrderRepository against postgres and by fakes in tests.
type Store interface {
	Create(ctx context.Context, order *entity.GridOrder) error
	Update(ctx context.Context, order *entity.GridOrder) error
	Delete(ctx context.Context, id string) error
	DeleteByExchangeOrderID(ctx context.Context, workerID string, exchangeOrderID string) error
	ListByWorker(ctx context.Context, workerID string) ([]entity.GridOrder, error)
}

// Diff is the outcome of one reconciliation pass.
type Diff struct {
	// ToPlace are planned levels with no live counterpart. Virtual levels
	// never appear here; they wait in the ledger until promoted.
	ToPlace []entity.Order
	// ToCancel are ledgered live orders absent from the new plan.
	ToCancel []entity.GridOrder
	// Foreign are live orders unknown to the ledger, surfaced but untouched.
	Foreign []entity.Order
}

// Ledger owns the persisted order record of exactly one worker.
type Ledger struct {
	workerID string
	// tolerance is the relative price band for matching a live order to a
	// planned level, e.g. 0.005 matches within ±0.5% of the planned price.
	tolerance decimal.Decimal
	store     Store
}

func New(workerID string, tolerance decimal.Decimal, store Store) *Ledger {
	return &Ledger{
		workerID:  workerID,
		tolerance: tolerance,
		store:     store,
	}
}

func (l *Ledger) WorkerID() string {
	return l.workerID
}

// Entries returns the worker's current ledger rows.
func (l *Ledger) Entries(ctx context.Context) ([]entity.GridOrder, error) {
	return l.store.ListByWorker(ctx, l.workerID)
}

// Reconcile matches the planned ladder against the live order snapshot.
// A live order matches a planned level of the same side when their custom
// tags are equal, or when the live price sits inside the tolerance band
// around the planned price; among candidate levels the nearest price wins,
// and an exact tie goes to the lower ladder index (the plan's order).
// Feeding the plan back as the live set yields an empty diff.
func (l *Ledger) Reconcile(ctx context.Context, planned []entity.Order, live []entity.Order) (Diff, error) {
	entries, err := l.store.ListByWorker(ctx, l.workerID)
	if err != nil {
		return Diff{}, err
	}

	entryByExchangeID := make(map[string]entity.GridOrder, len(entries))
	for _, entry := range entries {
		if entry.OrderID.Valid {
			entryByExchangeID[entry.OrderID.String] = entry
		}
	}

	diff := Diff{}
	plannedMatched := make([]bool, len(planned))

	for _, liveOrder := range live {
		owned := true
		var entry entity.GridOrder
		if liveOrder.OrderID.Valid {
			entry, owned = entryByExchangeID[liveOrder.OrderID.String]
		} else {
			owned = false
		}

		if !owned {
			logrus.WithFields(logrus.Fields{
				"worker_id": l.workerID,
				"order_id":  liveOrder.OrderID.String,
				"side":      liveOrder.Side,
				"price":     liveOrder.Price.String(),
			}).Warnf("%v; leaving order untouched", ErrLedgerInconsistency)
			diff.Foreign = append(diff.Foreign, liveOrder)
			continue
		}

		// The ledger entry's ladder tag is authoritative; the exchange
		// overwrites the client order id with its own generated value.
		liveOrder.Custom = entry.Custom

		matchIdx := l.matchPlannedLevel(planned, plannedMatched, liveOrder)
		if matchIdx < 0 {
			diff.ToCancel = append(diff.ToCancel, entry)
			continue
		}

		plannedMatched[matchIdx] = true
	}

	for idx, level := range planned {
		if plannedMatched[idx] || level.Virtual {
			continue
		}
		diff.ToPlace = append(diff.ToPlace, level)
	}

	if err := l.syncVirtualEntries(ctx, planned, entries); err != nil {
		return Diff{}, err
	}

	return diff, nil
}

// matchPlannedLevel returns the index of the unmatched planned level the
// live order belongs to, or -1. Iteration order makes ties favor the lower
// ladder index.
func (l *Ledger) matchPlannedLevel(planned []entity.Order, taken []bool, liveOrder entity.Order) int {
	bestIdx := -1
	var bestDistance decimal.Decimal

	for idx, level := range planned {
		if taken[idx] || level.Side != liveOrder.Side {
			continue
		}

		if level.Custom.Valid && liveOrder.Custom.Valid {
			if level.Custom.String == liveOrder.Custom.String {
				return idx
			}
			continue
		}

		band := level.Price.Mul(l.tolerance)
		if !level.SamePricedAs(liveOrder, band) {
			continue
		}
		distance := level.Price.Sub(liveOrder.Price).Abs()

		if bestIdx == -1 || distance.LessThan(bestDistance) {
			bestIdx = idx
			bestDistance = distance
		}
	}

	return bestIdx
}

// syncVirtualEntries keeps one ledger placeholder per virtual planned level
// and drops placeholders whose level left the plan.
func (l *Ledger) syncVirtualEntries(ctx context.Context, planned []entity.Order, entries []entity.GridOrder) error {
	virtualByTag := make(map[string]entity.GridOrder)
	for _, entry := range entries {
		if entry.Virtual && entry.Custom.Valid {
			virtualByTag[entry.Custom.String] = entry
		}
	}

	plannedVirtualTags := make(map[string]struct{})
	for _, level := range planned {
		if !level.Virtual || !level.Custom.Valid {
			continue
		}
		plannedVirtualTags[level.Custom.String] = struct{}{}

		if _, exists := virtualByTag[level.Custom.String]; exists {
			continue
		}

		row := entity.GridOrder{
			WorkerID: l.workerID,
			Side:     level.Side,
			Price:    level.Price,
			Amount:   level.Amount,
			Virtual:  true,
			Custom:   level.Custom,
		}
		if err := l.store.Create(ctx, &row); err != nil {
			return err
		}
	}

	for tag, entry := range virtualByTag {
		if _, stillPlanned := plannedVirtualTags[tag]; stillPlanned {
			continue
		}
		if err := l.store.Delete(ctx, entry.ID); err != nil {
			return err
		}
	}

	return nil
}

// RecordPlaced writes a successfully placed order to the ledger. A virtual
// placeholder with the same ladder tag is promoted to real by assigning the
// exchange order id; otherwise a new row is appended.
func (l *Ledger) RecordPlaced(ctx context.Context, level entity.Order, exchangeOrderID string) error {
	entries, err := l.store.ListByWorker(ctx, l.workerID)
	if err != nil {
		return err
	}

	if level.Custom.Valid {
		for _, entry := range entries {
			if entry.Virtual && entry.Custom.Valid && entry.Custom.String == level.Custom.String {
				entry.OrderID = null.StringFrom(exchangeOrderID)
				entry.Virtual = false
				entry.Price = level.Price
				entry.Amount = level.Amount
				return l.store.Update(ctx, &entry)
			}
		}
	}

	row := entity.GridOrder{
		WorkerID: l.workerID,
		OrderID:  null.StringFrom(exchangeOrderID),
		Side:     level.Side,
		Price:    level.Price,
		Amount:   level.Amount,
		Virtual:  false,
		Custom:   level.Custom,
	}

	return l.store.Create(ctx, &row)
}

// RemoveCancelled deletes a ledger row after its order left the book.
func (l *Ledger) RemoveCancelled(ctx context.Context, entry entity.GridOrder) error {
	return l.store.Delete(ctx, entry.ID)
}

// RemoveFilled drops the ledger row of a fully filled exchange order.
// Unknown order ids are a no-op; the fill may belong to an order already
// reconciled away.
func (l *Ledger) RemoveFilled(ctx context.Context, exchangeOrderID string) error {
	return l.store.DeleteByExchangeOrderID(ctx, l.workerID, exchangeOrderID)
}
