package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/guregu/null/v6"
	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	rows   map[string]entity.GridOrder
	nextID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]entity.GridOrder)}
}

func (f *fakeStore) Create(_ context.Context, order *entity.GridOrder) error {
	if order.ID == "" {
		f.nextID++
		order.ID = fmt.Sprintf("row-%d", f.nextID)
	}
	f.rows[order.ID] = *order
	return nil
}

func (f *fakeStore) Update(_ context.Context, order *entity.GridOrder) error {
	if _, ok := f.rows[order.ID]; !ok {
		return fmt.Errorf("row %s not found", order.ID)
	}
	f.rows[order.ID] = *order
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	delete(f.rows, id)
	return nil
}

func (f *fakeStore) DeleteByExchangeOrderID(_ context.Context, workerID string, exchangeOrderID string) error {
	for id, row := range f.rows {
		if row.WorkerID == workerID && row.OrderID.Valid && row.OrderID.String == exchangeOrderID {
			delete(f.rows, id)
		}
	}
	return nil
}

func (f *fakeStore) ListByWorker(_ context.Context, workerID string) ([]entity.GridOrder, error) {
	out := make([]entity.GridOrder, 0, len(f.rows))
	for _, row := range f.rows {
		if row.WorkerID == workerID {
			out = append(out, row)
		}
	}
	return out, nil
}

func plannedOrder(side entity.OrderSide, price string, tag string) entity.Order {
	return entity.Order{
		Side:   side,
		Price:  decimal.RequireFromString(price),
		Amount: decimal.RequireFromString("1"),
		Custom: null.StringFrom(tag),
	}
}

func liveOrder(orderID string, side entity.OrderSide, price string, tag string) entity.Order {
	order := entity.Order{
		Side:   side,
		Price:  decimal.RequireFromString(price),
		Amount: decimal.RequireFromString("1"),
	}
	order.OrderID = null.StringFrom(orderID)
	if tag != "" {
		order.Custom = null.StringFrom(tag)
	}
	return order
}

func TestReconcileRoundTripIsEmpty(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	workerLedger := New("worker-1", decimal.RequireFromString("0.001"), store)

	planned := []entity.Order{
		plannedOrder(entity.OrderSideBuy, "99", "B0"),
		plannedOrder(entity.OrderSideSell, "101", "S0"),
	}

	// Place the whole plan, then feed the ledger's own view back as the
	// live snapshot.
	for idx, level := range planned {
		require.NoError(t, workerLedger.RecordPlaced(ctx, level, fmt.Sprintf("ex-%d", idx)))
	}

	entries, err := workerLedger.Entries(ctx)
	require.NoError(t, err)

	live := make([]entity.Order, 0, len(entries))
	for _, entry := range entries {
		live = append(live, entry.AsOrder())
	}

	diff, err := workerLedger.Reconcile(ctx, planned, live)
	require.NoError(t, err)
	assert.Empty(t, diff.ToPlace)
	assert.Empty(t, diff.ToCancel)
	assert.Empty(t, diff.Foreign)
}

func TestReconcileUnmatchedPlannedGoesToPlace(t *testing.T) {
	ctx := context.Background()
	workerLedger := New("worker-1", decimal.RequireFromString("0.001"), newFakeStore())

	planned := []entity.Order{
		plannedOrder(entity.OrderSideBuy, "99", "B0"),
		plannedOrder(entity.OrderSideBuy, "98", "B1"),
	}

	diff, err := workerLedger.Reconcile(ctx, planned, nil)
	require.NoError(t, err)
	require.Len(t, diff.ToPlace, 2)
	assert.Empty(t, diff.ToCancel)
}

func TestReconcileStaleLiveGoesToCancel(t *testing.T) {
	ctx := context.Background()
	workerLedger := New("worker-1", decimal.RequireFromString("0.001"), newFakeStore())

	stale := plannedOrder(entity.OrderSideBuy, "80", "B5")
	require.NoError(t, workerLedger.RecordPlaced(ctx, stale, "ex-stale"))

	planned := []entity.Order{
		plannedOrder(entity.OrderSideBuy, "99", "B0"),
	}
	live := []entity.Order{
		liveOrder("ex-stale", entity.OrderSideBuy, "80", "B5"),
	}

	diff, err := workerLedger.Reconcile(ctx, planned, live)
	require.NoError(t, err)
	require.Len(t, diff.ToCancel, 1)
	assert.Equal(t, "ex-stale", diff.ToCancel[0].OrderID.String)
	require.Len(t, diff.ToPlace, 1)
	assert.Equal(t, "B0", diff.ToPlace[0].Custom.String)
}

func TestReconcileForeignOrderIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	workerLedger := New("worker-1", decimal.RequireFromString("0.001"), newFakeStore())

	live := []entity.Order{
		liveOrder("manual-42", entity.OrderSideSell, "105", ""),
	}

	diff, err := workerLedger.Reconcile(ctx, nil, live)
	require.NoError(t, err)
	require.Len(t, diff.Foreign, 1)
	assert.Equal(t, "manual-42", diff.Foreign[0].OrderID.String)
	assert.Empty(t, diff.ToCancel, "foreign orders must never be cancelled")
}

func TestReconcileIgnoresExchangeAssignedClientOrderID(t *testing.T) {
	ctx := context.Background()
	workerLedger := New("worker-1", decimal.RequireFromString("0.001"), newFakeStore())

	level := plannedOrder(entity.OrderSideBuy, "99", "B0")
	require.NoError(t, workerLedger.RecordPlaced(ctx, level, "ex-1"))

	// The exchange reports its own generated client order id, not the
	// ladder tag the order was placed with.
	live := liveOrder("ex-1", entity.OrderSideBuy, "99", "web_abc123autogenerated")

	diff, err := workerLedger.Reconcile(ctx, []entity.Order{level}, []entity.Order{live})
	require.NoError(t, err)
	assert.Empty(t, diff.ToPlace, "an unchanged level must not be re-placed")
	assert.Empty(t, diff.ToCancel, "an unchanged order must not be cancelled")
	assert.Empty(t, diff.Foreign)
}

func TestReconcileMatchesByPriceTolerance(t *testing.T) {
	ctx := context.Background()
	workerLedger := New("worker-1", decimal.RequireFromString("0.01"), newFakeStore())

	level := plannedOrder(entity.OrderSideBuy, "100", "B0")
	require.NoError(t, workerLedger.RecordPlaced(ctx, level, "ex-1"))

	// Live order drifted slightly and lost its tag, still within ±1%.
	planned := []entity.Order{plannedOrder(entity.OrderSideBuy, "100", "B0")}
	drifted := liveOrder("ex-1", entity.OrderSideBuy, "100.5", "")

	diff, err := workerLedger.Reconcile(ctx, planned, []entity.Order{drifted})
	require.NoError(t, err)
	assert.Empty(t, diff.ToPlace)
	assert.Empty(t, diff.ToCancel)
}

func TestReconcileNearestLevelWins(t *testing.T) {
	ctx := context.Background()
	workerLedger := New("worker-1", decimal.RequireFromString("0.05"), newFakeStore())

	require.NoError(t, workerLedger.RecordPlaced(ctx,
		plannedOrder(entity.OrderSideBuy, "98", "old"), "ex-1"))

	planned := []entity.Order{
		plannedOrder(entity.OrderSideBuy, "100", "B0"),
		plannedOrder(entity.OrderSideBuy, "98", "B1"),
	}
	planned[0].Custom = null.String{}
	planned[1].Custom = null.String{}

	// Both levels are inside the wide band; 98 is the nearer one.
	live := liveOrder("ex-1", entity.OrderSideBuy, "98.2", "")

	diff, err := workerLedger.Reconcile(ctx, planned, []entity.Order{live})
	require.NoError(t, err)
	require.Len(t, diff.ToPlace, 1)
	assert.True(t, diff.ToPlace[0].Price.Equal(decimal.RequireFromString("100")),
		"the far level should remain unmatched, got %s", diff.ToPlace[0].Price)
}

func TestReconcileVirtualLevelsNeverPlaced(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	workerLedger := New("worker-1", decimal.RequireFromString("0.001"), store)

	virtualLevel := plannedOrder(entity.OrderSideBuy, "95", "B3")
	virtualLevel.Virtual = true

	planned := []entity.Order{
		plannedOrder(entity.OrderSideBuy, "99", "B0"),
		virtualLevel,
	}

	diff, err := workerLedger.Reconcile(ctx, planned, nil)
	require.NoError(t, err)
	require.Len(t, diff.ToPlace, 1)
	assert.Equal(t, "B0", diff.ToPlace[0].Custom.String)

	// The virtual level got a ledger placeholder without an exchange id.
	entries, err := workerLedger.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Virtual)
	assert.False(t, entries[0].OrderID.Valid)
}

func TestReconcileDropsStaleVirtualPlaceholders(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	workerLedger := New("worker-1", decimal.RequireFromString("0.001"), store)

	virtualLevel := plannedOrder(entity.OrderSideBuy, "95", "B3")
	virtualLevel.Virtual = true

	_, err := workerLedger.Reconcile(ctx, []entity.Order{virtualLevel}, nil)
	require.NoError(t, err)

	entries, err := workerLedger.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// The level left the plan, its placeholder goes with it.
	_, err = workerLedger.Reconcile(ctx, nil, nil)
	require.NoError(t, err)

	entries, err = workerLedger.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordPlacedPromotesVirtualPlaceholder(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	workerLedger := New("worker-1", decimal.RequireFromString("0.001"), store)

	virtualLevel := plannedOrder(entity.OrderSideBuy, "95", "B3")
	virtualLevel.Virtual = true

	_, err := workerLedger.Reconcile(ctx, []entity.Order{virtualLevel}, nil)
	require.NoError(t, err)

	promoted := plannedOrder(entity.OrderSideBuy, "95", "B3")
	require.NoError(t, workerLedger.RecordPlaced(ctx, promoted, "ex-9"))

	entries, err := workerLedger.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1, "promotion must reuse the placeholder row")
	assert.False(t, entries[0].Virtual)
	assert.Equal(t, "ex-9", entries[0].OrderID.String)
}

func TestRemoveFilled(t *testing.T) {
	ctx := context.Background()
	workerLedger := New("worker-1", decimal.RequireFromString("0.001"), newFakeStore())

	require.NoError(t, workerLedger.RecordPlaced(ctx,
		plannedOrder(entity.OrderSideSell, "101", "S0"), "ex-7"))

	require.NoError(t, workerLedger.RemoveFilled(ctx, "ex-7"))

	entries, err := workerLedger.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// removing an unknown order id is a no-op
	assert.NoError(t, workerLedger.RemoveFilled(ctx, "ex-7"))
}
