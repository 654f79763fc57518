package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/krobus00/market-maker-service/internal/service/allocator"
	"github.com/krobus00/market-maker-service/internal/service/grid"
	"github.com/krobus00/market-maker-service/internal/service/ledger"
	"github.com/krobus00/market-maker-service/internal/service/orderengine"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseFetchingPrice Phase = "FETCHING_PRICE"
	PhaseComputingGrid Phase = "COMPUTING_GRID"
	PhaseReconciling   Phase = "RECONCILING"
	PhaseExecuting     Phase = "EXECUTING"
)

var (
	// ErrCycleSkipped: another cycle holds the worker lock or the previous
	// run is too recent. Not a failure; the next tick tries again.
	ErrCycleSkipped = errors.New("maintenance cycle skipped")
)

const (
	defaultInterval      = 1 * time.Minute
	defaultMinSpacing    = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryBaseWait = 500 * time.Millisecond
	defaultLockTTL       = 2 * time.Minute
)

// PriceSource yields the aggregated center price; satisfied by
// pricefeed.Aggregator.
type PriceSource interface {
	CenterPrice(ctx context.Context) (entity.CenterPrice, error)
}

type Config struct {
	WorkerID      string
	Interval      time.Duration
	MinSpacing    time.Duration
	MaxRetries    int
	RetryBaseWait time.Duration
	LockTTL       time.Duration
}

// Controller runs the maintenance cycle of one worker:
// Idle → FetchingPrice → ComputingGrid → Reconciling → Executing → Idle.
// A cycle never leaves partial grid changes behind a failed price fetch,
// and always returns to Idle regardless of partial execution failures.
type Controller struct {
	cfg       Config
	market    entity.Market
	prices    PriceSource
	allocator *allocator.BalanceAllocator
	planner   *grid.Planner
	ledger    *ledger.Ledger
	engine    orderengine.OrderEngine
	recorder  RunRecorder

	kick chan struct{}

	mu        sync.RWMutex
	phase     Phase
	lastStart time.Time
	lastRun   RunRecord
}

func NewController(
	cfg Config,
	market entity.Market,
	prices PriceSource,
	balanceAllocator *allocator.BalanceAllocator,
	planner *grid.Planner,
	orderLedger *ledger.Ledger,
	engine orderengine.OrderEngine,
	recorder RunRecorder,
) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = defaultMinSpacing
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = defaultRetryBaseWait
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}

	return &Controller{
		cfg:       cfg,
		market:    market,
		prices:    prices,
		allocator: balanceAllocator,
		planner:   planner,
		ledger:    orderLedger,
		engine:    engine,
		recorder:  recorder,
		kick:      make(chan struct{}, 1),
		phase:     PhaseIdle,
	}
}

// Run ticks at the configured interval and also wakes on fill notifications
// until the context is cancelled. Cycle errors are logged, never fatal.
func (c *Controller) Run(ctx context.Context) {
	c.restoreLastRun(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}

		if err := c.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleSkipped) {
			logrus.WithFields(logrus.Fields{
				"worker_id": c.cfg.WorkerID,
			}).Warnf("maintenance cycle failed: %v", err)
		}
	}
}

// restoreLastRun seeds the spacing guard from the persisted record so a
// restarted process does not immediately re-run maintenance.
func (c *Controller) restoreLastRun(ctx context.Context) {
	if c.recorder == nil {
		return
	}

	record, found, err := c.recorder.LastRun(ctx, c.cfg.WorkerID)
	if err != nil {
		logrus.Warnf("failed to load last maintenance record: %v", err)
		return
	}
	if !found {
		return
	}

	c.mu.Lock()
	c.lastStart = record.StartedAt
	c.lastRun = record
	c.mu.Unlock()
}

// Kick requests an out-of-schedule cycle, e.g. after a fill notification.
// Coalesces with an already pending kick.
func (c *Controller) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// RunCycle executes one maintenance pass.
func (c *Controller) RunCycle(ctx context.Context) error {
	c.mu.RLock()
	sinceLast := time.Since(c.lastStart)
	c.mu.RUnlock()

	// Exchange rate limits cap how often maintenance may run.
	if sinceLast < c.cfg.MinSpacing {
		return ErrCycleSkipped
	}

	if c.recorder != nil {
		owner := uuid.NewString()
		acquired, err := c.recorder.AcquireLock(ctx, c.cfg.WorkerID, c.cfg.LockTTL, owner)
		if err != nil {
			return err
		}
		if !acquired {
			logrus.WithField("worker_id", c.cfg.WorkerID).Debug("maintenance lock held elsewhere")
			return ErrCycleSkipped
		}
		defer func() {
			if err := c.recorder.ReleaseLock(context.WithoutCancel(ctx), c.cfg.WorkerID, owner); err != nil {
				logrus.Warnf("failed to release maintenance lock: %v", err)
			}
		}()
	}

	startedAt := time.Now().UTC()
	c.mu.Lock()
	c.lastStart = startedAt
	c.mu.Unlock()

	record := RunRecord{WorkerID: c.cfg.WorkerID, StartedAt: startedAt}
	err := c.runPhases(ctx, &record)

	record.Duration = time.Since(startedAt)
	record.Succeeded = err == nil
	if err != nil {
		record.Cause = err.Error()
	}
	c.logMaintenanceTime(ctx, record)
	c.setPhase(PhaseIdle)

	return err
}

func (c *Controller) runPhases(ctx context.Context, record *RunRecord) error {
	logger := logrus.WithField("worker_id", c.cfg.WorkerID)

	c.setPhase(PhaseFetchingPrice)
	center, err := c.prices.CenterPrice(ctx)
	if err != nil {
		// No partial grid changes on a missing price; retried next tick.
		return err
	}

	c.setPhase(PhaseComputingGrid)
	balances, err := c.engine.Balances(ctx)
	if err != nil {
		return err
	}

	operationalBase := c.allocator.OperationalBalance(c.cfg.WorkerID, c.market.Base.Symbol, balances)
	operationalQuote := c.allocator.OperationalBalance(c.cfg.WorkerID, c.market.Quote.Symbol, balances)

	planned := c.planner.Plan(center.Value, operationalBase, operationalQuote)

	logger.WithFields(logrus.Fields{
		"center_price":      center.Value.String(),
		"operational_base":  operationalBase.String(),
		"operational_quote": operationalQuote.String(),
		"planned_levels":    len(planned),
	}).Debug("ladder planned")

	c.setPhase(PhaseReconciling)
	live, err := c.engine.ListOpenOrders(ctx)
	if err != nil {
		return err
	}

	diff, err := c.ledger.Reconcile(ctx, planned, live)
	if err != nil {
		return err
	}

	c.setPhase(PhaseExecuting)
	c.execute(ctx, diff, record)

	return nil
}

// execute issues every cancel before the first place so cancelled orders
// free balance for new ones. Individual failures are reported and skipped;
// the rest of the batch continues.
func (c *Controller) execute(ctx context.Context, diff ledger.Diff, record *RunRecord) {
	logger := logrus.WithField("worker_id", c.cfg.WorkerID)

	for _, entry := range diff.ToCancel {
		entry := entry
		err := c.withRetry(ctx, func(ctx context.Context) error {
			return c.engine.CancelOrder(ctx, entry.OrderID.String)
		})
		if err != nil && !errors.Is(err, orderengine.ErrOrderNotFound) {
			logger.Warnf("cancel failed for order %s: %v", entry.OrderID.String, err)
			continue
		}

		if err := c.ledger.RemoveCancelled(ctx, entry); err != nil {
			logger.Errorf("failed to remove cancelled order from ledger: %v", err)
			continue
		}
		record.Cancelled++
	}

	// Two workers may have planned against the same pre-cycle snapshot;
	// a fresh read keeps this cycle from spending balance the other one
	// already committed.
	remainingBase, remainingQuote, balanceKnown := c.refreshOperationalBalances(ctx)

	for _, level := range diff.ToPlace {
		level := level

		if balanceKnown {
			if level.Side == entity.OrderSideBuy {
				cost := level.Price.Mul(level.Amount)
				if cost.GreaterThan(remainingQuote) {
					logger.WithField("custom", level.Custom.String).Debug("level left for next cycle, quote balance exhausted")
					continue
				}
				remainingQuote = remainingQuote.Sub(cost)
			} else {
				if level.Amount.GreaterThan(remainingBase) {
					logger.WithField("custom", level.Custom.String).Debug("level left for next cycle, base balance exhausted")
					continue
				}
				remainingBase = remainingBase.Sub(level.Amount)
			}
		}

		var orderID string
		err := c.withRetry(ctx, func(ctx context.Context) error {
			placedID, placeErr := c.engine.PlaceOrder(ctx, level.Side, level.Price, level.Amount)
			if placeErr != nil {
				return placeErr
			}
			orderID = placedID
			return nil
		})

		switch {
		case err == nil:
		case errors.Is(err, orderengine.ErrInsufficientBalance):
			// Expected under shared accounts; retried next cycle.
			logger.Warnf("place skipped, insufficient balance: side=%s price=%s", level.Side, level.Price.String())
			continue
		case errors.Is(err, orderengine.ErrRejectedByExchange):
			logger.Errorf("order rejected by exchange, dropping level (check precision config): side=%s price=%s amount=%s: %v",
				level.Side, level.Price.String(), level.Amount.String(), err)
			continue
		default:
			logger.Warnf("place failed: side=%s price=%s: %v", level.Side, level.Price.String(), err)
			continue
		}

		if err := c.ledger.RecordPlaced(ctx, level, orderID); err != nil {
			logger.Errorf("failed to record placed order %s in ledger: %v", orderID, err)
			continue
		}
		record.Placed++
	}
}

func (c *Controller) refreshOperationalBalances(ctx context.Context) (base, quote decimal.Decimal, known bool) {
	balances, err := c.engine.Balances(ctx)
	if err != nil {
		logrus.Warnf("balance refresh failed, placing against planned sizes only: %v", err)
		return base, quote, false
	}

	base = c.allocator.OperationalBalance(c.cfg.WorkerID, c.market.Base.Symbol, balances)
	quote = c.allocator.OperationalBalance(c.cfg.WorkerID, c.market.Quote.Symbol, balances)

	return base, quote, true
}

// withRetry retries transient engine errors with exponential backoff up to
// the configured bound. Taxonomy errors are permanent.
func (c *Controller) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxRetries), retry.NewExponential(c.cfg.RetryBaseWait))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, orderengine.ErrInsufficientBalance) ||
			errors.Is(err, orderengine.ErrRejectedByExchange) ||
			errors.Is(err, orderengine.ErrOrderNotFound) {
			return err
		}

		return retry.RetryableError(err)
	})
}

func (c *Controller) setPhase(phase Phase) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"worker_id": c.cfg.WorkerID,
		"phase":     phase,
	}).Trace("maintenance phase")
}

// logMaintenanceTime records the cycle's wall-clock duration and last-run
// timestamp for observability and drift detection.
func (c *Controller) logMaintenanceTime(ctx context.Context, record RunRecord) {
	c.mu.Lock()
	c.lastRun = record
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"worker_id":   record.WorkerID,
		"started_at":  record.StartedAt.Format(time.RFC3339),
		"duration_ms": record.Duration.Milliseconds(),
		"succeeded":   record.Succeeded,
		"placed":      record.Placed,
		"cancelled":   record.Cancelled,
	}).Info("maintenance cycle finished")

	if c.recorder == nil {
		return
	}

	if err := c.recorder.RecordRun(context.WithoutCancel(ctx), record); err != nil {
		logrus.Warnf("failed to persist maintenance record: %v", err)
	}
}

// Status reports the controller state for the ops status endpoint.
func (c *Controller) Status() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := map[string]any{
		"worker_id": c.cfg.WorkerID,
		"phase":     string(c.phase),
	}

	if !c.lastRun.StartedAt.IsZero() {
		status["last_run_at"] = c.lastRun.StartedAt.Format(time.RFC3339)
		status["last_run_duration_ms"] = c.lastRun.Duration.Milliseconds()
		status["last_run_succeeded"] = c.lastRun.Succeeded
		if c.lastRun.Cause != "" {
			status["last_run_cause"] = c.lastRun.Cause
		}
	}

	return status
}

// Set groups the controllers of one process for the ops server.
type Set []*Controller

func (s Set) Status() map[string]any {
	workers := make([]map[string]any, 0, len(s))
	for _, controller := range s {
		workers = append(workers, controller.Status())
	}

	return map[string]any{"workers": workers}
}
