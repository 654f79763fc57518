package pricefeed

import (
	"context"
	"errors"
	"time"

	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

var (
	// ErrFeedUnavailable is returned when a source failed and failures are
	// not suppressed. The cycle retries at its next tick.
	ErrFeedUnavailable = errors.New("price feed unavailable")
	// ErrNoReliableFeed is returned when every source failed.
	ErrNoReliableFeed = errors.New("no reliable price feed")
)

const defaultFetchTimeout = 10 * time.Second

// Aggregator combines independent, unreliable price sources into one center
// price per maintenance cycle.
type Aggregator struct {
	sources        []Source
	weights        map[string]decimal.Decimal
	suppressErrors bool
	fetchTimeout   time.Duration
}

func NewAggregator(sources []Source, weights map[string]decimal.Decimal, suppressErrors bool, fetchTimeout time.Duration) *Aggregator {
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}

	return &Aggregator{
		sources:        sources,
		weights:        weights,
		suppressErrors: suppressErrors,
		fetchTimeout:   fetchTimeout,
	}
}

// CenterPrice fetches every source concurrently, each under its own timeout,
// and returns the weighted mean of the surviving quotes. The result is a pure
// function of the quotes that succeeded.
func (a *Aggregator) CenterPrice(ctx context.Context) (entity.CenterPrice, error) {
	if len(a.sources) == 0 {
		return entity.CenterPrice{}, ErrNoReliableFeed
	}

	quotes := make([]entity.PriceQuote, len(a.sources))

	var wg conc.WaitGroup
	for idx, source := range a.sources {
		idx, source := idx, source
		wg.Go(func() {
			fetchCtx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
			defer cancel()

			quote, err := source.Fetch(fetchCtx)
			if err != nil {
				quote.Source = source.ID()
				quote.Err = err
			}
			quotes[idx] = quote
		})
	}
	wg.Wait()

	surviving := make([]entity.PriceQuote, 0, len(quotes))
	for _, quote := range quotes {
		if quote.Failed() {
			logrus.WithFields(logrus.Fields{
				"source": quote.Source,
			}).Warnf("price feed failed: %v", quote.Err)
			continue
		}
		surviving = append(surviving, quote)
	}

	if len(surviving) == 0 {
		return entity.CenterPrice{}, ErrNoReliableFeed
	}

	if !a.suppressErrors && len(surviving) < len(quotes) {
		return entity.CenterPrice{}, ErrFeedUnavailable
	}

	weightedSum := decimal.Zero
	totalWeight := decimal.Zero
	sources := make([]string, 0, len(surviving))

	for _, quote := range surviving {
		weight := a.weightFor(quote.Source)
		if weight.LessThanOrEqual(decimal.Zero) {
			continue
		}

		weightedSum = weightedSum.Add(quote.Price.Mul(weight))
		totalWeight = totalWeight.Add(weight)
		sources = append(sources, quote.Source)
	}

	if totalWeight.LessThanOrEqual(decimal.Zero) {
		return entity.CenterPrice{}, ErrNoReliableFeed
	}

	center := entity.CenterPrice{
		Value:      weightedSum.Div(totalWeight),
		Sources:    sources,
		ComputedAt: time.Now().UTC(),
	}

	logrus.WithFields(logrus.Fields{
		"center_price": center.Value.String(),
		"sources":      sources,
	}).Debug("center price aggregated")

	return center, nil
}

// weightFor falls back to weight 1 for sources with no configured weight.
func (a *Aggregator) weightFor(sourceID string) decimal.Decimal {
	if a.weights == nil {
		return decimal.NewFromInt(1)
	}

	weight, ok := a.weights[sourceID]
	if !ok {
		return decimal.NewFromInt(1)
	}

	return weight
}
