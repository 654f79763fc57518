package pricefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	id    string
	price string
	err   error
}

func (s stubSource) ID() string {
	return s.id
}

func (s stubSource) Fetch(_ context.Context) (entity.PriceQuote, error) {
	if s.err != nil {
		return entity.PriceQuote{}, s.err
	}

	return entity.PriceQuote{
		Source: s.id,
		Price:  decimal.RequireFromString(s.price),
		At:     time.Now(),
	}, nil
}

func TestCenterPriceAllSourcesFail(t *testing.T) {
	agg := NewAggregator([]Source{
		stubSource{id: "a", err: errors.New("timeout")},
		stubSource{id: "b", err: errors.New("bad payload")},
	}, nil, true, time.Second)

	_, err := agg.CenterPrice(context.Background())
	assert.ErrorIs(t, err, ErrNoReliableFeed)
}

func TestCenterPriceNoSources(t *testing.T) {
	agg := NewAggregator(nil, nil, true, time.Second)

	_, err := agg.CenterPrice(context.Background())
	assert.ErrorIs(t, err, ErrNoReliableFeed)
}

func TestCenterPriceSuppressedFailures(t *testing.T) {
	agg := NewAggregator([]Source{
		stubSource{id: "a", err: errors.New("timeout")},
		stubSource{id: "b", err: errors.New("timeout")},
		stubSource{id: "c", price: "101.5"},
	}, nil, true, time.Second)

	center, err := agg.CenterPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, center.Value.Equal(decimal.RequireFromString("101.5")))
	assert.Equal(t, []string{"c"}, center.Sources)
}

func TestCenterPriceUnsuppressedFailure(t *testing.T) {
	agg := NewAggregator([]Source{
		stubSource{id: "a", err: errors.New("timeout")},
		stubSource{id: "b", price: "101.5"},
	}, nil, false, time.Second)

	_, err := agg.CenterPrice(context.Background())
	assert.ErrorIs(t, err, ErrFeedUnavailable)
}

func TestCenterPriceWeightedMean(t *testing.T) {
	weights := map[string]decimal.Decimal{
		"a": decimal.RequireFromString("3"),
		"b": decimal.RequireFromString("1"),
	}

	agg := NewAggregator([]Source{
		stubSource{id: "a", price: "100"},
		stubSource{id: "b", price: "104"},
	}, weights, true, time.Second)

	center, err := agg.CenterPrice(context.Background())
	require.NoError(t, err)

	// (100*3 + 104*1) / 4 = 101
	assert.True(t, center.Value.Equal(decimal.RequireFromString("101")),
		"got %s", center.Value)
	assert.Len(t, center.Sources, 2)
}

func TestCenterPriceDefaultsMissingWeightToOne(t *testing.T) {
	weights := map[string]decimal.Decimal{
		"a": decimal.RequireFromString("1"),
	}

	agg := NewAggregator([]Source{
		stubSource{id: "a", price: "100"},
		stubSource{id: "b", price: "102"},
	}, weights, true, time.Second)

	center, err := agg.CenterPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, center.Value.Equal(decimal.RequireFromString("101")),
		"got %s", center.Value)
}

func TestCenterPriceSkipsZeroWeightSources(t *testing.T) {
	weights := map[string]decimal.Decimal{
		"a": decimal.Zero,
		"b": decimal.RequireFromString("2"),
	}

	agg := NewAggregator([]Source{
		stubSource{id: "a", price: "50"},
		stubSource{id: "b", price: "102"},
	}, weights, true, time.Second)

	center, err := agg.CenterPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, center.Value.Equal(decimal.RequireFromString("102")))
	assert.Equal(t, []string{"b"}, center.Sources)
}
