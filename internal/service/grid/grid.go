package grid

import (
	"fmt"
	"math"

	"github.com/guregu/null/v6"
	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/shopspring/decimal"
)

// Config describes one worker's ladder: geometric spacing between adjacent
// levels and the hard price bounds the ladder must stay inside.
type Config struct {
	Market     entity.Market
	Increment  decimal.Decimal
	LowerBound decimal.Decimal
	UpperBound decimal.Decimal
	// ActiveLevels caps how many levels per side are funded up front; levels
	// past the cap are planned as virtual placeholders and promoted once
	// balance frees up. 0 funds every level that fits.
	ActiveLevels int
}

// Planner converts a center price and operational balances into the target
// order ladder. Pure computation: identical inputs yield an identical plan.
type Planner struct {
	cfg Config
}

func NewPlanner(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

// MinAmount is the smallest order amount that survives truncation to the
// asset's precision on the exchange. Strictly above 10^-precision so a
// truncated amount can never round to zero.
func MinAmount(precision int32) decimal.Decimal {
	return decimal.New(2, -precision)
}

// MinAmounts returns the minimum tradable amounts for the market's base and
// quote assets.
func (p *Planner) MinAmounts() (minBase, minQuote decimal.Decimal) {
	return MinAmount(p.cfg.Market.Base.Precision), MinAmount(p.cfg.Market.Quote.Precision)
}

// BuyLevelCount reports how many buy levels spaced by (1+increment) fit
// between the two prices, both endpoints included.
func (p *Planner) BuyLevelCount(highPrice, lowPrice decimal.Decimal) int {
	return p.levelCount(highPrice, lowPrice)
}

// SellLevelCount is the buy count under swapped bounds.
func (p *Planner) SellLevelCount(lowPrice, highPrice decimal.Decimal) int {
	return p.levelCount(highPrice, lowPrice)
}

func (p *Planner) levelCount(highPrice, lowPrice decimal.Decimal) int {
	if highPrice.LessThanOrEqual(decimal.Zero) || lowPrice.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	if highPrice.LessThan(lowPrice) {
		return 0
	}
	if highPrice.Equal(lowPrice) {
		return 1
	}

	ratio, _ := highPrice.Div(lowPrice).Float64()
	step, _ := decimal.NewFromInt(1).Add(p.cfg.Increment).Float64()
	if step <= 1 {
		return 0
	}

	return int(math.Floor(math.Log(ratio)/math.Log(step))) + 1
}

// Plan produces the target ladder around the center price: buy levels below
// it sized from the quote balance, sell levels above it sized from the base
// balance. Per side the balance is split evenly across funded levels; a
// level count that would push the per-order size under the minimum tradable
// amount is reduced until the size clears it, so sizing constraints win over
// price fit. Levels past the funded count are planned virtual.
func (p *Planner) Plan(center decimal.Decimal, baseBalance, quoteBalance decimal.Decimal) []entity.Order {
	if center.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	orders := make([]entity.Order, 0)
	orders = append(orders, p.planBuys(center, quoteBalance)...)
	orders = append(orders, p.planSells(center, baseBalance)...)

	return orders
}

func (p *Planner) planBuys(center decimal.Decimal, quoteBalance decimal.Decimal) []entity.Order {
	minBase, minQuote := p.MinAmounts()
	step := decimal.NewFromInt(1).Add(p.cfg.Increment)

	prices := make([]decimal.Decimal, 0)
	price := center.Div(step)
	for price.GreaterThanOrEqual(p.cfg.LowerBound) {
		prices = append(prices, price)
		price = price.Div(step)
	}

	if len(prices) == 0 {
		return nil
	}

	// Shrink the funded count until each level's quote budget buys at least
	// the minimum base amount at the most expensive level.
	funded := len(prices)
	if p.cfg.ActiveLevels > 0 && funded > p.cfg.ActiveLevels {
		funded = p.cfg.ActiveLevels
	}

	var perLevelQuote decimal.Decimal
	for funded > 0 {
		perLevelQuote = quoteBalance.Div(decimal.NewFromInt(int64(funded)))
		if perLevelQuote.LessThan(minQuote) {
			funded--
			continue
		}

		topAmount := perLevelQuote.Div(prices[0]).Truncate(p.cfg.Market.Base.Precision)
		if topAmount.LessThan(minBase) {
			funded--
			continue
		}

		break
	}

	if funded == 0 {
		return nil
	}

	orders := make([]entity.Order, 0, len(prices))
	for idx, levelPrice := range prices {
		amount := perLevelQuote.Div(levelPrice).Truncate(p.cfg.Market.Base.Precision)
		if amount.LessThan(minBase) {
			continue
		}

		orders = append(orders, entity.Order{
			Side:    entity.OrderSideBuy,
			Price:   levelPrice.Truncate(p.cfg.Market.Quote.Precision),
			Amount:  amount,
			Virtual: idx >= funded,
			Custom:  null.StringFrom(ladderTag(entity.OrderSideBuy, idx)),
		})
	}

	return orders
}

func (p *Planner) planSells(center decimal.Decimal, baseBalance decimal.Decimal) []entity.Order {
	minBase, _ := p.MinAmounts()
	step := decimal.NewFromInt(1).Add(p.cfg.Increment)

	prices := make([]decimal.Decimal, 0)
	price := center.Mul(step)
	for price.LessThanOrEqual(p.cfg.UpperBound) {
		prices = append(prices, price)
		price = price.Mul(step)
	}

	if len(prices) == 0 {
		return nil
	}

	funded := len(prices)
	if p.cfg.ActiveLevels > 0 && funded > p.cfg.ActiveLevels {
		funded = p.cfg.ActiveLevels
	}

	var perLevelAmount decimal.Decimal
	for funded > 0 {
		perLevelAmount = baseBalance.Div(decimal.NewFromInt(int64(funded))).Truncate(p.cfg.Market.Base.Precision)
		if perLevelAmount.LessThan(minBase) {
			funded--
			continue
		}

		break
	}

	if funded == 0 {
		return nil
	}

	orders := make([]entity.Order, 0, len(prices))
	for idx, levelPrice := range prices {
		orders = append(orders, entity.Order{
			Side:    entity.OrderSideSell,
			Price:   levelPrice.Truncate(p.cfg.Market.Quote.Precision),
			Amount:  perLevelAmount,
			Virtual: idx >= funded,
			Custom:  null.StringFrom(ladderTag(entity.OrderSideSell, idx)),
		})
	}

	return orders
}

// ladderTag identifies a ladder level across cycles, e.g. "B0" is the buy
// closest to the center price.
func ladderTag(side entity.OrderSide, idx int) string {
	prefix := "B"
	if side == entity.OrderSideSell {
		prefix = "S"
	}

	return fmt.Sprintf("%s%d", prefix, idx)
}
