package backtester

import (
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
)

// CostModel prices fills: commission on both sides, stamp duty on sells,
// slippage on both sides
type CostModel struct {
	Commission types.CostRule
	StampDuty  types.CostRule
	Slippage   types.CostRule
}

// NewCostModel builds the cost model of a config
func NewCostModel(cfg *types.BacktestConfig) CostModel {
	return CostModel{
		Commission: cfg.Commission,
		StampDuty:  cfg.StampDuty,
		Slippage:   cfg.Slippage,
	}
}

// FillCost is the cost breakdown of one fill
type FillCost struct {
	Commission decimal.Decimal
	StampDuty  decimal.Decimal
	Slippage   decimal.Decimal
}

// Total returns the sum of all components
func (c FillCost) Total() decimal.Decimal {
	return c.Commission.Add(c.StampDuty).Add(c.Slippage)
}

// Price returns the cost of filling quantity at price on a bar with volume.
// Zero-valued rules cost nothing, including their minimum.
func (m CostModel) Price(side types.OrderSide, price, quantity, volume decimal.Decimal) FillCost {
	var fc FillCost
	if quantity.IsZero() {
		return fc
	}
	fc.Commission = apply(m.Commission, price, quantity, volume)
	fc.Slippage = apply(m.Slippage, price, quantity, volume)
	if side == types.OrderSideSell {
		fc.StampDuty = apply(m.StampDuty, price, quantity, volume)
	}
	return fc
}

func apply(rule types.CostRule, price, quantity, volume decimal.Decimal) decimal.Decimal {
	if rule.Value.IsZero() && rule.Min.IsZero() && rule.ImpactFactor.IsZero() {
		return decimal.Zero
	}
	return rule.Apply(price, quantity, volume).Round(6)
}

// Affordable returns the largest whole quantity not above want whose
// notional plus buy costs fits in cash. Costs grow with quantity, so the
// largest fitting quantity is found by bisection.
func (m CostModel) Affordable(want, price, volume, cash decimal.Decimal) decimal.Decimal {
	fits := func(q int64) bool {
		qty := decimal.NewFromInt(q)
		total := qty.Mul(price).Add(m.Price(types.OrderSideBuy, price, qty, volume).Total())
		return total.LessThanOrEqual(cash)
	}

	hi := want.Floor().IntPart()
	if hi <= 0 || !cash.IsPositive() {
		return decimal.Zero
	}
	if fits(hi) {
		return decimal.NewFromInt(hi)
	}
	var lo int64
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return decimal.NewFromInt(lo)
}
