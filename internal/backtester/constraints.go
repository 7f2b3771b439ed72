package backtester

import (
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
)

// Constraints enforces the trading limits of a config
type Constraints struct {
	limitStop        bool
	limitThreshold   decimal.Decimal
	liquidity        decimal.Decimal
	maxPositionRatio decimal.Decimal
	maxHoldings      int
}

// NewConstraints builds the constraints of a config
func NewConstraints(cfg *types.BacktestConfig) Constraints {
	return Constraints{
		limitStop:        cfg.LimitStop,
		limitThreshold:   cfg.LimitThreshold,
		liquidity:        cfg.LiquidityThreshold,
		maxPositionRatio: cfg.MaxPositionRatio,
		maxHoldings:      cfg.MaxHoldings,
	}
}

// Tradeable reports whether bar can be traded at its open and why not.
// A bar opening at or beyond the price limit, or trading below the
// liquidity threshold, is untradeable.
func (c Constraints) Tradeable(bar types.Bar) (bool, string) {
	if c.liquidity.IsPositive() && bar.Volume.LessThan(c.liquidity) {
		return false, "below liquidity threshold"
	}
	if c.limitStop && bar.PrevClose.IsPositive() && c.limitThreshold.IsPositive() {
		move := bar.Open.Sub(bar.PrevClose).Div(bar.PrevClose).Abs()
		if move.GreaterThanOrEqual(c.limitThreshold) {
			return false, "price limit"
		}
	}
	return true, ""
}

// CanOpen reports whether another position may be opened
func (c Constraints) CanOpen(open int) bool {
	return open < c.maxHoldings
}

// TargetValue is the value allotted to one new position: an equal share
// across max holdings, capped by the position ratio
func (c Constraints) TargetValue(equity decimal.Decimal) decimal.Decimal {
	share := equity.Div(decimal.NewFromInt(int64(c.maxHoldings)))
	limit := equity.Mul(c.maxPositionRatio)
	if share.GreaterThan(limit) {
		return limit
	}
	return share
}
