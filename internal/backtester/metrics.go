package backtester

import (
	"math"
	"time"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"github.com/shopspring/decimal"
)

// PeriodsPerYear is the annualization factor of a timeframe
func PeriodsPerYear(tf types.Timeframe) float64 {
	switch tf {
	case types.Timeframe1h:
		return 252 * 24
	case types.Timeframe1w:
		return 52
	default:
		return 252
	}
}

// MetricsCalculator calculates performance metrics
type MetricsCalculator struct {
	periodsPerYear float64
}

// NewMetricsCalculator creates a calculator annualizing for tf
func NewMetricsCalculator(tf types.Timeframe) *MetricsCalculator {
	return &MetricsCalculator{periodsPerYear: PeriodsPerYear(tf)}
}

// CurveStats are the float metrics of an equity curve segment
type CurveStats struct {
	Bars             int
	TotalReturn      float64
	AnnualizedReturn float64
	Volatility       float64
	Sharpe           float64
	Sortino          float64
	MaxDrawdown      float64
}

// Summarize computes the metrics of curve on its own, ignoring earlier history
func (mc *MetricsCalculator) Summarize(curve []types.EquityCurvePoint) CurveStats {
	stats := CurveStats{Bars: len(curve)}
	if len(curve) < 2 {
		return stats
	}

	first := curve[0].Equity.InexactFloat64()
	last := curve[len(curve)-1].Equity.InexactFloat64()
	if first > 0 {
		stats.TotalReturn = last/first - 1
	}

	returns := Returns(curve)
	if n := len(returns); n > 0 && 1+stats.TotalReturn > 0 {
		stats.AnnualizedReturn = math.Pow(1+stats.TotalReturn, mc.periodsPerYear/float64(n)) - 1
	}
	stats.Volatility = utils.StdDev(returns) * math.Sqrt(mc.periodsPerYear)
	stats.Sharpe = mc.Sharpe(returns)
	stats.Sortino = mc.Sortino(returns)
	stats.MaxDrawdown, _ = maxDrawdown(curve)
	return stats
}

// Calculate calculates all performance metrics of a run
func (mc *MetricsCalculator) Calculate(
	trades []types.Trade,
	equityCurve []types.EquityCurvePoint,
	initialCapital decimal.Decimal,
) *types.PerformanceMetrics {
	metrics := &types.PerformanceMetrics{}

	// Closing trades carry the realized PnL
	var totalWins, totalLosses decimal.Decimal
	for _, trade := range trades {
		metrics.TotalCosts = metrics.TotalCosts.Add(trade.Cost())
		if trade.Side != types.OrderSideSell {
			continue
		}
		metrics.TotalTrades++
		switch {
		case trade.PnL.IsPositive():
			metrics.WinningTrades++
			totalWins = totalWins.Add(trade.PnL)
		case trade.PnL.IsNegative():
			metrics.LosingTrades++
			totalLosses = totalLosses.Add(trade.PnL.Abs())
		}
	}

	if metrics.TotalTrades > 0 {
		metrics.WinRate = decimal.NewFromInt(int64(metrics.WinningTrades)).
			Div(decimal.NewFromInt(int64(metrics.TotalTrades))).Round(6)
	}
	if metrics.WinningTrades > 0 {
		metrics.AvgWin = totalWins.Div(decimal.NewFromInt(int64(metrics.WinningTrades))).Round(6)
	}
	if metrics.LosingTrades > 0 {
		metrics.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(metrics.LosingTrades))).Round(6)
	}
	if metrics.AvgLoss.IsPositive() {
		metrics.ProfitLossRatio = metrics.AvgWin.Div(metrics.AvgLoss).Round(6)
	}
	if totalLosses.IsPositive() {
		metrics.ProfitFactor = totalWins.Div(totalLosses).Round(6)
	}

	if len(equityCurve) == 0 {
		return metrics
	}

	if initialCapital.IsPositive() {
		final := equityCurve[len(equityCurve)-1].Equity
		metrics.TotalReturn = final.Sub(initialCapital).Div(initialCapital).Round(6)
	}

	returns := Returns(equityCurve)
	if n := len(returns); n > 0 {
		growth := 1 + metrics.TotalReturn.InexactFloat64()
		if growth > 0 {
			metrics.AnnualizedReturn = ToDecimal(math.Pow(growth, mc.periodsPerYear/float64(n)) - 1)
		} else {
			metrics.AnnualizedReturn = decimal.NewFromInt(-1)
		}
	}
	metrics.Volatility = ToDecimal(utils.StdDev(returns) * math.Sqrt(mc.periodsPerYear))
	metrics.SharpeRatio = ToDecimal(mc.Sharpe(returns))
	metrics.SortinoRatio = ToDecimal(mc.Sortino(returns))

	dd, at := maxDrawdown(equityCurve)
	metrics.MaxDrawdown = ToDecimal(dd)
	metrics.MaxDrawdownDate = at
	if dd > 0 {
		metrics.CalmarRatio = ToDecimal(metrics.AnnualizedReturn.InexactFloat64() / dd)
	}

	return metrics
}

// Sharpe is the annualized mean over standard deviation, zero risk-free rate
func (mc *MetricsCalculator) Sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	sd := utils.StdDev(returns)
	if sd == 0 {
		return 0
	}
	return utils.Mean(returns) / sd * math.Sqrt(mc.periodsPerYear)
}

// Sortino is Sharpe with downside deviation only
func (mc *MetricsCalculator) Sortino(returns []float64) float64 {
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(returns) < 2 || len(downside) < 2 {
		return 0
	}
	dd := utils.StdDev(downside)
	if dd == 0 {
		return 0
	}
	return utils.Mean(returns) / dd * math.Sqrt(mc.periodsPerYear)
}

// Returns are the simple period returns of an equity curve
func Returns(equityCurve []types.EquityCurvePoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := equityCurve[i-1].Equity
		if !prev.IsPositive() {
			continue
		}
		returns = append(returns, equityCurve[i].Equity.Sub(prev).Div(prev).InexactFloat64())
	}
	return returns
}

// maxDrawdown returns the deepest peak-to-trough decline and when it bottomed
func maxDrawdown(equityCurve []types.EquityCurvePoint) (float64, time.Time) {
	if len(equityCurve) == 0 {
		return 0, time.Time{}
	}
	var maxDD float64
	var at time.Time
	peak := equityCurve[0].Equity.InexactFloat64()
	for _, point := range equityCurve {
		equity := point.Equity.InexactFloat64()
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
				at = point.Timestamp
			}
		}
	}
	return maxDD, at
}

// ToDecimal converts a float metric, mapping NaN and infinities to zero
func ToDecimal(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f).Round(6)
}
