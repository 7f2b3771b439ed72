// Package diagnosis analyzes completed backtest results: where the return
// came from, how much risk was taken, whether the run is overfit and how
// sensitive it is to its parameters.
package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// Evaluator reruns a backtest for sensitivity analysis
type Evaluator interface {
	Evaluate(ctx context.Context, cfg *types.BacktestConfig) (*types.BacktestResult, error)
}

// EngineEvaluator evaluates configs by running them to completion on an engine
type EngineEvaluator struct {
	Engine backtester.Engine
}

// Evaluate implements Evaluator
func (e EngineEvaluator) Evaluate(ctx context.Context, cfg *types.BacktestConfig) (*types.BacktestResult, error) {
	return backtester.RunToCompletion(ctx, e.Engine, cfg)
}

// Analyzer computes diagnoses. It holds no per-call state; the same result
// and params always produce the same diagnosis.
type Analyzer struct {
	strategies *strategy.Registry
	thresholds Thresholds
	// maxEvaluations caps concurrent engine reruns during sensitivity analysis
	maxEvaluations int
}

// NewAnalyzer creates an analyzer. A nil registry uses strategy.Default.
func NewAnalyzer(strategies *strategy.Registry, thresholds Thresholds, maxEvaluations int) *Analyzer {
	if strategies == nil {
		strategies = strategy.Default
	}
	if maxEvaluations < 1 {
		maxEvaluations = 4
	}
	return &Analyzer{strategies: strategies, thresholds: thresholds, maxEvaluations: maxEvaluations}
}

// Diagnose analyzes result. Sections that lack data are marked unavailable
// instead of failing; only context cancellation aborts the diagnosis.
func (a *Analyzer) Diagnose(ctx context.Context, result *types.BacktestResult, params types.DiagnosisParams, evaluator Evaluator) (*types.DiagnosisResult, error) {
	if result == nil {
		return nil, fmt.Errorf("nil result")
	}
	params = params.WithDefaults()

	diag := &types.DiagnosisResult{
		ID:       diagnosisID(result.ID, params),
		ResultID: result.ID,
		Params:   params,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		diag.Revenue = a.revenue(result, params)
		return nil
	})
	g.Go(func() error {
		diag.Risk = a.risk(result, params)
		return nil
	})
	g.Go(func() error {
		diag.Overfitting = a.overfitting(result, params)
		return nil
	})
	g.Go(func() error {
		s, err := a.sensitivity(gctx, result, params, evaluator)
		diag.Sensitivity = s
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	diag.Suggestions = a.suggest(result, diag)
	return diag, nil
}

// diagnosisID is a stable id derived from the result and the params
func diagnosisID(resultID string, params types.DiagnosisParams) string {
	raw, _ := json.Marshal(params)
	return fmt.Sprintf("diag_%016x", xxhash.Sum64String(resultID+"|"+string(raw)))
}

func unavailable(format string, args ...any) types.Section {
	return types.Section{Available: false, Reason: fmt.Sprintf(format, args...)}
}

var available = types.Section{Available: true}

func initialCapital(result *types.BacktestResult) float64 {
	if result.Config != nil && result.Config.InitialCapital.IsPositive() {
		return result.Config.InitialCapital.InexactFloat64()
	}
	if len(result.EquityCurve) > 0 {
		return result.EquityCurve[0].Equity.InexactFloat64()
	}
	return 0
}

func timeframe(result *types.BacktestResult) types.Timeframe {
	if result.Config != nil {
		return result.Config.Timeframe
	}
	return types.Timeframe1d
}

func (a *Analyzer) revenue(result *types.BacktestResult, params types.DiagnosisParams) types.RevenueAnalysis {
	var out types.RevenueAnalysis
	if len(result.Holdings) == 0 {
		out.Section = unavailable("result has no holdings to attribute")
		return out
	}
	out.Section = available
	capital := initialCapital(result)

	contributions := make([]types.Contribution, 0, len(result.Holdings))
	sectors := make(map[string]float64)
	var gross float64
	for _, h := range result.Holdings {
		pnl := h.TotalPnL().InexactFloat64()
		sector := h.Sector
		if sector == "" {
			sector = "Unknown"
		}
		contributions = append(contributions, types.Contribution{Symbol: h.Symbol, Sector: sector, PnL: pnl})
		sectors[sector] += pnl
		out.TotalPnL += pnl
		gross += math.Abs(pnl)
	}
	for i := range contributions {
		if gross > 0 {
			contributions[i].Share = contributions[i].PnL / gross
		}
		if capital > 0 {
			contributions[i].ReturnOn = contributions[i].PnL / capital
		}
	}
	sort.Slice(contributions, func(i, j int) bool {
		if contributions[i].PnL != contributions[j].PnL {
			return contributions[i].PnL > contributions[j].PnL
		}
		return contributions[i].Symbol < contributions[j].Symbol
	})
	if len(contributions) > params.TopN {
		contributions = contributions[:params.TopN]
	}
	out.TopHoldings = contributions

	for sector, pnl := range sectors {
		b := types.Bucket{Key: sector, PnL: pnl}
		if capital > 0 {
			b.Return = pnl / capital
		}
		out.BySector = append(out.BySector, b)
	}
	sort.Slice(out.BySector, func(i, j int) bool { return out.BySector[i].Key < out.BySector[j].Key })

	out.ByMonth = monthlyBuckets(result.EquityCurve)

	for _, t := range result.Trades {
		out.TotalCosts += t.Cost().InexactFloat64()
	}
	if out.TotalPnL != 0 {
		out.CostToPnLRate = out.TotalCosts / math.Abs(out.TotalPnL)
	}
	return out
}

// monthlyBuckets measures each calendar month from the last equity of the
// previous month to its own last equity
func monthlyBuckets(curve []types.EquityCurvePoint) []types.Bucket {
	if len(curve) < 2 {
		return nil
	}
	var buckets []types.Bucket
	prev := curve[0].Equity.InexactFloat64()
	month := curve[0].Timestamp.Format("2006-01")
	last := prev
	flush := func() {
		b := types.Bucket{Key: month, PnL: last - prev}
		if prev > 0 {
			b.Return = last/prev - 1
		}
		buckets = append(buckets, b)
		prev = last
	}
	for _, p := range curve[1:] {
		key := p.Timestamp.Format("2006-01")
		if key != month {
			flush()
			month = key
		}
		last = p.Equity.InexactFloat64()
	}
	flush()
	return buckets
}

func (a *Analyzer) risk(result *types.BacktestResult, params types.DiagnosisParams) types.RiskAnalysis {
	var out types.RiskAnalysis
	curve := result.EquityCurve
	if len(curve) < params.MinBars {
		out.Section = unavailable("equity curve has %d points, need %d", len(curve), params.MinBars)
		return out
	}
	out.Section = available
	out.MaxDrawdown = drawdownWindow(curve)

	returns := backtester.Returns(curve)
	out.DailyVolatility = utils.StdDev(returns)
	out.AnnualVolatility = out.DailyVolatility * math.Sqrt(backtester.PeriodsPerYear(timeframe(result)))
	out.VaR95, out.CVaR95 = tailRisk(returns, 0.95)

	mc := backtester.NewMonteCarloSimulator(params.MonteCarloRuns, params.Seed).Run(result.Trades, initialCapital(result))
	out.MonteCarloRuns = mc.Runs
	out.MonteCarloDDMedian = mc.MedianDrawdown
	out.MonteCarloDDP95 = mc.P95Drawdown
	return out
}

// drawdownWindow finds the deepest decline with its peak, trough and recovery
func drawdownWindow(curve []types.EquityCurvePoint) types.DrawdownWindow {
	var w types.DrawdownWindow
	peakIdx, bestPeak, bestTrough := 0, 0, 0
	peak := curve[0].Equity.InexactFloat64()
	for i, p := range curve {
		eq := p.Equity.InexactFloat64()
		if eq > peak {
			peak, peakIdx = eq, i
			continue
		}
		if peak > 0 {
			if dd := (peak - eq) / peak; dd > w.Depth {
				w.Depth, bestPeak, bestTrough = dd, peakIdx, i
			}
		}
	}
	w.PeakAt = curve[bestPeak].Timestamp
	w.TroughAt = curve[bestTrough].Timestamp
	w.Bars = bestTrough - bestPeak
	if w.Depth == 0 {
		w.Recovered = true
		return w
	}
	level := curve[bestPeak].Equity
	for _, p := range curve[bestTrough+1:] {
		if p.Equity.GreaterThanOrEqual(level) {
			at := p.Timestamp
			w.Recovered = true
			w.RecoverAt = &at
			break
		}
	}
	return w
}

// tailRisk is historical VaR and CVaR at confidence, both reported as
// positive loss fractions
func tailRisk(returns []float64, confidence float64) (valueAtRisk, conditional float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	sorted := utils.SortedCopy(returns)
	cutoff := utils.Percentile(sorted, 1-confidence)
	var tail []float64
	for _, r := range sorted {
		if r > cutoff {
			break
		}
		tail = append(tail, r)
	}
	valueAtRisk = -cutoff
	conditional = valueAtRisk
	if len(tail) > 0 {
		conditional = -utils.Mean(tail)
	}
	return valueAtRisk, conditional
}

func (a *Analyzer) overfitting(result *types.BacktestResult, params types.DiagnosisParams) types.OverfittingAnalysis {
	var out types.OverfittingAnalysis
	curve := result.EquityCurve
	if len(curve) < params.MinBars {
		out.Section = unavailable("equity curve has %d points, need %d", len(curve), params.MinBars)
		return out
	}
	out.Section = available
	calc := backtester.NewMetricsCalculator(timeframe(result))

	half := len(curve) / 2
	out.InSample = foldMetrics(calc, curve[:half])
	out.OutOfSample = foldMetrics(calc, curve[half:])
	out.Degradation = degradation(out.InSample.Sharpe, out.OutOfSample.Sharpe)

	windows, err := backtester.WalkForwardWindows(len(curve), params.WalkForwardFolds, params.TrainRatio)
	if err != nil {
		out.FoldsUnavailable = err.Error()
	} else {
		var sum float64
		profitable := 0
		for _, w := range windows {
			fold := types.WalkForwardFold{
				Index: w.Index,
				Train: foldMetrics(calc, curve[w.TrainStart:w.TrainEnd]),
				Test:  foldMetrics(calc, curve[w.TrainEnd:w.TestEnd]),
			}
			fold.Degradation = degradation(fold.Train.Sharpe, fold.Test.Sharpe)
			sum += fold.Degradation
			if fold.Test.Return > 0 {
				profitable++
			}
			out.Folds = append(out.Folds, fold)
		}
		out.AvgFoldDegradation = sum / float64(len(windows))
		out.Robustness = float64(profitable) / float64(len(windows))
	}

	out.Overfit = out.Degradation > params.DegradationThreshold ||
		(len(out.Folds) > 0 && out.AvgFoldDegradation > params.DegradationThreshold)
	return out
}

func foldMetrics(calc *backtester.MetricsCalculator, segment []types.EquityCurvePoint) types.FoldMetrics {
	stats := calc.Summarize(segment)
	m := types.FoldMetrics{
		Bars:        stats.Bars,
		Return:      finite(stats.TotalReturn),
		Sharpe:      finite(stats.Sharpe),
		MaxDrawdown: finite(stats.MaxDrawdown),
	}
	if len(segment) > 0 {
		m.Start = segment[0].Timestamp
		m.End = segment[len(segment)-1].Timestamp
	}
	return m
}

// degradation is the relative Sharpe lost out of sample. A strategy without
// in-sample edge has nothing to lose and scores zero.
func degradation(inSample, outOfSample float64) float64 {
	if inSample <= 0 {
		return 0
	}
	return (inSample - outOfSample) / inSample
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
