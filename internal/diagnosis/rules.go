package diagnosis

import (
	"fmt"
	"sort"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// Suggestion categories
const (
	CategoryRisk        = "risk"
	CategoryOverfitting = "overfitting"
	CategoryCost        = "cost"
	CategoryPosition    = "position"
	CategoryRobustness  = "robustness"
)

// Thresholds are the limits the suggestion rules test against
type Thresholds struct {
	MaxVaR95         float64 `mapstructure:"max_var95"`
	MaxDrawdown      float64 `mapstructure:"max_drawdown"`
	CriticalDrawdown float64 `mapstructure:"critical_drawdown"`
	MaxMonteCarloDD  float64 `mapstructure:"max_monte_carlo_dd"`
	MinSharpe        float64 `mapstructure:"min_sharpe"`
	MinTrades        int     `mapstructure:"min_trades"`
	MinWFConsistency float64 `mapstructure:"min_wf_consistency"`
	MaxCostToPnL     float64 `mapstructure:"max_cost_to_pnl"`
	MaxConcentration float64 `mapstructure:"max_concentration"`
}

// DefaultThresholds returns conservative thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxVaR95:         0.05,
		MaxDrawdown:      0.20,
		CriticalDrawdown: 0.30,
		MaxMonteCarloDD:  0.50,
		MinSharpe:        0.5,
		MinTrades:        30,
		MinWFConsistency: 0.60,
		MaxCostToPnL:     0.5,
		MaxConcentration: 0.5,
	}
}

// rule inspects a diagnosis and appends suggestions
type rule struct {
	name  string
	check func(t Thresholds, result *types.BacktestResult, d *types.DiagnosisResult) []types.Suggestion
}

// rules run in this order; it breaks ties between equal priorities
var rules = []rule{
	{"tail_risk", func(t Thresholds, _ *types.BacktestResult, d *types.DiagnosisResult) []types.Suggestion {
		if !d.Risk.Available || d.Risk.VaR95 <= t.MaxVaR95 {
			return nil
		}
		return []types.Suggestion{{
			Category: CategoryRisk,
			Priority: types.SuggestionHigh,
			Message:  fmt.Sprintf("95%% VaR of %.2f%% per bar exceeds %.2f%%", d.Risk.VaR95*100, t.MaxVaR95*100),
			Action:   "reduce max_position_ratio",
		}}
	}},
	{"deep_drawdown", func(t Thresholds, _ *types.BacktestResult, d *types.DiagnosisResult) []types.Suggestion {
		if !d.Risk.Available || d.Risk.MaxDrawdown.Depth <= t.MaxDrawdown {
			return nil
		}
		priority := types.SuggestionMedium
		if d.Risk.MaxDrawdown.Depth > t.CriticalDrawdown {
			priority = types.SuggestionHigh
		}
		return []types.Suggestion{{
			Category: CategoryRisk,
			Priority: priority,
			Message: fmt.Sprintf("maximum drawdown of %.1f%% from %s to %s",
				d.Risk.MaxDrawdown.Depth*100,
				d.Risk.MaxDrawdown.PeakAt.Format("2006-01-02"),
				d.Risk.MaxDrawdown.TroughAt.Format("2006-01-02")),
			Action: "set stop_loss or lower max_position_ratio",
		}}
	}},
	{"shuffled_drawdown", func(t Thresholds, _ *types.BacktestResult, d *types.DiagnosisResult) []types.Suggestion {
		if !d.Risk.Available || d.Risk.MonteCarloRuns == 0 || d.Risk.MonteCarloDDP95 <= t.MaxMonteCarloDD {
			return nil
		}
		return []types.Suggestion{{
			Category: CategoryRisk,
			Priority: types.SuggestionHigh,
			Message:  fmt.Sprintf("1 in 20 reshuffled trade sequences draws down more than %.1f%%", d.Risk.MonteCarloDDP95*100),
			Action:   "lower max_position_ratio or raise max_holdings",
		}}
	}},
	{"out_of_sample_decay", func(_ Thresholds, _ *types.BacktestResult, d *types.DiagnosisResult) []types.Suggestion {
		if !d.Overfitting.Available || !d.Overfitting.Overfit {
			return nil
		}
		return []types.Suggestion{{
			Category: CategoryOverfitting,
			Priority: types.SuggestionHigh,
			Message: fmt.Sprintf("out-of-sample Sharpe %.2f vs in-sample %.2f (%.0f%% degradation)",
				d.Overfitting.OutOfSample.Sharpe, d.Overfitting.InSample.Sharpe, d.Overfitting.Degradation*100),
			Action: "reduce free parameters or lengthen the backtest window",
		}}
	}},
	{"walk_forward_consistency", func(t Thresholds, _ *types.BacktestResult, d *types.DiagnosisResult) []types.Suggestion {
		if !d.Overfitting.Available || len(d.Overfitting.Folds) == 0 || d.Overfitting.Robustness >= t.MinWFConsistency {
			return nil
		}
		return []types.Suggestion{{
			Category: CategoryOverfitting,
			Priority: types.SuggestionMedium,
			Message: fmt.Sprintf("only %.0f%% of walk-forward test windows were profitable",
				d.Overfitting.Robustness*100),
			Action: "validate on more market regimes before trading",
		}}
	}},
	{"fragile_parameter", func(_ Thresholds, _ *types.BacktestResult, d *types.DiagnosisResult) []types.Suggestion {
		if !d.Sensitivity.Available {
			return nil
		}
		var out []types.Suggestion
		for _, p := range d.Sensitivity.Parameters {
			if !p.Fragile {
				continue
			}
			out = append(out, types.Suggestion{
				Category: CategoryRobustness,
				Priority: types.SuggestionMedium,
				Message:  fmt.Sprintf("Sharpe moves %.2f for a small change of %s=%v", p.MaxDelta, p.Name, p.Base),
				Action:   fmt.Sprintf("pick %s from a flatter region", p.Name),
			})
		}
		return out
	}},
	{"cost_drag", func(t Thresholds, _ *types.BacktestResult, d *types.DiagnosisResult) []types.Suggestion {
		if !d.Revenue.Available || d.Revenue.TotalCosts == 0 || d.Revenue.CostToPnLRate <= t.MaxCostToPnL {
			return nil
		}
		return []types.Suggestion{{
			Category: CategoryCost,
			Priority: types.SuggestionMedium,
			Message:  fmt.Sprintf("transaction costs are %.0f%% of net PnL", d.Revenue.CostToPnLRate*100),
			Action:   "trade less often or raise signal thresholds",
		}}
	}},
	{"concentration", func(t Thresholds, _ *types.BacktestResult, d *types.DiagnosisResult) []types.Suggestion {
		if !d.Revenue.Available || len(d.Revenue.TopHoldings) < 2 {
			return nil
		}
		top := d.Revenue.TopHoldings[0]
		if top.Share <= t.MaxConcentration {
			return nil
		}
		return []types.Suggestion{{
			Category: CategoryPosition,
			Priority: types.SuggestionMedium,
			Message:  fmt.Sprintf("%s accounts for %.0f%% of gross PnL", top.Symbol, top.Share*100),
			Action:   "raise max_holdings or lower max_position_ratio",
		}}
	}},
	{"low_sharpe", func(t Thresholds, result *types.BacktestResult, _ *types.DiagnosisResult) []types.Suggestion {
		if result.Metrics == nil {
			return nil
		}
		sharpe := result.Metrics.SharpeRatio.InexactFloat64()
		if sharpe >= t.MinSharpe {
			return nil
		}
		priority := types.SuggestionLow
		if sharpe < 0 {
			priority = types.SuggestionHigh
		}
		return []types.Suggestion{{
			Category: CategoryRobustness,
			Priority: priority,
			Message:  fmt.Sprintf("Sharpe ratio %.2f is below %.2f", sharpe, t.MinSharpe),
			Action:   "revisit entry signals before tuning parameters",
		}}
	}},
	{"few_trades", func(t Thresholds, result *types.BacktestResult, _ *types.DiagnosisResult) []types.Suggestion {
		if result.Metrics == nil || result.Metrics.TotalTrades >= t.MinTrades {
			return nil
		}
		return []types.Suggestion{{
			Category: CategoryRobustness,
			Priority: types.SuggestionLow,
			Message:  fmt.Sprintf("%d closed trades are too few to trust the statistics", result.Metrics.TotalTrades),
			Action:   "extend the date range or widen the symbol universe",
		}}
	}},
}

// suggest evaluates every rule and ranks the output by priority, keeping
// rule order within a priority
func (a *Analyzer) suggest(result *types.BacktestResult, d *types.DiagnosisResult) []types.Suggestion {
	out := []types.Suggestion{}
	for _, r := range rules {
		for _, s := range r.check(a.thresholds, result, d) {
			s.Rule = r.name
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Rank() < out[j].Priority.Rank()
	})
	return out
}
