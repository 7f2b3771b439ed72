package types

import "time"

// DiagnosisParams tunes the diagnosis engine. Zero values take defaults.
type DiagnosisParams struct {
	TopN                 int     `json:"topN,omitempty" mapstructure:"top_n"`
	WalkForwardFolds     int     `json:"walkForwardFolds,omitempty" mapstructure:"walk_forward_folds"`
	TrainRatio           float64 `json:"trainRatio,omitempty" mapstructure:"train_ratio"`
	DegradationThreshold float64 `json:"degradationThreshold,omitempty" mapstructure:"degradation_threshold"`
	PerturbationPct      float64 `json:"perturbationPct,omitempty" mapstructure:"perturbation_pct"`
	FragilityThreshold   float64 `json:"fragilityThreshold,omitempty" mapstructure:"fragility_threshold"`
	MonteCarloRuns       int     `json:"monteCarloRuns,omitempty" mapstructure:"monte_carlo_runs"`
	Seed                 int64   `json:"seed,omitempty" mapstructure:"seed"`
	MinBars              int     `json:"minBars,omitempty" mapstructure:"min_bars"`
}

// WithDefaults returns p with zero fields replaced by defaults
func (p DiagnosisParams) WithDefaults() DiagnosisParams {
	if p.TopN <= 0 {
		p.TopN = 5
	}
	if p.WalkForwardFolds <= 0 {
		p.WalkForwardFolds = 4
	}
	if p.TrainRatio <= 0 || p.TrainRatio >= 1 {
		p.TrainRatio = 0.7
	}
	if p.DegradationThreshold <= 0 {
		p.DegradationThreshold = 0.5
	}
	if p.PerturbationPct <= 0 {
		p.PerturbationPct = 0.1
	}
	if p.FragilityThreshold <= 0 {
		p.FragilityThreshold = 5
	}
	if p.MonteCarloRuns <= 0 {
		p.MonteCarloRuns = 500
	}
	if p.Seed == 0 {
		p.Seed = 42
	}
	if p.MinBars <= 0 {
		p.MinBars = 20
	}
	return p
}

// Section carries the availability marker shared by every diagnosis section
type Section struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Contribution is one symbol's share of total PnL
type Contribution struct {
	Symbol   string  `json:"symbol"`
	Sector   string  `json:"sector"`
	PnL      float64 `json:"pnl"`
	Share    float64 `json:"share"`
	ReturnOn float64 `json:"returnOnCapital"`
}

// Bucket aggregates return over a grouping key
type Bucket struct {
	Key    string  `json:"key"`
	Return float64 `json:"return"`
	PnL    float64 `json:"pnl"`
}

// RevenueAnalysis attributes return to symbols, sectors and periods
type RevenueAnalysis struct {
	Section
	TotalPnL      float64        `json:"totalPnl"`
	TopHoldings   []Contribution `json:"topHoldings"`
	BySector      []Bucket       `json:"bySector"`
	ByMonth       []Bucket       `json:"byMonth"`
	TotalCosts    float64        `json:"totalCosts"`
	CostToPnLRate float64        `json:"costToPnlRate"`
}

// DrawdownWindow describes the deepest peak-to-trough decline
type DrawdownWindow struct {
	Depth     float64    `json:"depth"`
	PeakAt    time.Time  `json:"peakAt"`
	TroughAt  time.Time  `json:"troughAt"`
	Recovered bool       `json:"recovered"`
	RecoverAt *time.Time `json:"recoverAt,omitempty"`
	Bars      int        `json:"bars"`
}

// RiskAnalysis summarizes drawdown, volatility and tail risk
type RiskAnalysis struct {
	Section
	MaxDrawdown        DrawdownWindow `json:"maxDrawdown"`
	DailyVolatility    float64        `json:"dailyVolatility"`
	AnnualVolatility   float64        `json:"annualVolatility"`
	VaR95              float64        `json:"var95"`
	CVaR95             float64        `json:"cvar95"`
	MonteCarloDDMedian float64        `json:"monteCarloDrawdownMedian"`
	MonteCarloDDP95    float64        `json:"monteCarloDrawdownP95"`
	MonteCarloRuns     int            `json:"monteCarloRuns"`
}

// FoldMetrics are core metrics computed over one slice of the equity curve
type FoldMetrics struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Bars        int       `json:"bars"`
	Return      float64   `json:"return"`
	Sharpe      float64   `json:"sharpe"`
	MaxDrawdown float64   `json:"maxDrawdown"`
}

// WalkForwardFold pairs a train window with the test window following it
type WalkForwardFold struct {
	Index       int         `json:"index"`
	Train       FoldMetrics `json:"train"`
	Test        FoldMetrics `json:"test"`
	Degradation float64     `json:"degradation"`
}

// OverfittingAnalysis compares in-sample and out-of-sample behaviour
type OverfittingAnalysis struct {
	Section
	InSample           FoldMetrics       `json:"inSample"`
	OutOfSample        FoldMetrics       `json:"outOfSample"`
	Degradation        float64           `json:"degradation"`
	Folds              []WalkForwardFold `json:"folds"`
	FoldsUnavailable   string            `json:"foldsUnavailable,omitempty"`
	AvgFoldDegradation float64           `json:"avgFoldDegradation"`
	Robustness         float64           `json:"robustness"`
	Overfit            bool              `json:"overfit"`
}

// SensitivityPoint is one perturbed evaluation of a parameter
type SensitivityPoint struct {
	Value        float64 `json:"value"`
	Perturbation float64 `json:"perturbation"`
	Sharpe       float64 `json:"sharpe"`
	Return       float64 `json:"return"`
	DeltaSharpe  float64 `json:"deltaSharpe"`
	DeltaReturn  float64 `json:"deltaReturn"`
	Error        string  `json:"error,omitempty"`
}

// ParameterSensitivity is the sensitivity curve of one strategy parameter
type ParameterSensitivity struct {
	Name      string             `json:"name"`
	Base      float64            `json:"base"`
	Points    []SensitivityPoint `json:"points"`
	MaxDelta  float64            `json:"maxDelta"`
	Fragility float64            `json:"fragility"`
	Fragile   bool               `json:"fragile"`
}

// SensitivityAnalysis holds one curve per strategy parameter
type SensitivityAnalysis struct {
	Section
	BaseSharpe float64                `json:"baseSharpe"`
	Parameters []ParameterSensitivity `json:"parameters"`
}

// SuggestionPriority ranks suggestions
type SuggestionPriority string

const (
	SuggestionHigh   SuggestionPriority = "high"
	SuggestionMedium SuggestionPriority = "medium"
	SuggestionLow    SuggestionPriority = "low"
)

// Rank orders priorities, lower first
func (p SuggestionPriority) Rank() int {
	switch p {
	case SuggestionHigh:
		return 0
	case SuggestionMedium:
		return 1
	default:
		return 2
	}
}

// Suggestion is a rule-derived recommendation
type Suggestion struct {
	Rule     string             `json:"rule"`
	Category string             `json:"category"`
	Priority SuggestionPriority `json:"priority"`
	Message  string             `json:"message"`
	Action   string             `json:"action"`
}

// DiagnosisResult is the post-run analysis of one backtest result
type DiagnosisResult struct {
	ID          string              `json:"id"`
	ResultID    string              `json:"resultId"`
	Params      DiagnosisParams     `json:"params"`
	Revenue     RevenueAnalysis     `json:"revenue"`
	Risk        RiskAnalysis        `json:"risk"`
	Overfitting OverfittingAnalysis `json:"overfitting"`
	Sensitivity SensitivityAnalysis `json:"sensitivity"`
	Suggestions []Suggestion        `json:"suggestions"`
}
