package types

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// CostKind selects how a CostRule prices a fill
type CostKind string

const (
	CostKindRatio   CostKind = "ratio"
	CostKindFixed   CostKind = "fixed"
	CostKindDynamic CostKind = "dynamic"
)

// CostRule prices one component of transaction cost.
// ratio: notional * Value, floored at Min.
// fixed: Value per fill.
// dynamic: notional * (Value + ImpactFactor * sqrt(quantity / bar volume)), floored at Min.
type CostRule struct {
	Kind         CostKind        `json:"kind" mapstructure:"kind"`
	Value        decimal.Decimal `json:"value" mapstructure:"value"`
	Min          decimal.Decimal `json:"min" mapstructure:"min"`
	ImpactFactor decimal.Decimal `json:"impactFactor" mapstructure:"impact_factor"`
}

// Apply returns the cost of a fill of quantity at price on a bar with volume
func (r CostRule) Apply(price, quantity, volume decimal.Decimal) decimal.Decimal {
	notional := price.Mul(quantity)
	var cost decimal.Decimal
	switch r.Kind {
	case CostKindFixed:
		return r.Value
	case CostKindDynamic:
		rate := r.Value
		if volume.IsPositive() && r.ImpactFactor.IsPositive() {
			participation := quantity.Div(volume).InexactFloat64()
			rate = rate.Add(r.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(participation))))
		}
		cost = notional.Mul(rate)
	default:
		cost = notional.Mul(r.Value)
	}
	if cost.LessThan(r.Min) {
		return r.Min
	}
	return cost
}

func (r CostRule) validate(name string) error {
	switch r.Kind {
	case "", CostKindRatio, CostKindFixed, CostKindDynamic:
	default:
		return fmt.Errorf("%s: unknown cost kind %q", name, r.Kind)
	}
	if r.Value.IsNegative() || r.Min.IsNegative() || r.ImpactFactor.IsNegative() {
		return fmt.Errorf("%s: cost values must be non-negative", name)
	}
	return nil
}

// DefaultEndDate closes the replay window when a config leaves it open
var DefaultEndDate = time.Date(2023, 12, 29, 0, 0, 0, 0, time.UTC)

// BacktestConfig represents the configuration for a backtest run
type BacktestConfig struct {
	StrategyID     string          `json:"strategyId" mapstructure:"strategy_id"`
	DatasetID      string          `json:"datasetId" mapstructure:"dataset_id"`
	Symbols        []string        `json:"symbols,omitempty" mapstructure:"symbols"`
	StartDate      time.Time       `json:"startDate" mapstructure:"start_date"`
	EndDate        time.Time       `json:"endDate" mapstructure:"end_date"`
	Timeframe      Timeframe       `json:"timeframe" mapstructure:"timeframe"`
	InitialCapital decimal.Decimal `json:"initialCapital" mapstructure:"initial_capital"`

	Commission CostRule `json:"commission" mapstructure:"commission"`
	StampDuty  CostRule `json:"stampDuty" mapstructure:"stamp_duty"`
	Slippage   CostRule `json:"slippage" mapstructure:"slippage"`

	// LimitStop marks bars whose move from the previous close reaches
	// LimitThreshold as untradeable
	LimitStop          bool            `json:"limitStop" mapstructure:"limit_stop"`
	LimitThreshold     decimal.Decimal `json:"limitThreshold" mapstructure:"limit_threshold"`
	LiquidityThreshold decimal.Decimal `json:"liquidityThreshold" mapstructure:"liquidity_threshold"`
	MaxPositionRatio   decimal.Decimal `json:"maxPositionRatio" mapstructure:"max_position_ratio"`
	MaxHoldings        int             `json:"maxHoldings" mapstructure:"max_holdings"`

	Parameters map[string]float64 `json:"parameters,omitempty" mapstructure:"parameters"`
}

// ApplyDefaults fills unset optional fields
func (c *BacktestConfig) ApplyDefaults() {
	if c.Timeframe == "" {
		c.Timeframe = Timeframe1d
	}
	if c.EndDate.IsZero() {
		c.EndDate = DefaultEndDate
	}
	if c.StartDate.IsZero() {
		c.StartDate = c.EndDate.AddDate(-2, 0, 0)
	}
	if c.Commission.Kind == "" {
		c.Commission.Kind = CostKindRatio
	}
	if c.StampDuty.Kind == "" {
		c.StampDuty.Kind = CostKindRatio
	}
	if c.Slippage.Kind == "" {
		c.Slippage.Kind = CostKindRatio
	}
	if c.LimitStop && c.LimitThreshold.IsZero() {
		c.LimitThreshold = decimal.NewFromFloat(0.1)
	}
	if c.MaxPositionRatio.IsZero() {
		c.MaxPositionRatio = decimal.NewFromInt(1)
	}
	if c.MaxHoldings == 0 {
		c.MaxHoldings = 10
	}
	if c.Parameters == nil {
		c.Parameters = map[string]float64{}
	}
}

// Validate checks ranges and orderings; it does not apply defaults
func (c *BacktestConfig) Validate() error {
	if c.StrategyID == "" {
		return fmt.Errorf("strategy_id is required")
	}
	if c.DatasetID == "" {
		return fmt.Errorf("dataset_id is required")
	}
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return fmt.Errorf("start_date and end_date are required")
	}
	if len(c.Symbols) > 0 {
		seen := make(map[string]struct{}, len(c.Symbols))
		for _, s := range c.Symbols {
			if s == "" {
				return fmt.Errorf("symbols must not contain empty names")
			}
			if _, dup := seen[s]; dup {
				return fmt.Errorf("duplicate symbol %q", s)
			}
			seen[s] = struct{}{}
		}
	}
	if c.StartDate.After(c.EndDate) {
		return fmt.Errorf("start_date %s is after end_date %s",
			c.StartDate.Format("2006-01-02"), c.EndDate.Format("2006-01-02"))
	}
	if !c.InitialCapital.IsPositive() {
		return fmt.Errorf("initial_capital must be > 0")
	}
	if !c.MaxPositionRatio.IsPositive() || c.MaxPositionRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("max_position_ratio must be in (0, 1]")
	}
	if c.MaxHoldings < 1 {
		return fmt.Errorf("max_holdings must be >= 1")
	}
	if c.LiquidityThreshold.IsNegative() {
		return fmt.Errorf("liquidity_threshold must be >= 0")
	}
	if c.LimitThreshold.IsNegative() {
		return fmt.Errorf("limit_threshold must be >= 0")
	}
	if err := c.Commission.validate("commission"); err != nil {
		return err
	}
	if err := c.StampDuty.validate("stamp_duty"); err != nil {
		return err
	}
	if err := c.Slippage.validate("slippage"); err != nil {
		return err
	}
	return nil
}

// Clone returns a copy with its own Symbols and Parameters
func (c *BacktestConfig) Clone() *BacktestConfig {
	cp := *c
	cp.Symbols = append([]string(nil), c.Symbols...)
	cp.Parameters = make(map[string]float64, len(c.Parameters))
	for k, v := range c.Parameters {
		cp.Parameters[k] = v
	}
	return &cp
}

// Holding is the end-of-run position snapshot for one symbol.
// Closed positions are kept with zero quantity so realized PnL stays attributable.
type Holding struct {
	Symbol        string          `json:"symbol"`
	Sector        string          `json:"sector"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avgCost"`
	MarketValue   decimal.Decimal `json:"marketValue"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// TotalPnL is realized plus unrealized
func (h Holding) TotalPnL() decimal.Decimal {
	return h.RealizedPnL.Add(h.UnrealizedPnL)
}

// BacktestResult represents the results of a backtest
type BacktestResult struct {
	ID            string              `json:"id"`
	TaskID        string              `json:"taskId"`
	Config        *BacktestConfig     `json:"config"`
	Metrics       *PerformanceMetrics `json:"metrics"`
	EquityCurve   []EquityCurvePoint  `json:"equityCurve"`
	Trades        []Trade             `json:"trades"`
	Holdings      []Holding           `json:"holdings"`
	BarsProcessed int                 `json:"barsProcessed"`
	StartedAt     time.Time           `json:"startedAt"`
	CompletedAt   time.Time           `json:"completedAt"`
}

// ValidateEquityCurve checks that points are strictly ordered by date
func ValidateEquityCurve(curve []EquityCurvePoint) error {
	for i := 1; i < len(curve); i++ {
		if !curve[i].Timestamp.After(curve[i-1].Timestamp) {
			return fmt.Errorf("equity curve point %d at %s is not after %s",
				i, curve[i].Timestamp.Format(time.RFC3339), curve[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

// ResultSummary is the headline payload stored on a completed task
type ResultSummary struct {
	ResultID        string             `json:"resultId"`
	TotalReturn     decimal.Decimal    `json:"totalReturn"`
	SharpeRatio     decimal.Decimal    `json:"sharpeRatio"`
	MaxDrawdown     decimal.Decimal    `json:"maxDrawdown"`
	TotalTrades     int                `json:"totalTrades"`
	BestParameters  map[string]float64 `json:"bestParameters,omitempty"`
	CombinationsRun int                `json:"combinationsRun,omitempty"`
}

// TaskProgress is the payload of a progress event
type TaskProgress struct {
	TaskID        string          `json:"taskId"`
	Progress      float64         `json:"progress"`
	CurrentStep   string          `json:"currentStep,omitempty"`
	ETA           *int64          `json:"eta,omitempty"`
	BarsProcessed int             `json:"barsProcessed"`
	TotalBars     int             `json:"totalBars"`
	Equity        decimal.Decimal `json:"equity"`
}
