// Package strategy provides the built-in bar strategies replayed by the backtester.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"github.com/shopspring/decimal"
)

// Strategy turns the bars of one symbol into signals
type Strategy interface {
	Name() string
	// OnBar observes a closed bar and returns a signal or nil
	OnBar(bar types.Bar) *Signal
	Reset()
}

// Signal asks the engine to enter or leave a position at the next bar
type Signal struct {
	Side   types.OrderSide
	Reason string
}

// ParameterSpec is the domain of one strategy parameter
type ParameterSpec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Default     float64 `json:"default"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Integer     bool    `json:"integer"`
}

// Clamp brings v into the domain, rounding integer parameters
func (p ParameterSpec) Clamp(v float64) float64 {
	if p.Integer {
		v = math.Round(v)
	}
	return utils.Clamp(v, p.Min, p.Max)
}

// Factory builds a strategy instance for one symbol
type Factory func(params map[string]float64) Strategy

type definition struct {
	specs   []ParameterSpec
	factory Factory
	check   func(params map[string]float64) error
}

// Registry manages available strategies
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]definition
}

// NewRegistry creates a registry holding the built-in strategies
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]definition)}

	r.Register("ma_cross", maCrossSpecs, newMACross, checkMACross)
	r.Register("momentum", momentumSpecs, newMomentum, nil)
	r.Register("breakout", breakoutSpecs, newBreakout, nil)
	r.Register("buy_and_hold", nil, func(map[string]float64) Strategy { return &buyAndHold{} }, nil)

	return r
}

// Default is the registry used by the service
var Default = NewRegistry()

// Register adds or replaces a strategy
func (r *Registry) Register(name string, specs []ParameterSpec, factory Factory, check func(map[string]float64) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = definition{specs: specs, factory: factory, check: check}
}

// List returns all strategy names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the parameter domains of a strategy
func (r *Registry) Specs(name string) ([]ParameterSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.strategies[name]
	if !ok {
		return nil, false
	}
	return append([]ParameterSpec(nil), def.specs...), true
}

// Validate checks that the strategy exists and that params lie in their domains
func (r *Registry) Validate(name string, params map[string]float64) error {
	r.mu.RLock()
	def, ok := r.strategies[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}

	resolved := resolve(def.specs, params)
	for _, spec := range def.specs {
		v := resolved[spec.Name]
		if math.IsNaN(v) || v < spec.Min || v > spec.Max {
			return fmt.Errorf("parameter %s=%v outside [%v, %v]", spec.Name, v, spec.Min, spec.Max)
		}
	}
	if def.check != nil {
		return def.check(resolved)
	}
	return nil
}

// Create builds a strategy instance; params missing from the domain use defaults
func (r *Registry) Create(name string, params map[string]float64) (Strategy, error) {
	if err := r.Validate(name, params); err != nil {
		return nil, err
	}
	r.mu.RLock()
	def := r.strategies[name]
	r.mu.RUnlock()
	return def.factory(resolve(def.specs, params)), nil
}

func resolve(specs []ParameterSpec, params map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(specs))
	for _, spec := range specs {
		if v, ok := params[spec.Name]; ok {
			out[spec.Name] = v
		} else {
			out[spec.Name] = spec.Default
		}
	}
	return out
}

var maCrossSpecs = []ParameterSpec{
	{Name: "fast_period", Description: "Fast moving average window", Default: 5, Min: 2, Max: 60, Integer: true},
	{Name: "slow_period", Description: "Slow moving average window", Default: 20, Min: 3, Max: 250, Integer: true},
	{Name: "stop_loss", Description: "Exit when close falls this fraction below cost, 0 disables", Default: 0, Min: 0, Max: 0.5},
}

func checkMACross(p map[string]float64) error {
	if p["fast_period"] >= p["slow_period"] {
		return fmt.Errorf("fast_period %v must be below slow_period %v", p["fast_period"], p["slow_period"])
	}
	return nil
}

// maCross buys when the fast average crosses above the slow one and sells on
// the opposite cross
type maCross struct {
	fastPeriod int
	slowPeriod int
	fast       *utils.SMA
	slow       *utils.SMA
	above      bool
	primed     bool
}

func newMACross(p map[string]float64) Strategy {
	s := &maCross{
		fastPeriod: int(p["fast_period"]),
		slowPeriod: int(p["slow_period"]),
	}
	s.Reset()
	return s
}

func (s *maCross) Name() string { return "ma_cross" }

func (s *maCross) Reset() {
	s.fast = utils.NewSMA(s.fastPeriod)
	s.slow = utils.NewSMA(s.slowPeriod)
	s.above = false
	s.primed = false
}

func (s *maCross) OnBar(bar types.Bar) *Signal {
	fast := s.fast.Add(bar.Close)
	slow := s.slow.Add(bar.Close)
	if !s.slow.Ready() {
		return nil
	}

	above := fast.GreaterThan(slow)
	defer func() { s.above, s.primed = above, true }()

	if !s.primed || above == s.above {
		return nil
	}
	if above {
		return &Signal{Side: types.OrderSideBuy, Reason: "golden cross"}
	}
	return &Signal{Side: types.OrderSideSell, Reason: "death cross"}
}

var momentumSpecs = []ParameterSpec{
	{Name: "period", Description: "Lookback period for momentum calculation", Default: 14, Min: 2, Max: 100, Integer: true},
	{Name: "threshold", Description: "Minimum momentum threshold for signal", Default: 0.02, Min: 0.001, Max: 0.5},
}

// momentum buys when the return over period exceeds threshold and sells when
// it falls below its negative
type momentum struct {
	period    int
	threshold decimal.Decimal
	closes    []decimal.Decimal
}

func newMomentum(p map[string]float64) Strategy {
	return &momentum{
		period:    int(p["period"]),
		threshold: decimal.NewFromFloat(p["threshold"]),
	}
}

func (s *momentum) Name() string { return "momentum" }

func (s *momentum) Reset() { s.closes = s.closes[:0] }

func (s *momentum) OnBar(bar types.Bar) *Signal {
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) > s.period+1 {
		s.closes = s.closes[1:]
	}
	if len(s.closes) <= s.period {
		return nil
	}

	past := s.closes[0]
	if past.IsZero() {
		return nil
	}
	mom := bar.Close.Sub(past).Div(past)
	switch {
	case mom.GreaterThan(s.threshold):
		return &Signal{Side: types.OrderSideBuy, Reason: "positive momentum"}
	case mom.LessThan(s.threshold.Neg()):
		return &Signal{Side: types.OrderSideSell, Reason: "negative momentum"}
	}
	return nil
}

var breakoutSpecs = []ParameterSpec{
	{Name: "lookback", Description: "Period for high/low detection", Default: 20, Min: 5, Max: 120, Integer: true},
	{Name: "min_volume_mult", Description: "Minimum volume multiplier for breakout confirmation", Default: 1.0, Min: 0, Max: 5},
}

// breakout buys a close above the lookback high and sells a close below the
// lookback low, both confirmed by volume
type breakout struct {
	lookback   int
	minVolMult decimal.Decimal
	bars       []types.Bar
}

func newBreakout(p map[string]float64) Strategy {
	return &breakout{
		lookback:   int(p["lookback"]),
		minVolMult: decimal.NewFromFloat(p["min_volume_mult"]),
	}
}

func (s *breakout) Name() string { return "breakout" }

func (s *breakout) Reset() { s.bars = s.bars[:0] }

func (s *breakout) OnBar(bar types.Bar) *Signal {
	s.bars = append(s.bars, bar)
	if len(s.bars) > s.lookback+1 {
		s.bars = s.bars[1:]
	}
	if len(s.bars) <= s.lookback {
		return nil
	}

	window := s.bars[:len(s.bars)-1]
	highest, lowest := window[0].High, window[0].Low
	avgVolume := decimal.Zero
	for _, b := range window {
		highest = utils.MaxDecimal(highest, b.High)
		lowest = utils.MinDecimal(lowest, b.Low)
		avgVolume = avgVolume.Add(b.Volume)
	}
	avgVolume = avgVolume.Div(decimal.NewFromInt(int64(len(window))))
	if bar.Volume.LessThan(avgVolume.Mul(s.minVolMult)) {
		return nil
	}

	switch {
	case bar.Close.GreaterThan(highest):
		return &Signal{Side: types.OrderSideBuy, Reason: "bullish breakout"}
	case bar.Close.LessThan(lowest):
		return &Signal{Side: types.OrderSideSell, Reason: "bearish breakout"}
	}
	return nil
}

// buyAndHold enters on the first bar and never exits
type buyAndHold struct {
	entered bool
}

func (s *buyAndHold) Name() string { return "buy_and_hold" }

func (s *buyAndHold) Reset() { s.entered = false }

func (s *buyAndHold) OnBar(types.Bar) *Signal {
	if s.entered {
		return nil
	}
	s.entered = true
	return &Signal{Side: types.OrderSideBuy, Reason: "initial entry"}
}
