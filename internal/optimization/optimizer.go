// Package optimization provides strategy parameter search over the backtest engine.
// Each combination is a full replay; the search is exposed as a stream that
// advances one replay step per pull, so it can be paused, checkpointed and
// cancelled like a single backtest.
package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// OptimizationMethod represents the search algorithm
type OptimizationMethod string

const (
	MethodGridSearch   OptimizationMethod = "grid"
	MethodRandomSearch OptimizationMethod = "random"
)

// Options configures one search. Decoded from the task params next to param_grid.
type Options struct {
	Method       OptimizationMethod `mapstructure:"search_method"`
	Samples      int                `mapstructure:"samples"`
	Seed         int64              `mapstructure:"seed"`
	TargetMetric string             `mapstructure:"target_metric"`
}

// DecodeOptions reads search options from task params and applies defaults
func DecodeOptions(params map[string]any) (Options, error) {
	var opts Options
	if err := mapstructure.WeakDecode(params, &opts); err != nil {
		return opts, err
	}
	if opts.Method == "" {
		opts.Method = MethodGridSearch
	}
	if opts.TargetMetric == "" {
		opts.TargetMetric = "sharpe"
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	switch opts.Method {
	case MethodGridSearch:
	case MethodRandomSearch:
		if opts.Samples <= 0 {
			return opts, fmt.Errorf("random search needs samples > 0")
		}
	default:
		return opts, fmt.Errorf("unknown search_method %q", opts.Method)
	}
	if _, ok := objectives[opts.TargetMetric]; !ok {
		return opts, fmt.Errorf("unknown target_metric %q", opts.TargetMetric)
	}
	return opts, nil
}

// objectives score a result; higher is better
var objectives = map[string]func(*types.PerformanceMetrics) float64{
	"sharpe":       func(m *types.PerformanceMetrics) float64 { return m.SharpeRatio.InexactFloat64() },
	"sortino":      func(m *types.PerformanceMetrics) float64 { return m.SortinoRatio.InexactFloat64() },
	"calmar":       func(m *types.PerformanceMetrics) float64 { return m.CalmarRatio.InexactFloat64() },
	"total_return": func(m *types.PerformanceMetrics) float64 { return m.TotalReturn.InexactFloat64() },
	"max_drawdown": func(m *types.PerformanceMetrics) float64 { return -m.MaxDrawdown.InexactFloat64() },
}

// Evaluation is the outcome of one parameter combination
type Evaluation struct {
	Index  int                   `json:"index"`
	Params ParamSet              `json:"params"`
	Score  float64               `json:"score"`
	Result *types.BacktestResult `json:"result"`
}

// Checkpoint is the position of a search: the combination being replayed,
// that replay's own checkpoint, and the best evaluation so far
type Checkpoint struct {
	Index     int                    `json:"index"`
	Inner     *backtester.Checkpoint `json:"inner,omitempty"`
	Best      *Evaluation            `json:"best,omitempty"`
	Evaluated int                    `json:"evaluated"`
	Skipped   int                    `json:"skipped"`
}

// Optimizer runs parameter searches on an engine
type Optimizer struct {
	logger     *zap.Logger
	engine     backtester.Engine
	strategies *strategy.Registry
}

// NewOptimizer creates an optimizer
func NewOptimizer(logger *zap.Logger, engine backtester.Engine, strategies *strategy.Registry) *Optimizer {
	if strategies == nil {
		strategies = strategy.Default
	}
	return &Optimizer{
		logger:     logger.With(zap.String("component", "optimizer")),
		engine:     engine,
		strategies: strategies,
	}
}

// Run opens a search over grid starting from base, resuming from cp when it is not nil
func (o *Optimizer) Run(ctx context.Context, base *types.BacktestConfig, grid Grid, opts Options, cp *Checkpoint) (*Search, error) {
	const op = "optimization.Run"

	if err := grid.Validate(o.strategies, base); err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, op, err)
	}

	var combos []ParamSet
	switch opts.Method {
	case MethodRandomSearch:
		combos = grid.Sample(opts.Samples, opts.Seed)
	default:
		combos = grid.Combinations()
	}
	score, ok := objectives[opts.TargetMetric]
	if !ok {
		return nil, apperrors.Validation(op, "unknown target_metric %q", opts.TargetMetric)
	}

	s := &Search{
		optimizer: o,
		base:      base.Clone(),
		combos:    combos,
		score:     score,
	}
	if cp != nil {
		if cp.Index < 0 || cp.Index > len(combos) {
			return nil, fmt.Errorf("checkpoint index %d outside 0..%d", cp.Index, len(combos))
		}
		s.index = cp.Index
		s.resume = cp.Inner
		s.best = cp.Best
		s.evaluated = cp.Evaluated
		s.skipped = cp.Skipped
	}

	o.logger.Info("Starting parameter search",
		zap.String("strategy", base.StrategyID),
		zap.String("method", string(opts.Method)),
		zap.String("target", opts.TargetMetric),
		zap.Int("combinations", len(combos)),
		zap.Int("from", s.index),
	)
	return s, nil
}

// Search is a running parameter search. It implements backtester.Stream
// except for checkpoints, which have their own type.
type Search struct {
	optimizer *Optimizer
	base      *types.BacktestConfig
	combos    []ParamSet
	score     func(*types.PerformanceMetrics) float64

	index     int
	inner     backtester.Stream
	resume    *backtester.Checkpoint
	best      *Evaluation
	evaluated int
	skipped   int

	// steps and bars of one replay, learned from the first progress event
	stepsPer int
	barsPer  int

	cancelled atomic.Bool
	done      bool
}

// Combinations is the number of combinations the search covers
func (s *Search) Combinations() int { return len(s.combos) }

// Stats returns how many combinations produced a result and how many were skipped
func (s *Search) Stats() (evaluated, skipped int) { return s.evaluated, s.skipped }

// Next advances the current replay by one step. The final event carries
// the best combination's result with its parameters in Config.
func (s *Search) Next(ctx context.Context) (backtester.Event, error) {
	if err := ctx.Err(); err != nil {
		return backtester.Event{}, err
	}
	if s.cancelled.Load() {
		if s.inner != nil {
			s.inner.Cancel()
			s.inner = nil
		}
		return backtester.Event{}, backtester.ErrCancelled
	}
	if s.done {
		return backtester.Event{}, backtester.ErrDone
	}

	for {
		if s.index == len(s.combos) {
			s.done = true
			if s.best == nil {
				return backtester.Event{}, fmt.Errorf("none of %d parameter combinations produced a result", len(s.combos))
			}
			s.optimizer.logger.Info("Parameter search completed",
				zap.Any("best", s.best.Params),
				zap.Float64("score", s.best.Score),
				zap.Int("evaluated", s.evaluated),
				zap.Int("skipped", s.skipped),
			)
			return backtester.Event{Result: s.best.Result}, nil
		}

		if s.inner == nil {
			cfg := s.base.Clone()
			cfg.Parameters = s.combos[s.index].Merge(s.base.Parameters)
			if err := s.optimizer.strategies.Validate(cfg.StrategyID, cfg.Parameters); err != nil {
				s.skip(err)
				continue
			}
			inner, err := s.optimizer.engine.Run(ctx, cfg, s.resume)
			s.resume = nil
			if err != nil {
				return backtester.Event{}, err
			}
			s.inner = inner
		}

		ev, err := s.inner.Next(ctx)
		var violation *backtester.ConstraintViolation
		switch {
		case errors.As(err, &violation):
			s.inner = nil
			s.skip(err)
			return backtester.Event{Progress: s.progress(nil)}, nil
		case err != nil:
			return backtester.Event{}, err
		}

		if ev.Result != nil {
			s.inner = nil
			s.record(ev.Result)
			return backtester.Event{Progress: s.progress(nil)}, nil
		}
		return backtester.Event{Progress: s.progress(ev.Progress)}, nil
	}
}

func (s *Search) skip(reason error) {
	s.optimizer.logger.Debug("Skipping parameter combination",
		zap.Int("index", s.index),
		zap.Any("params", s.combos[s.index]),
		zap.Error(reason),
	)
	s.skipped++
	s.index++
}

func (s *Search) record(result *types.BacktestResult) {
	score := s.score(result.Metrics)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = -math.MaxFloat64
	}
	// Ties keep the earlier combination
	if s.best == nil || score > s.best.Score {
		s.best = &Evaluation{
			Index:  s.index,
			Params: s.combos[s.index],
			Score:  score,
			Result: result,
		}
	}
	s.evaluated++
	s.index++
}

// progress maps a replay's progress onto the whole search. inner is nil at
// combination boundaries.
func (s *Search) progress(inner *backtester.Progress) *backtester.Progress {
	if inner != nil && s.stepsPer == 0 {
		s.stepsPer, s.barsPer = inner.TotalSteps, inner.TotalBars
	}
	per := s.stepsPer
	if per == 0 {
		per = 1
	}

	p := &backtester.Progress{
		Step:          s.index * per,
		TotalSteps:    len(s.combos) * per,
		BarsProcessed: s.index * s.barsPer,
		TotalBars:     len(s.combos) * s.barsPer,
	}
	if inner != nil {
		p.Step += inner.Step
		p.BarsProcessed += inner.BarsProcessed
		p.Timestamp = inner.Timestamp
		p.Equity = inner.Equity
	} else if s.best != nil {
		p.Equity = s.best.Result.EquityCurve[len(s.best.Result.EquityCurve)-1].Equity
	}
	return p
}

// Checkpoint snapshots the search at the current step boundary
func (s *Search) Checkpoint() (*Checkpoint, error) {
	cp := &Checkpoint{
		Index:     s.index,
		Best:      s.best,
		Evaluated: s.evaluated,
		Skipped:   s.skipped,
		Inner:     s.resume,
	}
	if s.inner != nil {
		inner, err := s.inner.Checkpoint()
		if err != nil {
			return nil, err
		}
		cp.Inner = inner
	}
	return cp, nil
}

// Cancel makes the following Next return ErrCancelled
func (s *Search) Cancel() {
	s.cancelled.Store(true)
}
