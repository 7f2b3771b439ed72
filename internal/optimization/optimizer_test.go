package optimization

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/internal/data"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseGrid(t *testing.T) {
	grid, err := ParseGrid(map[string]any{
		"slow_period": map[string]any{"type": "integer", "min": 10, "max": 30, "step": 10},
		"fast_period": []any{3.0, 5.0},
		"stop_loss":   map[string]any{"min": 0.0, "max": 0.1},
	})
	require.NoError(t, err)
	require.Len(t, grid.Params, 3)
	assert.Equal(t, "fast_period", grid.Params[0].Name)
	assert.Equal(t, ParamTypeDiscrete, grid.Params[0].Type)
	assert.Equal(t, []float64{10, 20, 30}, grid.Params[1].Values())
	assert.Len(t, grid.Params[2].Values(), defaultResolution+1)
	assert.Equal(t, 2*3*11, grid.Size())
	assert.Len(t, grid.Combinations(), grid.Size())

	for name, raw := range map[string]any{
		"not an object": []any{1, 2},
		"empty":         map[string]any{},
		"empty list":    map[string]any{"fast_period": []any{}},
		"bad type":      map[string]any{"fast_period": map[string]any{"type": "fuzzy", "min": 1, "max": 2}},
		"min above max": map[string]any{"fast_period": map[string]any{"type": "integer", "min": 9, "max": 2}},
		"scalar":        map[string]any{"fast_period": 5},
		"too large": map[string]any{
			"a": map[string]any{"type": "integer", "min": 0, "max": 200},
			"b": map[string]any{"type": "integer", "min": 0, "max": 200},
		},
	} {
		_, err := ParseGrid(raw)
		assert.Error(t, err, name)
	}
}

func TestGrid_CombinationOrder(t *testing.T) {
	grid, err := ParseGrid(map[string]any{
		"fast_period": []any{3, 5},
		"slow_period": []any{4, 10},
	})
	require.NoError(t, err)

	assert.Equal(t, []ParamSet{
		{"fast_period": 3, "slow_period": 4},
		{"fast_period": 3, "slow_period": 10},
		{"fast_period": 5, "slow_period": 4},
		{"fast_period": 5, "slow_period": 10},
	}, grid.Combinations())
}

func TestGrid_Sample(t *testing.T) {
	grid, err := ParseGrid(map[string]any{
		"fast_period": map[string]any{"type": "integer", "min": 2, "max": 11},
		"slow_period": map[string]any{"type": "integer", "min": 20, "max": 29},
	})
	require.NoError(t, err)

	a := grid.Sample(7, 9)
	assert.Len(t, a, 7)
	assert.Equal(t, a, grid.Sample(7, 9))
	assert.Len(t, grid.Sample(500, 9), 100)
}

func TestGrid_Validate(t *testing.T) {
	cfg := &types.BacktestConfig{StrategyID: "ma_cross", Parameters: map[string]float64{}}

	grid, err := ParseGrid(map[string]any{"fast_period": []any{3, 5}, "slow_period": []any{4}})
	require.NoError(t, err)
	assert.NoError(t, grid.Validate(strategy.Default, cfg), "3/4 is valid even though 5/4 is not")

	grid, err = ParseGrid(map[string]any{"lookback": []any{10}})
	require.NoError(t, err)
	assert.Error(t, grid.Validate(strategy.Default, cfg), "parameter of another strategy")

	grid, err = ParseGrid(map[string]any{"fast_period": []any{1}})
	require.NoError(t, err)
	assert.Error(t, grid.Validate(strategy.Default, cfg), "outside the domain")

	grid, err = ParseGrid(map[string]any{"fast_period": []any{30}, "slow_period": []any{10}})
	require.NoError(t, err)
	assert.Error(t, grid.Validate(strategy.Default, cfg), "no valid combination")

	assert.Error(t, grid.Validate(strategy.Default, &types.BacktestConfig{StrategyID: "astrology"}))
}

func TestDecodeOptions(t *testing.T) {
	opts, err := DecodeOptions(map[string]any{"param_grid": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, MethodGridSearch, opts.Method)
	assert.Equal(t, "sharpe", opts.TargetMetric)

	opts, err = DecodeOptions(map[string]any{"search_method": "random", "samples": "12", "target_metric": "calmar"})
	require.NoError(t, err)
	assert.Equal(t, 12, opts.Samples)

	_, err = DecodeOptions(map[string]any{"search_method": "random"})
	assert.Error(t, err)
	_, err = DecodeOptions(map[string]any{"search_method": "genetic"})
	assert.Error(t, err)
	_, err = DecodeOptions(map[string]any{"target_metric": "vibes"})
	assert.Error(t, err)
}

func searchFixture(t *testing.T) (*Optimizer, backtester.Engine, *types.BacktestConfig, Grid) {
	t.Helper()
	store, err := data.NewStore(zap.NewNop(), t.TempDir(), nil)
	require.NoError(t, err)
	engine := backtester.NewReplayEngine(zap.NewNop(), store, nil)

	cfg := &types.BacktestConfig{
		StrategyID:     "ma_cross",
		DatasetID:      "demo",
		Symbols:        []string{"MSFT"},
		StartDate:      time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC),
		InitialCapital: decimal.NewFromInt(1_000_000),
	}
	cfg.ApplyDefaults()

	grid, err := ParseGrid(map[string]any{
		"fast_period": []any{3, 5},
		"slow_period": []any{4, 10},
	})
	require.NoError(t, err)
	return NewOptimizer(zap.NewNop(), engine, nil), engine, cfg, grid
}

func drainSearch(t *testing.T, s *Search) ([]backtester.Progress, *types.BacktestResult) {
	t.Helper()
	var progress []backtester.Progress
	for {
		ev, err := s.Next(context.Background())
		require.NoError(t, err)
		if ev.Result != nil {
			return progress, ev.Result
		}
		progress = append(progress, *ev.Progress)
	}
}

func TestSearch_PicksBestCombination(t *testing.T) {
	opt, engine, cfg, grid := searchFixture(t)
	opts := Options{Method: MethodGridSearch, TargetMetric: "total_return"}

	search, err := opt.Run(context.Background(), cfg, grid, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, search.Combinations())

	progress, result := drainSearch(t, search)
	evaluated, skipped := search.Stats()
	assert.Equal(t, 3, evaluated)
	assert.Equal(t, 1, skipped, "fast 5 / slow 4 is rejected by the strategy")

	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].Step, progress[i-1].Step)
	}
	last := progress[len(progress)-1]
	assert.Equal(t, last.TotalSteps, last.Step)

	// Score every valid combination independently
	var bestParams map[string]float64
	var bestReturn decimal.Decimal
	for _, combo := range grid.Combinations() {
		c := cfg.Clone()
		c.Parameters = combo.Merge(cfg.Parameters)
		if strategy.Default.Validate(c.StrategyID, c.Parameters) != nil {
			continue
		}
		r, err := backtester.RunToCompletion(context.Background(), engine, c)
		require.NoError(t, err)
		if bestParams == nil || r.Metrics.TotalReturn.GreaterThan(bestReturn) {
			bestParams, bestReturn = c.Parameters, r.Metrics.TotalReturn
		}
	}
	assert.Equal(t, bestParams, result.Config.Parameters)
	assert.True(t, bestReturn.Equal(result.Metrics.TotalReturn))

	_, err = search.Next(context.Background())
	assert.ErrorIs(t, err, backtester.ErrDone)
}

func TestSearch_ResumeFromCheckpoint(t *testing.T) {
	opt, _, cfg, grid := searchFixture(t)
	opts := Options{Method: MethodGridSearch, TargetMetric: "sharpe"}

	full, err := opt.Run(context.Background(), cfg, grid, opts, nil)
	require.NoError(t, err)
	_, want := drainSearch(t, full)

	first, err := opt.Run(context.Background(), cfg, grid, opts, nil)
	require.NoError(t, err)
	ev, err := first.Next(context.Background())
	require.NoError(t, err)
	// Stop halfway through the second combination
	for i := 0; i < ev.Progress.TotalSteps/4+ev.Progress.TotalSteps/8; i++ {
		_, err := first.Next(context.Background())
		require.NoError(t, err)
	}
	cp, err := first.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, 1, cp.Index)
	require.NotNil(t, cp.Inner)
	first.Cancel()
	_, err = first.Next(context.Background())
	assert.ErrorIs(t, err, backtester.ErrCancelled)

	raw, err := json.Marshal(cp)
	require.NoError(t, err)
	var restored Checkpoint
	require.NoError(t, json.Unmarshal(raw, &restored))

	resumed, err := opt.Run(context.Background(), cfg, grid, opts, &restored)
	require.NoError(t, err)
	_, got := drainSearch(t, resumed)

	assert.Equal(t, want.Config.Parameters, got.Config.Parameters)
	assert.True(t, want.Metrics.SharpeRatio.Equal(got.Metrics.SharpeRatio))
	assert.Equal(t, len(want.Trades), len(got.Trades))
}
