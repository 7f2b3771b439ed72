package tasks_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/internal/tasks"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateParamsRequiredKeys(t *testing.T) {
	cases := []struct {
		name    string
		typ     types.TaskType
		params  map[string]any
		wantErr bool
	}{
		{"backtest ok", types.TaskTypeBacktest, map[string]any{"strategy_id": "ma_cross", "dataset_id": "d"}, false},
		{"backtest missing dataset", types.TaskTypeBacktest, map[string]any{"strategy_id": "ma_cross"}, true},
		{"backtest blank strategy", types.TaskTypeBacktest, map[string]any{"strategy_id": "  ", "dataset_id": "d"}, true},
		{"backtest unknown strategy", types.TaskTypeBacktest, map[string]any{"strategy_id": "astrology", "dataset_id": "d"}, true},
		{"backtest bad parameter", types.TaskTypeBacktest, map[string]any{
			"strategy_id": "ma_cross",
			"dataset_id":  "d",
			"parameters":  map[string]any{"fast_period": 30, "slow_period": 10},
		}, true},
		{"factor ok", types.TaskTypeFactorBacktest, map[string]any{"strategy_id": "ma_cross", "dataset_id": "d"}, false},
		{"import ok", types.TaskTypeDataImport, map[string]any{"file_path": "/tmp/a.csv"}, false},
		{"import missing path", types.TaskTypeDataImport, map[string]any{}, true},
		{"preprocess ok", types.TaskTypeDataPreprocessing, map[string]any{"dataset_id": "d"}, false},
		{"custom code ok", types.TaskTypeCustomCode, map[string]any{"code": "print(1)"}, false},
		{"custom code nil", types.TaskTypeCustomCode, map[string]any{"code": nil}, true},
		{"optimization missing grid", types.TaskTypeOptimization, map[string]any{"strategy_id": "ma_cross", "dataset_id": "d"}, true},
		{"optimization ok", types.TaskTypeOptimization, map[string]any{
			"strategy_id": "ma_cross",
			"dataset_id":  "d",
			"param_grid":  map[string]any{"fast_period": []any{5, 10}},
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tasks.ValidateParams(tc.typ, tc.params)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.KindValidation))
		})
	}
}

func TestEveryTaskTypeHasSchema(t *testing.T) {
	for _, typ := range types.AllTaskTypes {
		_, ok := tasks.SchemaFor(typ)
		assert.True(t, ok, typ)
	}
}

func TestDecodeBacktestConfig(t *testing.T) {
	cfg, err := tasks.DecodeBacktestConfig(map[string]any{
		"strategy_id":        "ma_cross",
		"dataset_id":         "demo",
		"symbols":            []any{"AAA", "BBB"},
		"start_date":         "2022-01-03",
		"end_date":           "2022-12-30T00:00:00Z",
		"initial_capital":    "250000",
		"max_position_ratio": 0.5,
		"max_holdings":       "3",
		"commission":         map[string]any{"kind": "ratio", "value": 0.0003, "min": 5},
		"stamp_duty":         map[string]any{"value": "0.001"},
		"limit_stop":         true,
		"parameters":         map[string]any{"fast_period": 5, "slow_period": "20"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA", "BBB"}, cfg.Symbols)
	assert.Equal(t, time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC), cfg.StartDate)
	assert.Equal(t, time.Date(2022, 12, 30, 0, 0, 0, 0, time.UTC), cfg.EndDate)
	assert.True(t, cfg.InitialCapital.Equal(decimal.NewFromInt(250000)))
	assert.True(t, cfg.MaxPositionRatio.Equal(decimal.NewFromFloat(0.5)))
	assert.Equal(t, 3, cfg.MaxHoldings)
	assert.Equal(t, types.CostKindRatio, cfg.Commission.Kind)
	assert.True(t, cfg.Commission.Min.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, types.CostKindRatio, cfg.StampDuty.Kind)
	assert.True(t, cfg.LimitThreshold.Equal(decimal.NewFromFloat(0.1)))
	assert.Equal(t, 20.0, cfg.Parameters["slow_period"])
	assert.Equal(t, types.Timeframe1d, cfg.Timeframe)
}

func TestDecodeBacktestConfigDefaults(t *testing.T) {
	cfg, err := tasks.DecodeBacktestConfig(map[string]any{"strategy_id": "ma_cross", "dataset_id": "d"})
	require.NoError(t, err)
	assert.True(t, cfg.InitialCapital.Equal(tasks.DefaultInitialCapital))
	assert.Equal(t, types.DefaultEndDate, cfg.EndDate)
	assert.Equal(t, types.DefaultEndDate.AddDate(-2, 0, 0), cfg.StartDate)
	assert.Equal(t, 10, cfg.MaxHoldings)
}

func TestDecodeBacktestConfigRejects(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{"strategy_id": "ma_cross", "dataset_id": "d"}
	}
	cases := map[string]func(p map[string]any){
		"dates reversed":   func(p map[string]any) { p["start_date"] = "2023-02-01"; p["end_date"] = "2023-01-01" },
		"zero capital":     func(p map[string]any) { p["initial_capital"] = 0 },
		"negative capital": func(p map[string]any) { p["initial_capital"] = -5 },
		"ratio above one":  func(p map[string]any) { p["max_position_ratio"] = 1.5 },
		"zero holdings":    func(p map[string]any) { p["max_holdings"] = -1 },
		"bad date":         func(p map[string]any) { p["start_date"] = "yesterday" },
		"duplicate symbol": func(p map[string]any) { p["symbols"] = []any{"AAA", "AAA"} },
		"bad cost kind":    func(p map[string]any) { p["slippage"] = map[string]any{"kind": "magic"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := base()
			mutate(p)
			_, err := tasks.DecodeBacktestConfig(p)
			assert.Error(t, err)
		})
	}
}

func TestTransitionTable(t *testing.T) {
	to, err := tasks.Next(types.TaskStatusPending, tasks.OpStart)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, to)

	to, err = tasks.Next(types.TaskStatusPaused, tasks.OpComplete)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, to)

	to, err = tasks.Next(types.TaskStatusCompleted, tasks.OpCancel)
	require.Error(t, err)
	assert.Equal(t, types.TaskStatusCompleted, to)
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(err))

	assert.False(t, tasks.CanDelete(types.TaskStatusRunning))
	assert.True(t, tasks.CanDelete(types.TaskStatusFailed))
}

type isoDate string

type amount string

func TestDecodeBacktestConfigNamedStringTypes(t *testing.T) {
	cfg, err := tasks.DecodeBacktestConfig(map[string]any{
		"strategy_id":     "ma_cross",
		"dataset_id":      "demo",
		"start_date":      isoDate("2022-01-03"),
		"end_date":        isoDate("2022-06-30"),
		"initial_capital": amount("125000"),
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC), cfg.StartDate)
	assert.True(t, cfg.InitialCapital.Equal(decimal.NewFromInt(125000)))
}
