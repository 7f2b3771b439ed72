package tasks

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/internal/optimization"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
)

// DefaultInitialCapital is used when a backtest does not name its capital
var DefaultInitialCapital = decimal.NewFromInt(1_000_000)

// ParamSchema is the parameter variant of one task type
type ParamSchema struct {
	Type     types.TaskType
	Required []string
	// Check runs after the required keys are present
	Check func(params map[string]any) error
}

var schemas = map[types.TaskType]ParamSchema{
	types.TaskTypeBacktest: {
		Type:     types.TaskTypeBacktest,
		Required: []string{"strategy_id", "dataset_id"},
		Check:    checkBacktest,
	},
	types.TaskTypeFactorBacktest: {
		Type:     types.TaskTypeFactorBacktest,
		Required: []string{"strategy_id", "dataset_id"},
		Check:    checkBacktest,
	},
	types.TaskTypeOptimization: {
		Type:     types.TaskTypeOptimization,
		Required: []string{"strategy_id", "dataset_id", "param_grid"},
		Check:    checkOptimization,
	},
	types.TaskTypeDataImport: {
		Type:     types.TaskTypeDataImport,
		Required: []string{"file_path"},
	},
	types.TaskTypeDataPreprocessing: {
		Type:     types.TaskTypeDataPreprocessing,
		Required: []string{"dataset_id"},
	},
	types.TaskTypeCustomCode: {
		Type:     types.TaskTypeCustomCode,
		Required: []string{"code"},
	},
}

// SchemaFor returns the parameter schema of a task type
func SchemaFor(t types.TaskType) (ParamSchema, bool) {
	s, ok := schemas[t]
	return s, ok
}

// ValidateParams checks params against the variant of the task type
func ValidateParams(t types.TaskType, params map[string]any) error {
	const op = "tasks.ValidateParams"

	schema, ok := schemas[t]
	if !ok {
		return apperrors.Validation(op, "unknown task type %q", t)
	}
	var missing []string
	for _, key := range schema.Required {
		v, present := params[key]
		if !present || isEmpty(v) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return apperrors.Validation(op, "%s task requires params: %s", t, strings.Join(missing, ", "))
	}
	if schema.Check != nil {
		if err := schema.Check(params); err != nil {
			return apperrors.Validation(op, "%s params: %v", t, err)
		}
	}
	return nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func checkBacktest(params map[string]any) error {
	cfg, err := DecodeBacktestConfig(params)
	if err != nil {
		return err
	}
	return strategy.Default.Validate(cfg.StrategyID, cfg.Parameters)
}

func checkOptimization(params map[string]any) error {
	cfg, err := DecodeBacktestConfig(params)
	if err != nil {
		return err
	}
	grid, err := optimization.ParseGrid(params["param_grid"])
	if err != nil {
		return err
	}
	if _, err := optimization.DecodeOptions(params); err != nil {
		return err
	}
	return grid.Validate(strategy.Default, cfg)
}

// DecodeBacktestConfig decodes, defaults and validates a backtest configuration
func DecodeBacktestConfig(params map[string]any) (*types.BacktestConfig, error) {
	var cfg types.BacktestConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToTimeHook,
			toDecimalHook,
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(params); err != nil {
		return nil, err
	}
	if _, ok := params["initial_capital"]; !ok {
		cfg.InitialCapital = DefaultInitialCapital
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	decimalType = reflect.TypeOf(decimal.Decimal{})
)

func stringToTimeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType || from.Kind() != reflect.String {
		return data, nil
	}
	s := strings.TrimSpace(reflect.ValueOf(data).String())
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return nil, fmt.Errorf("invalid date %q, want YYYY-MM-DD or RFC3339", s)
}

func toDecimalHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	if from.Kind() == reflect.String {
		return decimal.NewFromString(strings.TrimSpace(reflect.ValueOf(data).String()))
	}
	switch v := data.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	}
	return data, nil
}
