package optimization

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/mitchellh/mapstructure"
)

// MaxCombinations bounds the search space of one optimization task
const MaxCombinations = 10_000

// defaultResolution is the number of steps a continuous range is cut into
const defaultResolution = 10

// Parameter is the search range of one strategy parameter
type Parameter struct {
	Name     string    `json:"name" mapstructure:"name"`
	Type     ParamType `json:"type" mapstructure:"type"`
	Min      float64   `json:"min" mapstructure:"min"`
	Max      float64   `json:"max" mapstructure:"max"`
	Step     float64   `json:"step,omitempty" mapstructure:"step"`
	Discrete []float64 `json:"discrete,omitempty" mapstructure:"values"`
}

// ParamType represents parameter type
type ParamType string

const (
	ParamTypeContinuous ParamType = "continuous"
	ParamTypeInteger    ParamType = "integer"
	ParamTypeDiscrete   ParamType = "discrete"
)

// ParamSet represents a set of parameter values
type ParamSet map[string]float64

// Grid is a parsed param_grid, parameters sorted by name
type Grid struct {
	Params []Parameter
}

// ParseGrid reads a param_grid value. Each entry maps a parameter name to
// either a list of values or a range object
// {"type": "integer", "min": 5, "max": 20, "step": 5}.
func ParseGrid(raw any) (Grid, error) {
	entries, ok := raw.(map[string]any)
	if !ok {
		return Grid{}, fmt.Errorf("param_grid must be an object of parameter ranges, got %T", raw)
	}
	if len(entries) == 0 {
		return Grid{}, fmt.Errorf("param_grid is empty")
	}

	grid := Grid{Params: make([]Parameter, 0, len(entries))}
	for name, v := range entries {
		p, err := parseParameter(name, v)
		if err != nil {
			return Grid{}, err
		}
		grid.Params = append(grid.Params, p)
	}
	sort.Slice(grid.Params, func(i, j int) bool { return grid.Params[i].Name < grid.Params[j].Name })

	if size := grid.Size(); size > MaxCombinations {
		return Grid{}, fmt.Errorf("param_grid spans %d combinations, limit is %d", size, MaxCombinations)
	}
	return grid, nil
}

func parseParameter(name string, v any) (Parameter, error) {
	p := Parameter{Name: name}
	switch val := v.(type) {
	case []any, []float64, []int:
		if err := mapstructure.WeakDecode(val, &p.Discrete); err != nil {
			return p, fmt.Errorf("param_grid.%s: %w", name, err)
		}
		p.Type = ParamTypeDiscrete
	case map[string]any:
		if err := mapstructure.WeakDecode(val, &p); err != nil {
			return p, fmt.Errorf("param_grid.%s: %w", name, err)
		}
		p.Name = name
		if p.Type == "" {
			if len(p.Discrete) > 0 {
				p.Type = ParamTypeDiscrete
			} else {
				p.Type = ParamTypeContinuous
			}
		}
	default:
		return p, fmt.Errorf("param_grid.%s must be a list of values or a range object", name)
	}

	switch p.Type {
	case ParamTypeDiscrete:
		if len(p.Discrete) == 0 {
			return p, fmt.Errorf("param_grid.%s has no values", name)
		}
		for _, d := range p.Discrete {
			if math.IsNaN(d) || math.IsInf(d, 0) {
				return p, fmt.Errorf("param_grid.%s has a non-finite value", name)
			}
		}
	case ParamTypeInteger, ParamTypeContinuous:
		if math.IsNaN(p.Min) || math.IsNaN(p.Max) || p.Min > p.Max {
			return p, fmt.Errorf("param_grid.%s: min %v must not exceed max %v", name, p.Min, p.Max)
		}
		if p.Step < 0 {
			return p, fmt.Errorf("param_grid.%s: step must be positive", name)
		}
	default:
		return p, fmt.Errorf("param_grid.%s: unknown type %q", name, p.Type)
	}
	return p, nil
}

// Values enumerates the grid points of one parameter
func (p Parameter) Values() []float64 {
	switch p.Type {
	case ParamTypeDiscrete:
		return append([]float64(nil), p.Discrete...)
	case ParamTypeInteger:
		step := math.Max(1, math.Round(p.Step))
		var values []float64
		for v := math.Ceil(p.Min); v <= p.Max; v += step {
			values = append(values, v)
		}
		return values
	default:
		if p.Min == p.Max {
			return []float64{p.Min}
		}
		step := p.Step
		if step == 0 {
			step = (p.Max - p.Min) / defaultResolution
		}
		n := int(math.Floor((p.Max-p.Min)/step+1e-9)) + 1
		values := make([]float64, n)
		for i := range values {
			// Computed from the index to avoid drift from repeated addition
			values[i] = p.Min + float64(i)*step
		}
		return values
	}
}

// Size is the number of combinations in the full cartesian product
func (g Grid) Size() int {
	size := 1
	for _, p := range g.Params {
		n := len(p.Values())
		if n == 0 {
			return 0
		}
		if size > MaxCombinations/n+1 {
			return MaxCombinations + 1
		}
		size *= n
	}
	return size
}

// Combinations enumerates the cartesian product in a stable order: the last
// parameter by name varies fastest
func (g Grid) Combinations() []ParamSet {
	values := make([][]float64, len(g.Params))
	for i, p := range g.Params {
		values[i] = p.Values()
	}
	return cartesianProduct(g.Params, values, 0, make(ParamSet))
}

// Sample returns n combinations drawn without replacement with a seeded
// source, kept in grid order
func (g Grid) Sample(n int, seed int64) []ParamSet {
	all := g.Combinations()
	if n <= 0 || n >= len(all) {
		return all
	}
	rng := rand.New(rand.NewSource(seed))
	picked := rng.Perm(len(all))[:n]
	sort.Ints(picked)

	out := make([]ParamSet, n)
	for i, idx := range picked {
		out[i] = all[idx]
	}
	return out
}

// cartesianProduct generates all combinations recursively
func cartesianProduct(params []Parameter, gridValues [][]float64, idx int, current ParamSet) []ParamSet {
	if idx == len(params) {
		result := make(ParamSet, len(current))
		for k, v := range current {
			result[k] = v
		}
		return []ParamSet{result}
	}

	var combinations []ParamSet
	for _, val := range gridValues[idx] {
		current[params[idx].Name] = val
		combinations = append(combinations, cartesianProduct(params, gridValues, idx+1, current)...)
	}
	return combinations
}

// Validate checks the grid against the strategy's parameter domains and
// requires at least one combination the strategy accepts
func (g Grid) Validate(registry *strategy.Registry, cfg *types.BacktestConfig) error {
	specs, ok := registry.Specs(cfg.StrategyID)
	if !ok {
		return fmt.Errorf("unknown strategy %q", cfg.StrategyID)
	}
	domains := make(map[string]strategy.ParameterSpec, len(specs))
	for _, s := range specs {
		domains[s.Name] = s
	}

	for _, p := range g.Params {
		spec, ok := domains[p.Name]
		if !ok {
			return fmt.Errorf("strategy %s has no parameter %q", cfg.StrategyID, p.Name)
		}
		for _, v := range p.Values() {
			if v < spec.Min || v > spec.Max {
				return fmt.Errorf("param_grid.%s value %v outside [%v, %v]", p.Name, v, spec.Min, spec.Max)
			}
		}
	}

	for _, combo := range g.Combinations() {
		if registry.Validate(cfg.StrategyID, combo.Merge(cfg.Parameters)) == nil {
			return nil
		}
	}
	return fmt.Errorf("no combination in param_grid is valid for strategy %s", cfg.StrategyID)
}

// Merge overlays the set on base parameters
func (ps ParamSet) Merge(base map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(base)+len(ps))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range ps {
		out[k] = v
	}
	return out
}
