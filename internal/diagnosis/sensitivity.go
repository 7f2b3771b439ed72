package diagnosis

import (
	"context"
	"math"
	"sort"

	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"golang.org/x/sync/errgroup"
)

type trial struct {
	param int
	point types.SensitivityPoint
}

// sensitivity reruns the strategy with each parameter nudged down and up by
// PerturbationPct of its value, clamped to the parameter's domain
func (a *Analyzer) sensitivity(ctx context.Context, result *types.BacktestResult, params types.DiagnosisParams, evaluator Evaluator) (types.SensitivityAnalysis, error) {
	var out types.SensitivityAnalysis
	if evaluator == nil {
		out.Section = unavailable("no evaluator configured for reruns")
		return out, nil
	}
	if result.Config == nil || result.Metrics == nil {
		out.Section = unavailable("result carries no config or metrics")
		return out, nil
	}
	specs, ok := a.strategies.Specs(result.Config.StrategyID)
	if !ok {
		out.Section = unavailable("unknown strategy %q", result.Config.StrategyID)
		return out, nil
	}
	if len(specs) == 0 {
		out.Section = unavailable("strategy %q has no parameters", result.Config.StrategyID)
		return out, nil
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	out.Section = available
	out.BaseSharpe = result.Metrics.SharpeRatio.InexactFloat64()
	baseReturn := result.Metrics.TotalReturn.InexactFloat64()

	var trials []trial
	for i, spec := range specs {
		base := spec.Default
		if v, ok := result.Config.Parameters[spec.Name]; ok {
			base = v
		}
		out.Parameters = append(out.Parameters, types.ParameterSensitivity{Name: spec.Name, Base: base})
		for _, v := range perturb(spec, base, params.PerturbationPct) {
			trials = append(trials, trial{param: i, point: types.SensitivityPoint{
				Value:        v,
				Perturbation: relativeChange(spec, base, v),
			}})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxEvaluations)
	for i := range trials {
		p := &trials[i]
		name := out.Parameters[p.param].Name
		g.Go(func() error {
			cfg := result.Config.Clone()
			cfg.Parameters[name] = p.point.Value
			res, err := evaluator.Evaluate(gctx, cfg)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.point.Error = err.Error()
				return nil
			}
			if res.Metrics != nil {
				p.point.Sharpe = res.Metrics.SharpeRatio.InexactFloat64()
				p.point.Return = res.Metrics.TotalReturn.InexactFloat64()
			}
			p.point.DeltaSharpe = p.point.Sharpe - out.BaseSharpe
			p.point.DeltaReturn = p.point.Return - baseReturn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}

	for _, p := range trials {
		ps := &out.Parameters[p.param]
		ps.Points = append(ps.Points, p.point)
		if p.point.Error != "" {
			continue
		}
		delta := math.Abs(p.point.DeltaSharpe)
		ps.MaxDelta = math.Max(ps.MaxDelta, delta)
		if p.point.Perturbation != 0 {
			ps.Fragility = math.Max(ps.Fragility, delta/math.Abs(p.point.Perturbation))
		}
	}
	for i := range out.Parameters {
		out.Parameters[i].Fragile = out.Parameters[i].Fragility > params.FragilityThreshold
	}
	return out, nil
}

// perturb returns the distinct in-domain values around base. Integer
// parameters move by at least one step.
func perturb(spec strategy.ParameterSpec, base, pct float64) []float64 {
	var values []float64
	for _, dir := range []float64{-1, 1} {
		var v float64
		if base != 0 {
			v = base * (1 + dir*pct)
		} else {
			v = base + dir*pct*(spec.Max-spec.Min)
		}
		v = spec.Clamp(v)
		if spec.Integer && v == base {
			v = spec.Clamp(base + dir)
		}
		if v == base {
			continue
		}
		values = append(values, v)
	}
	return values
}

// relativeChange expresses a move as a fraction of base, or of the domain
// width when base is zero
func relativeChange(spec strategy.ParameterSpec, base, v float64) float64 {
	if base != 0 {
		return (v - base) / math.Abs(base)
	}
	if width := spec.Max - spec.Min; width > 0 {
		return (v - base) / width
	}
	return 0
}
