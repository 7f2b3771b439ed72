package execution

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/internal/optimization"
	"github.com/atlas-desktop/backtest-lab/internal/tasks"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// Runner opens the run of one task type
type Runner interface {
	// Open starts the run of task, or resumes it when checkpoint is not nil.
	// Undecodable params are reported as Validation errors.
	Open(ctx context.Context, task *types.Task, checkpoint json.RawMessage) (Run, error)
}

// Run is an open run pulled one step at a time
type Run interface {
	Next(ctx context.Context) (backtester.Event, error)
	// Checkpoint serializes the state at the current step boundary
	Checkpoint() (json.RawMessage, error)
	Cancel()
	// Summary is the headline stored on the completed task
	Summary(result *types.BacktestResult) types.ResultSummary
}

// BacktestRunner runs BACKTEST and FACTOR_BACKTEST tasks on an engine
type BacktestRunner struct {
	Engine backtester.Engine
}

// Open implements Runner
func (r BacktestRunner) Open(ctx context.Context, task *types.Task, checkpoint json.RawMessage) (Run, error) {
	const op = "execution.BacktestRunner.Open"

	cfg, err := tasks.DecodeBacktestConfig(task.Params)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, op, err)
	}
	var cp *backtester.Checkpoint
	if len(checkpoint) > 0 {
		cp = &backtester.Checkpoint{}
		if err := json.Unmarshal(checkpoint, cp); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint: %w", err)
		}
	}
	stream, err := r.Engine.Run(ctx, cfg, cp)
	if err != nil {
		return nil, err
	}
	return backtestRun{stream}, nil
}

type backtestRun struct {
	backtester.Stream
}

func (r backtestRun) Checkpoint() (json.RawMessage, error) {
	cp, err := r.Stream.Checkpoint()
	if err != nil {
		return nil, err
	}
	return json.Marshal(cp)
}

func (r backtestRun) Summary(result *types.BacktestResult) types.ResultSummary {
	return summarize(result)
}

func summarize(result *types.BacktestResult) types.ResultSummary {
	s := types.ResultSummary{ResultID: result.ID}
	if m := result.Metrics; m != nil {
		s.TotalReturn = m.TotalReturn
		s.SharpeRatio = m.SharpeRatio
		s.MaxDrawdown = m.MaxDrawdown
		s.TotalTrades = m.TotalTrades
	}
	return s
}

// OptimizationRunner runs OPTIMIZATION tasks as a parameter search
type OptimizationRunner struct {
	Optimizer *optimization.Optimizer
}

// Open implements Runner
func (r OptimizationRunner) Open(ctx context.Context, task *types.Task, checkpoint json.RawMessage) (Run, error) {
	const op = "execution.OptimizationRunner.Open"

	cfg, err := tasks.DecodeBacktestConfig(task.Params)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, op, err)
	}
	grid, err := optimization.ParseGrid(task.Params["param_grid"])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, op, err)
	}
	opts, err := optimization.DecodeOptions(task.Params)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, op, err)
	}

	var cp *optimization.Checkpoint
	if len(checkpoint) > 0 {
		cp = &optimization.Checkpoint{}
		if err := json.Unmarshal(checkpoint, cp); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint: %w", err)
		}
	}
	search, err := r.Optimizer.Run(ctx, cfg, grid, opts, cp)
	if err != nil {
		return nil, err
	}
	return optimizationRun{search}, nil
}

type optimizationRun struct {
	*optimization.Search
}

func (r optimizationRun) Checkpoint() (json.RawMessage, error) {
	cp, err := r.Search.Checkpoint()
	if err != nil {
		return nil, err
	}
	return json.Marshal(cp)
}

func (r optimizationRun) Summary(result *types.BacktestResult) types.ResultSummary {
	s := summarize(result)
	s.BestParameters = result.Config.Parameters
	s.CombinationsRun, _ = r.Stats()
	return s
}

// DefaultRunners maps task types to runners over one engine
func DefaultRunners(engine backtester.Engine, optimizer *optimization.Optimizer) map[types.TaskType]Runner {
	bt := BacktestRunner{Engine: engine}
	return map[types.TaskType]Runner{
		types.TaskTypeBacktest:       bt,
		types.TaskTypeFactorBacktest: bt,
		types.TaskTypeOptimization:   OptimizationRunner{Optimizer: optimizer},
	}
}
