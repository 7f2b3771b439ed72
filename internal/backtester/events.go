package backtester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
)

var (
	// ErrDone is returned by Next once the result has been yielded
	ErrDone = errors.New("backtest stream exhausted")
	// ErrCancelled is returned by Next after Cancel
	ErrCancelled = errors.New("backtest cancelled")
)

// ConstraintViolation stops a run whose portfolio broke a hard limit
type ConstraintViolation struct {
	Reason string
	At     time.Time
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("constraint violated at %s: %s", e.At.Format("2006-01-02"), e.Reason)
}

// Progress reports how far a run has replayed
type Progress struct {
	Step          int             `json:"step"`
	TotalSteps    int             `json:"totalSteps"`
	BarsProcessed int             `json:"barsProcessed"`
	TotalBars     int             `json:"totalBars"`
	Timestamp     time.Time       `json:"timestamp"`
	Equity        decimal.Decimal `json:"equity"`
}

// Percent is the share of steps replayed, 0..100
func (p Progress) Percent() float64 {
	if p.TotalSteps == 0 {
		return 100
	}
	return float64(p.Step) * 100 / float64(p.TotalSteps)
}

// Event is one item pulled from a Stream: exactly one field is set
type Event struct {
	Progress *Progress
	Result   *types.BacktestResult
}

// Stream is a pull-based backtest run. Each Next advances at most one step,
// so callers can check control signals between yields.
type Stream interface {
	// Next returns the next event; ErrDone after the result
	Next(ctx context.Context) (Event, error)
	// Checkpoint snapshots the state at the current step boundary
	Checkpoint() (*Checkpoint, error)
	// Cancel makes the following Next return ErrCancelled
	Cancel()
}

// Engine starts backtest runs, optionally from a checkpoint
type Engine interface {
	Run(ctx context.Context, cfg *types.BacktestConfig, cp *Checkpoint) (Stream, error)
}

// Checkpoint is the replay cursor plus the accumulators needed to continue.
// Indicator windows are not stored; they are rebuilt from the bars before
// the cursor on resume.
type Checkpoint struct {
	ConfigHash  uint64                   `json:"configHash"`
	Cursor      int                      `json:"cursor"`
	Cash        decimal.Decimal          `json:"cash"`
	Peak        decimal.Decimal          `json:"peak"`
	Positions   []PositionState          `json:"positions"`
	Pending     []Order                  `json:"pending"`
	Trades      []types.Trade            `json:"trades"`
	EquityCurve []types.EquityCurvePoint `json:"equityCurve"`
	StartedAt   time.Time                `json:"startedAt"`
}

// RunToCompletion drains a fresh run and returns its result
func RunToCompletion(ctx context.Context, engine Engine, cfg *types.BacktestConfig) (*types.BacktestResult, error) {
	stream, err := engine.Run(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	defer stream.Cancel()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if ev.Result != nil {
			return ev.Result, nil
		}
	}
}
