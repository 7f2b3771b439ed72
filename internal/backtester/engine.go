// Package backtester provides the bar-replay backtesting engine.
package backtester

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BarSource loads replay data
type BarSource interface {
	LoadBars(ctx context.Context, datasetID string, symbols []string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error)
	Sector(symbol string) string
}

// ReplayEngine replays dataset bars through a strategy. Signals raised on
// a bar's close fill at the next tradeable open of the same symbol.
type ReplayEngine struct {
	logger     *zap.Logger
	source     BarSource
	strategies *strategy.Registry
	now        func() time.Time
}

// NewReplayEngine creates a replay engine
func NewReplayEngine(logger *zap.Logger, source BarSource, strategies *strategy.Registry) *ReplayEngine {
	if strategies == nil {
		strategies = strategy.Default
	}
	return &ReplayEngine{
		logger:     logger.With(zap.String("component", "replay_engine")),
		source:     source,
		strategies: strategies,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ConfigHash fingerprints a config so a checkpoint cannot resume a different run
func ConfigHash(cfg *types.BacktestConfig) (uint64, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(raw), nil
}

// Run opens a stream over cfg, resuming from cp when it is not nil
func (e *ReplayEngine) Run(ctx context.Context, cfg *types.BacktestConfig, cp *Checkpoint) (Stream, error) {
	const op = "backtester.Run"

	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, op, fmt.Errorf("invalid backtest config: %w", err))
	}
	if err := e.strategies.Validate(cfg.StrategyID, cfg.Parameters); err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, op, err)
	}
	hash, err := ConfigHash(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint config: %w", err)
	}

	bars, err := e.source.LoadBars(ctx, cfg.DatasetID, cfg.Symbols, cfg.Timeframe, cfg.StartDate, cfg.EndDate)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s: %w", cfg.DatasetID, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("dataset %s has no bars between %s and %s",
			cfg.DatasetID, cfg.StartDate.Format("2006-01-02"), cfg.EndDate.Format("2006-01-02"))
	}

	s := &replayStream{
		engine:      e,
		cfg:         cfg.Clone(),
		hash:        hash,
		steps:       groupSteps(bars),
		totalBars:   len(bars),
		costs:       NewCostModel(cfg),
		constraints: NewConstraints(cfg),
		strategies:  make(map[string]strategy.Strategy),
		stopLoss:    decimal.NewFromFloat(cfg.Parameters["stop_loss"]),
	}

	if cp == nil {
		s.portfolio = NewPortfolio(cfg.InitialCapital)
		s.orders = NewOrderBook()
		s.startedAt = e.now()
		e.logger.Info("Starting backtest",
			zap.String("strategy", cfg.StrategyID),
			zap.String("dataset", cfg.DatasetID),
			zap.Int("steps", len(s.steps)),
			zap.Int("bars", s.totalBars),
		)
		return s, nil
	}

	if cp.ConfigHash != hash {
		return nil, fmt.Errorf("checkpoint was taken for a different config")
	}
	if cp.Cursor < 0 || cp.Cursor > len(s.steps) {
		return nil, fmt.Errorf("checkpoint cursor %d outside 0..%d", cp.Cursor, len(s.steps))
	}
	s.portfolio = restorePortfolio(cp)
	s.orders = restoreOrderBook(cp.Pending)
	s.trades = append([]types.Trade(nil), cp.Trades...)
	s.curve = append([]types.EquityCurvePoint(nil), cp.EquityCurve...)
	s.startedAt = cp.StartedAt
	// Indicator state is rebuilt from the bars already replayed
	for _, step := range s.steps[:cp.Cursor] {
		for _, bar := range step {
			if _, err := s.observe(bar); err != nil {
				return nil, err
			}
		}
		s.barsDone += len(step)
	}
	s.cursor = cp.Cursor

	e.logger.Info("Resuming backtest from checkpoint",
		zap.String("strategy", cfg.StrategyID),
		zap.Int("cursor", cp.Cursor),
		zap.Int("steps", len(s.steps)),
	)
	return s, nil
}

func groupSteps(bars []types.Bar) [][]types.Bar {
	var steps [][]types.Bar
	start := 0
	for i := 1; i <= len(bars); i++ {
		if i == len(bars) || !bars[i].Timestamp.Equal(bars[start].Timestamp) {
			steps = append(steps, bars[start:i])
			start = i
		}
	}
	return steps
}

type replayStream struct {
	engine      *ReplayEngine
	cfg         *types.BacktestConfig
	hash        uint64
	steps       [][]types.Bar
	totalBars   int
	costs       CostModel
	constraints Constraints
	strategies  map[string]strategy.Strategy
	stopLoss    decimal.Decimal

	cursor    int
	barsDone  int
	portfolio *Portfolio
	orders    *OrderBook
	trades    []types.Trade
	curve     []types.EquityCurvePoint
	startedAt time.Time

	cancelled atomic.Bool
	done      bool
}

func (s *replayStream) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.cancelled.Load() {
		return Event{}, ErrCancelled
	}
	if s.done {
		return Event{}, ErrDone
	}

	if s.cursor == len(s.steps) {
		s.done = true
		return Event{Result: s.result()}, nil
	}

	step := s.steps[s.cursor]
	if err := s.replay(step); err != nil {
		s.done = true
		return Event{}, err
	}
	s.cursor++
	s.barsDone += len(step)

	return Event{Progress: &Progress{
		Step:          s.cursor,
		TotalSteps:    len(s.steps),
		BarsProcessed: s.barsDone,
		TotalBars:     s.totalBars,
		Timestamp:     step[0].Timestamp,
		Equity:        s.curve[len(s.curve)-1].Equity,
	}}, nil
}

func (s *replayStream) Checkpoint() (*Checkpoint, error) {
	return &Checkpoint{
		ConfigHash:  s.hash,
		Cursor:      s.cursor,
		Cash:        s.portfolio.cash,
		Peak:        s.portfolio.peak,
		Positions:   s.portfolio.Snapshot(),
		Pending:     s.orders.Snapshot(),
		Trades:      append([]types.Trade(nil), s.trades...),
		EquityCurve: append([]types.EquityCurvePoint(nil), s.curve...),
		StartedAt:   s.startedAt,
	}, nil
}

func (s *replayStream) Cancel() {
	s.cancelled.Store(true)
}

// replay processes one timestamp: fills at the open, marks at the close,
// then collects signals for the next bar
func (s *replayStream) replay(step []types.Bar) error {
	ts := step[0].Timestamp
	for _, bar := range step {
		s.fill(bar)
		s.portfolio.Mark(bar.Symbol, bar.Close)
	}
	for _, bar := range step {
		sig, err := s.observe(bar)
		if err != nil {
			return err
		}
		s.react(bar, sig)
	}

	equity, drawdown := s.portfolio.MarkEquity()
	s.curve = append(s.curve, types.EquityCurvePoint{
		Timestamp: ts,
		Equity:    equity,
		Cash:      s.portfolio.Cash(),
		Drawdown:  drawdown.Round(6),
	})
	if !equity.IsPositive() {
		return &ConstraintViolation{Reason: fmt.Sprintf("equity %s is not positive", equity.StringFixed(2)), At: ts}
	}
	return nil
}

func (s *replayStream) observe(bar types.Bar) (*strategy.Signal, error) {
	strat, ok := s.strategies[bar.Symbol]
	if !ok {
		var err error
		strat, err = s.engine.strategies.Create(s.cfg.StrategyID, s.cfg.Parameters)
		if err != nil {
			return nil, err
		}
		s.strategies[bar.Symbol] = strat
	}
	return strat.OnBar(bar), nil
}

func (s *replayStream) react(bar types.Bar, sig *strategy.Signal) {
	qty, avgCost := s.portfolio.Position(bar.Symbol)
	holding := qty.IsPositive()

	if holding && s.stopLoss.IsPositive() {
		floor := avgCost.Mul(decimal.NewFromInt(1).Sub(s.stopLoss))
		if bar.Close.LessThanOrEqual(floor) {
			s.orders.Submit(Order{Symbol: bar.Symbol, Side: types.OrderSideSell, Reason: "stop loss", CreatedAt: bar.Timestamp})
			return
		}
	}
	if sig == nil {
		return
	}

	switch sig.Side {
	case types.OrderSideBuy:
		if !holding {
			s.orders.Submit(Order{Symbol: bar.Symbol, Side: types.OrderSideBuy, Reason: sig.Reason, CreatedAt: bar.Timestamp})
		}
	case types.OrderSideSell:
		if holding {
			s.orders.Submit(Order{Symbol: bar.Symbol, Side: types.OrderSideSell, Reason: sig.Reason, CreatedAt: bar.Timestamp})
		} else {
			s.orders.Remove(bar.Symbol)
		}
	}
}

// fill executes the order pending for bar's symbol at the bar's open.
// Orders on untradeable bars wait for the next bar.
func (s *replayStream) fill(bar types.Bar) {
	order, ok := s.orders.Pending(bar.Symbol)
	if !ok {
		return
	}
	if tradeable, reason := s.constraints.Tradeable(bar); !tradeable {
		s.engine.logger.Debug("Order deferred",
			zap.String("symbol", bar.Symbol),
			zap.String("reason", reason),
			zap.Time("at", bar.Timestamp),
		)
		return
	}
	s.orders.Remove(bar.Symbol)

	price := bar.Open
	held, _ := s.portfolio.Position(bar.Symbol)

	switch order.Side {
	case types.OrderSideBuy:
		if held.IsPositive() || !s.constraints.CanOpen(s.portfolio.OpenCount()) || !price.IsPositive() {
			return
		}
		want := s.constraints.TargetValue(s.portfolio.Equity()).Div(price)
		qty := s.costs.Affordable(want, price, bar.Volume, s.portfolio.Cash())
		if !qty.IsPositive() {
			return
		}
		cost := s.costs.Price(types.OrderSideBuy, price, qty, bar.Volume)
		s.portfolio.Buy(bar.Symbol, qty, price, cost.Total())
		s.record(bar, types.OrderSideBuy, qty, price, cost, decimal.Zero)

	case types.OrderSideSell:
		if !held.IsPositive() {
			return
		}
		cost := s.costs.Price(types.OrderSideSell, price, held, bar.Volume)
		pnl := s.portfolio.Sell(bar.Symbol, held, price, cost.Total())
		s.record(bar, types.OrderSideSell, held, price, cost, pnl)
	}
}

func (s *replayStream) record(bar types.Bar, side types.OrderSide, qty, price decimal.Decimal, cost FillCost, pnl decimal.Decimal) {
	s.trades = append(s.trades, types.Trade{
		ID:         fmt.Sprintf("trade-%06d", len(s.trades)+1),
		Symbol:     bar.Symbol,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		Commission: cost.Commission,
		StampDuty:  cost.StampDuty,
		Slippage:   cost.Slippage,
		PnL:        pnl,
		ExecutedAt: bar.Timestamp,
	})
}

func (s *replayStream) result() *types.BacktestResult {
	calc := NewMetricsCalculator(s.cfg.Timeframe)
	metrics := calc.Calculate(s.trades, s.curve, s.cfg.InitialCapital)
	completed := s.engine.now()

	s.engine.logger.Info("Backtest completed",
		zap.String("strategy", s.cfg.StrategyID),
		zap.Int("trades", len(s.trades)),
		zap.String("totalReturn", metrics.TotalReturn.String()),
		zap.Duration("duration", completed.Sub(s.startedAt)),
	)

	return &types.BacktestResult{
		ID:            uuid.NewString(),
		Config:        s.cfg.Clone(),
		Metrics:       metrics,
		EquityCurve:   append([]types.EquityCurvePoint(nil), s.curve...),
		Trades:        append([]types.Trade(nil), s.trades...),
		Holdings:      s.portfolio.Holdings(s.engine.source.Sector),
		BarsProcessed: s.barsDone,
		StartedAt:     s.startedAt,
		CompletedAt:   completed,
	}
}
