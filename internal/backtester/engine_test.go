package backtester

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/data"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedSource struct {
	bars []types.Bar
}

func (f fixedSource) LoadBars(context.Context, string, []string, types.Timeframe, time.Time, time.Time) ([]types.Bar, error) {
	return f.bars, nil
}

func (fixedSource) Sector(string) string { return "Test" }

var day0 = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

// series builds daily bars of one symbol from opens and closes
func series(symbol string, opens, closes []float64) []types.Bar {
	bars := make([]types.Bar, len(opens))
	for i := range opens {
		o, c := decimal.NewFromFloat(opens[i]), decimal.NewFromFloat(closes[i])
		bars[i] = types.Bar{
			Symbol: symbol,
			OHLCV: types.OHLCV{
				Timestamp: day0.AddDate(0, 0, i),
				Open:      o,
				High:      decimal.Max(o, c),
				Low:       decimal.Min(o, c),
				Close:     c,
				Volume:    decimal.NewFromInt(1_000_000),
			},
		}
		if i > 0 {
			bars[i].PrevClose = bars[i-1].Close
		}
	}
	return bars
}

func newConfig(strategyID string, params map[string]float64) *types.BacktestConfig {
	cfg := &types.BacktestConfig{
		StrategyID:     strategyID,
		DatasetID:      "demo",
		StartDate:      time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2023, 12, 29, 0, 0, 0, 0, time.UTC),
		InitialCapital: decimal.NewFromInt(1_000_000),
		Parameters:     params,
	}
	cfg.ApplyDefaults()
	return cfg
}

func syntheticEngine(t *testing.T) *ReplayEngine {
	t.Helper()
	store, err := data.NewStore(zap.NewNop(), t.TempDir(), nil)
	require.NoError(t, err)
	return NewReplayEngine(zap.NewNop(), store, strategy.Default)
}

// drain pulls events until the result, returning the progress seen on the way
func drain(t *testing.T, stream Stream) ([]Progress, *types.BacktestResult) {
	t.Helper()
	var progress []Progress
	for {
		ev, err := stream.Next(context.Background())
		require.NoError(t, err)
		if ev.Result != nil {
			return progress, ev.Result
		}
		require.NotNil(t, ev.Progress)
		progress = append(progress, *ev.Progress)
	}
}

func TestReplayEngine_FullRun(t *testing.T) {
	engine := syntheticEngine(t)
	cfg := newConfig("buy_and_hold", nil)
	cfg.Symbols = []string{"AAPL", "XOM"}
	cfg.MaxHoldings = 2

	stream, err := engine.Run(context.Background(), cfg, nil)
	require.NoError(t, err)

	progress, result := drain(t, stream)
	require.NotEmpty(t, progress)

	last := progress[len(progress)-1]
	assert.Equal(t, 100.0, last.Percent())
	assert.Equal(t, last.TotalBars, result.BarsProcessed)
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i].Percent(), progress[i-1].Percent())
	}

	require.NoError(t, types.ValidateEquityCurve(result.EquityCurve))
	assert.Len(t, result.EquityCurve, last.TotalSteps)

	buys := 0
	for _, tr := range result.Trades {
		if tr.Side == types.OrderSideBuy {
			buys++
		}
	}
	assert.Equal(t, 2, buys)
	require.Len(t, result.Holdings, 2)
	assert.Equal(t, "Technology", result.Holdings[0].Sector)
	assert.Equal(t, "Energy", result.Holdings[1].Sector)
	assert.Equal(t, "trade-000001", result.Trades[0].ID)

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrDone)
}

func TestReplayEngine_ResumeMatchesUninterruptedRun(t *testing.T) {
	engine := syntheticEngine(t)
	cfg := newConfig("ma_cross", map[string]float64{"fast_period": 3, "slow_period": 8})
	cfg.Symbols = []string{"AAPL", "MSFT", "JPM"}
	cfg.MaxHoldings = 2
	cfg.Commission = types.CostRule{Kind: types.CostKindRatio, Value: decimal.NewFromFloat(0.0003), Min: decimal.NewFromInt(5)}
	cfg.StampDuty = types.CostRule{Kind: types.CostKindRatio, Value: decimal.NewFromFloat(0.001)}

	full, err := engine.Run(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, want := drain(t, full)
	require.NotEmpty(t, want.Trades)

	first, err := engine.Run(context.Background(), cfg, nil)
	require.NoError(t, err)
	for i := 0; i < 120; i++ {
		_, err := first.Next(context.Background())
		require.NoError(t, err)
	}
	cp, err := first.Checkpoint()
	require.NoError(t, err)
	first.Cancel()

	// Checkpoints are persisted as JSON between pause and resume
	raw, err := json.Marshal(cp)
	require.NoError(t, err)
	var restored Checkpoint
	require.NoError(t, json.Unmarshal(raw, &restored))

	resumed, err := engine.Run(context.Background(), cfg, &restored)
	require.NoError(t, err)
	progress, got := drain(t, resumed)
	require.NotEmpty(t, progress)
	assert.Equal(t, 121, progress[0].Step)

	require.Len(t, got.Trades, len(want.Trades))
	for i := range want.Trades {
		assert.Equal(t, want.Trades[i].ID, got.Trades[i].ID)
		assert.True(t, want.Trades[i].Quantity.Equal(got.Trades[i].Quantity), "trade %d quantity", i)
		assert.True(t, want.Trades[i].Price.Equal(got.Trades[i].Price), "trade %d price", i)
		assert.True(t, want.Trades[i].PnL.Equal(got.Trades[i].PnL), "trade %d pnl", i)
	}
	require.Len(t, got.EquityCurve, len(want.EquityCurve))
	assert.True(t, want.EquityCurve[len(want.EquityCurve)-1].Equity.Equal(got.EquityCurve[len(got.EquityCurve)-1].Equity))
	assert.True(t, want.Metrics.TotalReturn.Equal(got.Metrics.TotalReturn))
	assert.Equal(t, want.BarsProcessed, got.BarsProcessed)
}

func TestReplayEngine_RejectsForeignCheckpoint(t *testing.T) {
	engine := syntheticEngine(t)
	cfg := newConfig("momentum", nil)
	cfg.Symbols = []string{"AAPL"}

	stream, err := engine.Run(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, err = stream.Next(context.Background())
	require.NoError(t, err)
	cp, err := stream.Checkpoint()
	require.NoError(t, err)

	other := cfg.Clone()
	other.Parameters["period"] = 20
	_, err = engine.Run(context.Background(), other, cp)
	assert.Error(t, err)

	cp.Cursor = 1 << 20
	_, err = engine.Run(context.Background(), cfg, cp)
	assert.Error(t, err)
}

func TestReplayEngine_Cancel(t *testing.T) {
	engine := syntheticEngine(t)
	cfg := newConfig("buy_and_hold", nil)
	cfg.Symbols = []string{"MSFT"}

	stream, err := engine.Run(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, err = stream.Next(context.Background())
	require.NoError(t, err)

	stream.Cancel()
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestReplayEngine_RejectsInvalidConfig(t *testing.T) {
	engine := syntheticEngine(t)

	cfg := newConfig("astrology", nil)
	_, err := engine.Run(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = newConfig("ma_cross", map[string]float64{"fast_period": 30, "slow_period": 10})
	_, err = engine.Run(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = newConfig("buy_and_hold", nil)
	cfg.InitialCapital = decimal.Zero
	_, err = engine.Run(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestReplayEngine_EmptyDataset(t *testing.T) {
	engine := NewReplayEngine(zap.NewNop(), fixedSource{}, nil)
	_, err := engine.Run(context.Background(), newConfig("buy_and_hold", nil), nil)
	assert.Error(t, err)
}

func TestReplayEngine_FillsAtNextOpen(t *testing.T) {
	bars := series("X", []float64{100, 101, 102}, []float64{100, 101, 102})
	engine := NewReplayEngine(zap.NewNop(), fixedSource{bars: bars}, nil)
	cfg := newConfig("buy_and_hold", nil)
	cfg.MaxHoldings = 1

	result, err := RunToCompletion(context.Background(), engine, cfg)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, day0.AddDate(0, 0, 1), trade.ExecutedAt)
	assert.True(t, trade.Price.Equal(decimal.NewFromInt(101)))
	// floor(1,000,000 / 101)
	assert.True(t, trade.Quantity.Equal(decimal.NewFromInt(9900)), trade.Quantity.String())
}

func TestReplayEngine_LimitStopDefersFill(t *testing.T) {
	bars := series("X", []float64{100, 115, 116}, []float64{100, 115, 116})
	engine := NewReplayEngine(zap.NewNop(), fixedSource{bars: bars}, nil)
	cfg := newConfig("buy_and_hold", nil)
	cfg.MaxHoldings = 1
	cfg.LimitStop = true
	cfg.ApplyDefaults()

	result, err := RunToCompletion(context.Background(), engine, cfg)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	assert.Equal(t, day0.AddDate(0, 0, 2), result.Trades[0].ExecutedAt)
	assert.True(t, result.Trades[0].Price.Equal(decimal.NewFromInt(116)))
	assert.True(t, result.Trades[0].Quantity.Equal(decimal.NewFromInt(8620)))
}

func TestReplayEngine_LiquidityBlocksFills(t *testing.T) {
	bars := series("X", []float64{100, 101, 102}, []float64{100, 101, 102})
	engine := NewReplayEngine(zap.NewNop(), fixedSource{bars: bars}, nil)
	cfg := newConfig("buy_and_hold", nil)
	cfg.LiquidityThreshold = decimal.NewFromInt(5_000_000)

	result, err := RunToCompletion(context.Background(), engine, cfg)
	require.NoError(t, err)
	assert.Empty(t, result.Trades)
	assert.True(t, result.Metrics.TotalReturn.IsZero())
}

func TestReplayEngine_ConstraintViolation(t *testing.T) {
	prices := []float64{100, 95, 90, 85, 80, 75}
	bars := series("X", prices, prices)
	engine := NewReplayEngine(zap.NewNop(), fixedSource{bars: bars}, nil)
	cfg := newConfig("buy_and_hold", map[string]float64{"stop_loss": 0.05})
	cfg.MaxHoldings = 1
	cfg.Commission = types.CostRule{Kind: types.CostKindFixed, Value: decimal.NewFromInt(600_000)}

	_, err := RunToCompletion(context.Background(), engine, cfg)
	require.Error(t, err)

	var violation *ConstraintViolation
	require.True(t, errors.As(err, &violation), err.Error())
	assert.Equal(t, day0.AddDate(0, 0, 2), violation.At)
}

func TestReplayEngine_StopLossExits(t *testing.T) {
	prices := []float64{100, 100, 90, 89, 88}
	bars := series("X", prices, prices)
	engine := NewReplayEngine(zap.NewNop(), fixedSource{bars: bars}, nil)
	cfg := newConfig("buy_and_hold", map[string]float64{"stop_loss": 0.05})
	cfg.MaxHoldings = 1
	cfg.StampDuty = types.CostRule{Kind: types.CostKindRatio, Value: decimal.NewFromFloat(0.001)}

	result, err := RunToCompletion(context.Background(), engine, cfg)
	require.NoError(t, err)

	require.Len(t, result.Trades, 2)
	buy, sell := result.Trades[0], result.Trades[1]
	assert.Equal(t, types.OrderSideBuy, buy.Side)
	assert.True(t, buy.StampDuty.IsZero())
	assert.Equal(t, types.OrderSideSell, sell.Side)
	assert.Equal(t, day0.AddDate(0, 0, 3), sell.ExecutedAt)
	assert.True(t, sell.StampDuty.IsPositive())
	assert.True(t, sell.PnL.IsNegative())
	assert.Equal(t, 1, result.Metrics.TotalTrades)
	assert.Equal(t, 1, result.Metrics.LosingTrades)
}

func TestCostModel(t *testing.T) {
	model := CostModel{
		Commission: types.CostRule{Kind: types.CostKindRatio, Value: decimal.NewFromFloat(0.0003), Min: decimal.NewFromInt(5)},
		StampDuty:  types.CostRule{Kind: types.CostKindRatio, Value: decimal.NewFromFloat(0.001)},
	}
	price := decimal.NewFromInt(10)
	volume := decimal.NewFromInt(1_000_000)

	small := model.Price(types.OrderSideBuy, price, decimal.NewFromInt(100), volume)
	assert.True(t, small.Commission.Equal(decimal.NewFromInt(5)), "minimum commission applies")
	assert.True(t, small.StampDuty.IsZero(), "no stamp duty on buys")

	sell := model.Price(types.OrderSideSell, price, decimal.NewFromInt(10_000), volume)
	assert.True(t, sell.Commission.Equal(decimal.NewFromInt(30)))
	assert.True(t, sell.StampDuty.Equal(decimal.NewFromInt(100)))
	assert.True(t, sell.Total().Equal(decimal.NewFromInt(130)))

	assert.True(t, model.Price(types.OrderSideBuy, price, decimal.Zero, volume).Total().IsZero())
	assert.True(t, CostModel{}.Price(types.OrderSideSell, price, decimal.NewFromInt(10), volume).Total().IsZero())
}

func TestCostModel_Affordable(t *testing.T) {
	model := CostModel{Commission: types.CostRule{Kind: types.CostKindFixed, Value: decimal.NewFromInt(600_000)}}
	qty := model.Affordable(decimal.NewFromInt(10_526), decimal.NewFromInt(95), decimal.NewFromInt(1_000_000), decimal.NewFromInt(1_000_000))
	// 4210 * 95 + 600,000 = 999,950
	assert.True(t, qty.Equal(decimal.NewFromInt(4210)), qty.String())

	assert.True(t, model.Affordable(decimal.NewFromInt(10), decimal.NewFromInt(95), decimal.Zero, decimal.NewFromInt(100)).IsZero())
	assert.True(t, CostModel{}.Affordable(decimal.NewFromFloat(9.7), decimal.NewFromInt(10), decimal.Zero, decimal.NewFromInt(1000)).Equal(decimal.NewFromInt(9)))
}

func TestConstraints(t *testing.T) {
	cfg := newConfig("buy_and_hold", nil)
	cfg.LimitStop = true
	cfg.ApplyDefaults()
	cfg.MaxHoldings = 4
	cfg.MaxPositionRatio = decimal.NewFromFloat(0.2)
	cfg.LiquidityThreshold = decimal.NewFromInt(100)
	c := NewConstraints(cfg)

	bar := types.Bar{Symbol: "X", PrevClose: decimal.NewFromInt(100)}
	bar.Open = decimal.NewFromInt(110)
	bar.Volume = decimal.NewFromInt(1000)
	ok, reason := c.Tradeable(bar)
	assert.False(t, ok)
	assert.Equal(t, "price limit", reason)

	bar.Open = decimal.NewFromInt(105)
	ok, _ = c.Tradeable(bar)
	assert.True(t, ok)

	bar.Volume = decimal.NewFromInt(50)
	ok, reason = c.Tradeable(bar)
	assert.False(t, ok)
	assert.Equal(t, "below liquidity threshold", reason)

	assert.True(t, c.CanOpen(3))
	assert.False(t, c.CanOpen(4))
	// min(1000/4, 1000*0.2)
	assert.True(t, c.TargetValue(decimal.NewFromInt(1000)).Equal(decimal.NewFromInt(200)))
}

func TestMetricsCalculator(t *testing.T) {
	curve := []types.EquityCurvePoint{
		{Timestamp: day0, Equity: decimal.NewFromInt(100)},
		{Timestamp: day0.AddDate(0, 0, 1), Equity: decimal.NewFromInt(120)},
		{Timestamp: day0.AddDate(0, 0, 2), Equity: decimal.NewFromInt(90)},
		{Timestamp: day0.AddDate(0, 0, 3), Equity: decimal.NewFromInt(110)},
	}
	trades := []types.Trade{
		{Side: types.OrderSideBuy, Commission: decimal.NewFromInt(1)},
		{Side: types.OrderSideSell, PnL: decimal.NewFromInt(30), Commission: decimal.NewFromInt(1)},
		{Side: types.OrderSideSell, PnL: decimal.NewFromInt(-10), StampDuty: decimal.NewFromInt(2)},
	}

	m := NewMetricsCalculator(types.Timeframe1d).Calculate(trades, curve, decimal.NewFromInt(100))
	assert.True(t, m.TotalReturn.Equal(decimal.NewFromFloat(0.1)))
	assert.True(t, m.MaxDrawdown.Equal(decimal.NewFromFloat(0.25)))
	assert.Equal(t, day0.AddDate(0, 0, 2), m.MaxDrawdownDate)
	assert.Equal(t, 2, m.TotalTrades)
	assert.Equal(t, 1, m.WinningTrades)
	assert.True(t, m.WinRate.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, m.ProfitFactor.Equal(decimal.NewFromInt(3)))
	assert.True(t, m.TotalCosts.Equal(decimal.NewFromInt(4)))

	stats := NewMetricsCalculator(types.Timeframe1d).Summarize(curve[1:])
	assert.InDelta(t, 110.0/120.0-1, stats.TotalReturn, 1e-9)
	assert.InDelta(t, 0.25, stats.MaxDrawdown, 1e-9)

	assert.True(t, ToDecimal(math.NaN()).IsZero())
	assert.True(t, ToDecimal(math.Inf(1)).IsZero())
}

func TestWalkForwardWindows(t *testing.T) {
	windows, err := WalkForwardWindows(100, 4, 0.7)
	require.NoError(t, err)
	require.Len(t, windows, 4)
	assert.Equal(t, FoldWindow{Index: 1, TrainStart: 25, TrainEnd: 42, TestEnd: 50}, windows[1])

	_, err = WalkForwardWindows(10, 4, 0.7)
	assert.Error(t, err)
	_, err = WalkForwardWindows(100, 0, 0.7)
	assert.Error(t, err)
	_, err = WalkForwardWindows(100, 2, 1)
	assert.Error(t, err)
}

func TestMonteCarloSimulator_Deterministic(t *testing.T) {
	var trades []types.Trade
	for _, pnl := range []int64{500, -300, 200, -800, 1200, -100, 50} {
		trades = append(trades, types.Trade{Side: types.OrderSideSell, PnL: decimal.NewFromInt(pnl)})
	}

	a := NewMonteCarloSimulator(200, 42).Run(trades, 10_000)
	b := NewMonteCarloSimulator(200, 42).Run(trades, 10_000)
	assert.Equal(t, a, b)
	assert.Equal(t, 200, a.Runs)
	assert.Greater(t, a.P95Drawdown, 0.0)
	assert.GreaterOrEqual(t, a.P95Drawdown, a.MedianDrawdown)
	assert.Zero(t, a.ProbabilityRuin)

	empty := NewMonteCarloSimulator(10, 1).Run(nil, 10_000)
	assert.Zero(t, empty.Runs)
}
