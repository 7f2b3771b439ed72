package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Timeframe represents bar timeframes
type Timeframe string

const (
	Timeframe1h Timeframe = "1h"
	Timeframe1d Timeframe = "1d"
	Timeframe1w Timeframe = "1w"
)

// Duration returns the length of one bar
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1h:
		return time.Hour
	case Timeframe1w:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Bar is a candlestick tagged with its symbol
type Bar struct {
	Symbol string `json:"symbol"`
	OHLCV
	// PrevClose is the close of the previous bar of the same symbol, zero for the first bar
	PrevClose decimal.Decimal `json:"prevClose"`
}

// Trade represents an executed simulated fill
type Trade struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	StampDuty  decimal.Decimal `json:"stampDuty"`
	Slippage   decimal.Decimal `json:"slippage"`
	PnL        decimal.Decimal `json:"pnl"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// Cost returns the total transaction cost of the trade
func (t Trade) Cost() decimal.Decimal {
	return t.Commission.Add(t.StampDuty).Add(t.Slippage)
}

// PerformanceMetrics represents backtest performance metrics
type PerformanceMetrics struct {
	TotalReturn      decimal.Decimal `json:"totalReturn"`
	AnnualizedReturn decimal.Decimal `json:"annualizedReturn"`
	SharpeRatio      decimal.Decimal `json:"sharpeRatio"`
	SortinoRatio     decimal.Decimal `json:"sortinoRatio"`
	CalmarRatio      decimal.Decimal `json:"calmarRatio"`
	Volatility       decimal.Decimal `json:"volatility"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownDate  time.Time       `json:"maxDrawdownDate"`
	WinRate          decimal.Decimal `json:"winRate"`
	ProfitLossRatio  decimal.Decimal `json:"profitLossRatio"`
	ProfitFactor     decimal.Decimal `json:"profitFactor"`
	TotalTrades      int             `json:"totalTrades"`
	WinningTrades    int             `json:"winningTrades"`
	LosingTrades     int             `json:"losingTrades"`
	AvgWin           decimal.Decimal `json:"avgWin"`
	AvgLoss          decimal.Decimal `json:"avgLoss"`
	TotalCosts       decimal.Decimal `json:"totalCosts"`
}

// EquityCurvePoint represents a point on the equity curve
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Cash      decimal.Decimal `json:"cash"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}
