package backtester

import (
	"sort"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
)

// Portfolio manages simulated cash and long positions. It is owned by one
// stream and not safe for concurrent use.
type Portfolio struct {
	cash      decimal.Decimal
	positions map[string]*PositionState
	peak      decimal.Decimal
}

// PositionState is one symbol's position. Closed positions stay with zero
// quantity so their realized PnL remains attributable.
type PositionState struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avgCost"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	Trades      int             `json:"trades"`
}

// NewPortfolio creates a new portfolio
func NewPortfolio(initialCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		cash:      initialCash,
		positions: make(map[string]*PositionState),
		peak:      initialCash,
	}
}

func restorePortfolio(cp *Checkpoint) *Portfolio {
	p := &Portfolio{
		cash:      cp.Cash,
		positions: make(map[string]*PositionState, len(cp.Positions)),
		peak:      cp.Peak,
	}
	for _, pos := range cp.Positions {
		pos := pos
		p.positions[pos.Symbol] = &pos
	}
	return p
}

// Cash returns available cash
func (p *Portfolio) Cash() decimal.Decimal {
	return p.cash
}

// Equity returns cash plus positions marked at their last price
func (p *Portfolio) Equity() decimal.Decimal {
	equity := p.cash
	for _, pos := range p.positions {
		equity = equity.Add(pos.Quantity.Mul(pos.LastPrice))
	}
	return equity
}

// Mark records the latest price of symbol
func (p *Portfolio) Mark(symbol string, price decimal.Decimal) {
	if pos, ok := p.positions[symbol]; ok {
		pos.LastPrice = price
	}
}

// MarkEquity refreshes the peak and returns equity and drawdown from peak
func (p *Portfolio) MarkEquity() (equity, drawdown decimal.Decimal) {
	equity = p.Equity()
	if equity.GreaterThan(p.peak) {
		p.peak = equity
	}
	if p.peak.IsPositive() {
		drawdown = p.peak.Sub(equity).Div(p.peak)
	}
	return equity, drawdown
}

// Position returns the open quantity of symbol and its average cost
func (p *Portfolio) Position(symbol string) (quantity, avgCost decimal.Decimal) {
	if pos, ok := p.positions[symbol]; ok {
		return pos.Quantity, pos.AvgCost
	}
	return decimal.Zero, decimal.Zero
}

// OpenCount returns the number of symbols with a non-zero position
func (p *Portfolio) OpenCount() int {
	n := 0
	for _, pos := range p.positions {
		if pos.Quantity.IsPositive() {
			n++
		}
	}
	return n
}

// Buy adds quantity at price; costs are paid from cash and folded into the average cost
func (p *Portfolio) Buy(symbol string, quantity, price, costs decimal.Decimal) {
	p.cash = p.cash.Sub(quantity.Mul(price)).Sub(costs)

	pos, ok := p.positions[symbol]
	if !ok {
		pos = &PositionState{Symbol: symbol}
		p.positions[symbol] = pos
	}
	totalQty := pos.Quantity.Add(quantity)
	totalCost := pos.Quantity.Mul(pos.AvgCost).Add(quantity.Mul(price)).Add(costs)
	pos.AvgCost = totalCost.Div(totalQty)
	pos.Quantity = totalQty
	pos.LastPrice = price
	pos.Trades++
}

// Sell removes quantity at price and returns the realized PnL net of costs
func (p *Portfolio) Sell(symbol string, quantity, price, costs decimal.Decimal) decimal.Decimal {
	pos, ok := p.positions[symbol]
	if !ok || !pos.Quantity.IsPositive() {
		return decimal.Zero
	}
	if quantity.GreaterThan(pos.Quantity) {
		quantity = pos.Quantity
	}

	proceeds := quantity.Mul(price)
	pnl := proceeds.Sub(quantity.Mul(pos.AvgCost)).Sub(costs)
	p.cash = p.cash.Add(proceeds).Sub(costs)

	pos.Quantity = pos.Quantity.Sub(quantity)
	pos.LastPrice = price
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.Trades++
	if pos.Quantity.IsZero() {
		pos.AvgCost = decimal.Zero
	}
	return pnl
}

// Snapshot returns the positions ordered by symbol
func (p *Portfolio) Snapshot() []PositionState {
	out := make([]PositionState, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Holdings converts the snapshot into result holdings
func (p *Portfolio) Holdings(sector func(string) string) []types.Holding {
	snap := p.Snapshot()
	out := make([]types.Holding, 0, len(snap))
	for _, pos := range snap {
		value := pos.Quantity.Mul(pos.LastPrice)
		out = append(out, types.Holding{
			Symbol:        pos.Symbol,
			Sector:        sector(pos.Symbol),
			Quantity:      pos.Quantity,
			AvgCost:       pos.AvgCost,
			MarketValue:   value,
			RealizedPnL:   pos.RealizedPnL,
			UnrealizedPnL: value.Sub(pos.Quantity.Mul(pos.AvgCost)),
		})
	}
	return out
}
