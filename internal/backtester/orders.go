package backtester

import (
	"sort"
	"time"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// Order is a market order waiting for the next tradeable bar of its symbol.
// Orders are sized at fill time against the then current equity.
type Order struct {
	Symbol    string          `json:"symbol"`
	Side      types.OrderSide `json:"side"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"createdAt"`
}

// OrderBook holds at most one pending order per symbol
type OrderBook struct {
	pending map[string]Order
}

// NewOrderBook creates an empty order book
func NewOrderBook() *OrderBook {
	return &OrderBook{pending: make(map[string]Order)}
}

func restoreOrderBook(orders []Order) *OrderBook {
	ob := NewOrderBook()
	for _, o := range orders {
		ob.pending[o.Symbol] = o
	}
	return ob
}

// Submit queues order, replacing any pending order of the same symbol
func (ob *OrderBook) Submit(order Order) {
	ob.pending[order.Symbol] = order
}

// Pending returns the order pending for symbol
func (ob *OrderBook) Pending(symbol string) (Order, bool) {
	o, ok := ob.pending[symbol]
	return o, ok
}

// Remove drops the order pending for symbol
func (ob *OrderBook) Remove(symbol string) {
	delete(ob.pending, symbol)
}

// Len returns the number of pending orders
func (ob *OrderBook) Len() int {
	return len(ob.pending)
}

// Snapshot returns the pending orders ordered by symbol
func (ob *OrderBook) Snapshot() []Order {
	out := make([]Order, 0, len(ob.pending))
	for _, o := range ob.pending {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
