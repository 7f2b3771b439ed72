package backtester

import (
	"math/rand"
	"sort"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
)

// MonteCarloSimulator reshuffles the order of closed-trade PnL to estimate
// how deep drawdowns could have been under a different trade sequence.
// A fixed seed makes the distribution reproducible.
type MonteCarloSimulator struct {
	runs int
	seed int64
}

// MonteCarloResult summarizes the simulated drawdown distribution
type MonteCarloResult struct {
	Runs            int       `json:"runs"`
	MedianDrawdown  float64   `json:"medianDrawdown"`
	P95Drawdown     float64   `json:"p95Drawdown"`
	ProbabilityRuin float64   `json:"probabilityRuin"`
	SortedDrawdowns []float64 `json:"-"`
}

// ruinThreshold is the equity fraction below which a path counts as ruined
const ruinThreshold = 0.5

// NewMonteCarloSimulator creates a simulator
func NewMonteCarloSimulator(runs int, seed int64) *MonteCarloSimulator {
	if runs <= 0 {
		runs = 1000
	}
	return &MonteCarloSimulator{runs: runs, seed: seed}
}

// Run shuffles the closing trades of a result starting from initialCapital
func (mc *MonteCarloSimulator) Run(trades []types.Trade, initialCapital float64) *MonteCarloResult {
	var pnls []float64
	for _, t := range trades {
		if t.Side == types.OrderSideSell {
			pnls = append(pnls, t.PnL.InexactFloat64())
		}
	}
	if len(pnls) == 0 || initialCapital <= 0 {
		return &MonteCarloResult{}
	}

	rng := rand.New(rand.NewSource(mc.seed))
	drawdowns := make([]float64, mc.runs)
	ruined := 0
	path := make([]float64, len(pnls))

	for i := 0; i < mc.runs; i++ {
		copy(path, pnls)
		rng.Shuffle(len(path), func(a, b int) { path[a], path[b] = path[b], path[a] })

		dd, ruin := simulatePath(path, initialCapital)
		drawdowns[i] = dd
		if ruin {
			ruined++
		}
	}

	sort.Float64s(drawdowns)
	return &MonteCarloResult{
		Runs:            mc.runs,
		MedianDrawdown:  utils.Percentile(drawdowns, 0.5),
		P95Drawdown:     utils.Percentile(drawdowns, 0.95),
		ProbabilityRuin: float64(ruined) / float64(mc.runs),
		SortedDrawdowns: drawdowns,
	}
}

// simulatePath returns the max drawdown of a PnL sequence and whether it fell below the ruin line
func simulatePath(pnls []float64, capital float64) (maxDD float64, ruin bool) {
	equity := capital
	peak := capital
	for _, pnl := range pnls {
		equity += pnl
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
		if equity <= capital*ruinThreshold {
			ruin = true
		}
	}
	if maxDD > 1 {
		maxDD = 1
	}
	return maxDD, ruin
}
