package data_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/data"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore(t *testing.T) *data.Store {
	t.Helper()
	store, err := data.NewStore(zap.NewNop(), t.TempDir(), map[string]string{"tst": "Testing"})
	require.NoError(t, err)
	return store
}

func TestSyntheticSeriesIsDeterministic(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC)

	first, err := newStore(t).LoadBars(ctx, "demo", []string{"AAPL", "JPM"}, types.Timeframe1d, start, end)
	require.NoError(t, err)
	second, err := newStore(t).LoadBars(ctx, "demo", []string{"AAPL", "JPM"}, types.Timeframe1d, start, end)
	require.NoError(t, err)

	require.NotEmpty(t, first)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Symbol, second[i].Symbol)
		assert.True(t, first[i].Close.Equal(second[i].Close), "bar %d", i)
	}

	other, err := newStore(t).LoadBars(ctx, "other", []string{"AAPL"}, types.Timeframe1d, start, end)
	require.NoError(t, err)
	assert.False(t, other[0].Close.Equal(first[0].Close))
}

func TestLoadBarsOrderingAndPrevClose(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 3, 31, 0, 0, 0, 0, time.UTC)

	bars, err := newStore(t).LoadBars(ctx, "demo", []string{"MSFT", "AAPL"}, types.Timeframe1d, start, end)
	require.NoError(t, err)

	lastClose := map[string]decimal.Decimal{}
	for i, b := range bars {
		assert.NotEqual(t, time.Saturday, b.Timestamp.Weekday())
		assert.NotEqual(t, time.Sunday, b.Timestamp.Weekday())
		if i > 0 {
			prev := bars[i-1]
			assert.False(t, b.Timestamp.Before(prev.Timestamp))
			if b.Timestamp.Equal(prev.Timestamp) {
				assert.Less(t, prev.Symbol, b.Symbol)
			}
		}
		assert.True(t, b.PrevClose.Equal(lastClose[b.Symbol]))
		lastClose[b.Symbol] = b.Close
	}
}

func TestSaveAndLoadDatasetFiles(t *testing.T) {
	store := newStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	bars := []types.OHLCV{
		{Timestamp: base.Add(48 * time.Hour), Open: decimal.NewFromInt(102), High: decimal.NewFromInt(104), Low: decimal.NewFromInt(101), Close: decimal.NewFromInt(103), Volume: decimal.NewFromInt(900)},
		{Timestamp: base, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(1000)},
		{Timestamp: base.Add(24 * time.Hour), Open: decimal.NewFromInt(100), High: decimal.NewFromInt(103), Low: decimal.NewFromInt(100), Close: decimal.NewFromInt(102), Volume: decimal.NewFromInt(1100)},
	}
	require.NoError(t, store.SaveOHLCV("mine", "TST", types.Timeframe1d, bars))

	symbols, err := store.Symbols("mine", types.Timeframe1d)
	require.NoError(t, err)
	assert.Equal(t, []string{"TST"}, symbols)

	store.ClearCache()
	loaded, err := store.LoadOHLCV("mine", "TST", types.Timeframe1d, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.True(t, loaded[0].Timestamp.Equal(base))
	assert.True(t, loaded[1].Close.Equal(decimal.NewFromInt(102)))
	assert.Equal(t, 1, store.GetCacheSize())

	all, err := store.LoadBars(context.Background(), "mine", nil, types.Timeframe1d, base, base.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[2].PrevClose.Equal(decimal.NewFromInt(102)))
}

func TestSectorsAndValidation(t *testing.T) {
	store := newStore(t)
	assert.Equal(t, "Technology", store.Sector("AAPL"))
	assert.Equal(t, "Testing", store.Sector("TST"))
	assert.Equal(t, data.UnknownSector, store.Sector("ZZZ"))

	_, err := store.LoadOHLCV("../escape", "AAPL", types.Timeframe1d, time.Time{}, time.Now())
	assert.Error(t, err)

	symbols, err := store.Symbols("empty", types.Timeframe1d)
	require.NoError(t, err)
	assert.Equal(t, data.DefaultUniverse, symbols)
}
