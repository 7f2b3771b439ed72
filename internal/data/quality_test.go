package data

import (
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func bar(ts time.Time, o, h, l, c, v int64) types.OHLCV {
	return types.OHLCV{
		Timestamp: ts,
		Open:      decimal.NewFromInt(o),
		High:      decimal.NewFromInt(h),
		Low:       decimal.NewFromInt(l),
		Close:     decimal.NewFromInt(c),
		Volume:    decimal.NewFromInt(v),
	}
}

func kinds(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.Kind
	}
	return out
}

func TestQualityChecker_CleanSeries(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []types.OHLCV{
		bar(base, 100, 101, 99, 100, 1000),
		bar(base.Add(24*time.Hour), 100, 103, 100, 102, 1100),
	}
	assert.Empty(t, DefaultQualityChecker().Check(bars))
}

func TestQualityChecker_FlagsProblems(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []types.OHLCV{
		bar(base, 100, 101, 99, 100, 1000),
		bar(base, 100, 101, 99, 100, 1000),
		bar(base.Add(24*time.Hour), 100, 98, 97, 99, 1000),
		bar(base.Add(48*time.Hour), 0, 101, 99, 100, 1000),
		bar(base.Add(72*time.Hour), 130, 131, 129, 130, -5),
	}

	issues := DefaultQualityChecker().Check(bars)
	assert.Equal(t, []string{"DUPLICATE_TIMESTAMP", "OHLC_INCONSISTENT", "NON_POSITIVE_PRICE", "NEGATIVE_VOLUME", "GAP_MOVE"}, kinds(issues))
	assert.Len(t, Critical(issues), 4)
	assert.Equal(t, SeverityWarning, issues[4].Severity)
}

func TestLoadOHLCV_RejectsCorruptFile(t *testing.T) {
	store, err := NewStore(zap.NewNop(), t.TempDir(), nil)
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveOHLCV("bad", "TST", types.Timeframe1d, []types.OHLCV{
		bar(base, 100, 99, 98, 100, 1000),
	}))
	store.ClearCache()

	_, err = store.LoadOHLCV("bad", "TST", types.Timeframe1d, base, base.Add(24*time.Hour))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	assert.Contains(t, err.Error(), "OHLC_INCONSISTENT")
	assert.Zero(t, store.GetCacheSize())
}
