package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatistics(t *testing.T) {
	values := []float64{4, 2, 8, 6}

	assert.InDelta(t, 5.0, Mean(values), 1e-12)
	assert.InDelta(t, 2.5819888974716, StdDev(values), 1e-9)
	assert.Zero(t, Mean(nil))
	assert.Zero(t, StdDev([]float64{3}))

	sorted := SortedCopy(values)
	assert.Equal(t, []float64{2, 4, 6, 8}, sorted)
	assert.Equal(t, []float64{4, 2, 8, 6}, values)

	assert.Equal(t, 2.0, Percentile(sorted, 0))
	assert.Equal(t, 8.0, Percentile(sorted, 1))
	assert.InDelta(t, 5.0, Percentile(sorted, 0.5), 1e-12)
	assert.Zero(t, Percentile(nil, 0.5))
}

func TestClampAndDecimalBounds(t *testing.T) {
	assert.Equal(t, 1.0, Clamp(-3, 1, 5))
	assert.Equal(t, 5.0, Clamp(9, 1, 5))
	assert.Equal(t, 2.5, Clamp(2.5, 1, 5))

	a, b := decimal.NewFromInt(3), decimal.NewFromInt(7)
	assert.True(t, MinDecimal(a, b).Equal(a))
	assert.True(t, MaxDecimal(a, b).Equal(b))
}

func TestSMA(t *testing.T) {
	sma := NewSMA(3)
	assert.True(t, sma.Add(decimal.NewFromInt(3)).Equal(decimal.NewFromInt(3)))
	assert.False(t, sma.Ready())
	sma.Add(decimal.NewFromInt(6))
	avg := sma.Add(decimal.NewFromInt(9))
	assert.True(t, sma.Ready())
	assert.True(t, avg.Equal(decimal.NewFromInt(6)))

	avg = sma.Add(decimal.NewFromInt(12))
	assert.True(t, avg.Equal(decimal.NewFromInt(9)), avg.String())
}

func TestRetry(t *testing.T) {
	config := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

	calls := 0
	got, err := Retry(config, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)

	boom := errors.New("boom")
	calls = 0
	_, err = Retry(config, func() (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}
