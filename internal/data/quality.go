package data

import (
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
)

// Issue severities
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Issue is one data problem found in a stored series
type Issue struct {
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// QualityChecker validates bar series before they are replayed.
// Critical issues make a series unusable; warnings are only logged.
type QualityChecker struct {
	// MaxGapMove flags close-to-open jumps larger than this fraction
	MaxGapMove float64
}

// DefaultQualityChecker uses a 20% gap threshold
func DefaultQualityChecker() QualityChecker {
	return QualityChecker{MaxGapMove: 0.20}
}

// Check inspects a series sorted by timestamp
func (q QualityChecker) Check(bars []types.OHLCV) []Issue {
	var issues []Issue
	add := func(kind, severity string, ts time.Time, format string, args ...any) {
		issues = append(issues, Issue{Kind: kind, Severity: severity, Timestamp: ts, Message: fmt.Sprintf(format, args...)})
	}

	maxGap := decimal.NewFromFloat(q.MaxGapMove)
	for i, bar := range bars {
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			add("NON_POSITIVE_PRICE", SeverityCritical, bar.Timestamp, "prices must be positive (O:%s H:%s L:%s C:%s)",
				bar.Open, bar.High, bar.Low, bar.Close)
			continue
		}
		if bar.High.LessThan(decimal.Max(bar.Open, bar.Close, bar.Low)) || bar.Low.GreaterThan(decimal.Min(bar.Open, bar.Close, bar.High)) {
			add("OHLC_INCONSISTENT", SeverityCritical, bar.Timestamp, "high/low do not bound the bar (O:%s H:%s L:%s C:%s)",
				bar.Open, bar.High, bar.Low, bar.Close)
		}
		if bar.Volume.IsNegative() {
			add("NEGATIVE_VOLUME", SeverityCritical, bar.Timestamp, "volume %s is negative", bar.Volume)
		}
		if i == 0 {
			continue
		}
		prev := bars[i-1]
		if bar.Timestamp.Equal(prev.Timestamp) {
			add("DUPLICATE_TIMESTAMP", SeverityCritical, bar.Timestamp, "duplicate bar at %s", bar.Timestamp.Format(time.RFC3339))
			continue
		}
		if q.MaxGapMove > 0 && prev.Close.IsPositive() {
			gap := bar.Open.Sub(prev.Close).Div(prev.Close).Abs()
			if gap.GreaterThan(maxGap) {
				add("GAP_MOVE", SeverityWarning, bar.Timestamp, "open gaps %s%% from previous close",
					gap.Mul(decimal.NewFromInt(100)).StringFixed(1))
			}
		}
	}
	return issues
}

// Critical returns the critical issues
func Critical(issues []Issue) []Issue {
	var out []Issue
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			out = append(out, issue)
		}
	}
	return out
}

// qualityError reports a series that cannot be replayed
func qualityError(datasetID, symbol string, critical []Issue) error {
	const shown = 3
	msgs := make([]string, 0, shown)
	for i, issue := range critical {
		if i == shown {
			break
		}
		msgs = append(msgs, issue.Kind+": "+issue.Message)
	}
	more := ""
	if len(critical) > shown {
		more = fmt.Sprintf(" (and %d more)", len(critical)-shown)
	}
	return apperrors.Validation("data.LoadOHLCV", "dataset %s symbol %s has unusable bars: %s%s",
		datasetID, symbol, strings.Join(msgs, "; "), more)
}
