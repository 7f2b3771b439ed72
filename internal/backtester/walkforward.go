package backtester

import (
	"fmt"
)

// FoldWindow is one rolling walk-forward split over curve indices.
// Ranges are half-open: [TrainStart, TrainEnd) then [TrainEnd, TestEnd).
type FoldWindow struct {
	Index      int
	TrainStart int
	TrainEnd   int
	TestEnd    int
}

// MinFoldBars is the smallest train or test segment that yields a return series
const MinFoldBars = 3

// WalkForwardWindows cuts n points into folds consecutive segments of equal
// size, each split into train and test parts at trainRatio.
func WalkForwardWindows(n, folds int, trainRatio float64) ([]FoldWindow, error) {
	if folds < 1 {
		return nil, fmt.Errorf("need at least one fold, got %d", folds)
	}
	if trainRatio <= 0 || trainRatio >= 1 {
		return nil, fmt.Errorf("train ratio %v outside (0, 1)", trainRatio)
	}

	segment := n / folds
	train := int(float64(segment) * trainRatio)
	test := segment - train
	if train < MinFoldBars || test < MinFoldBars {
		return nil, fmt.Errorf("%d points cannot form %d folds of at least %d train and %d test points",
			n, folds, MinFoldBars, MinFoldBars)
	}

	windows := make([]FoldWindow, folds)
	for i := range windows {
		start := i * segment
		windows[i] = FoldWindow{
			Index:      i,
			TrainStart: start,
			TrainEnd:   start + train,
			TestEnd:    start + segment,
		}
	}
	return windows, nil
}
