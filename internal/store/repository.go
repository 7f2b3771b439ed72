// Package store persists task records, backtest results and diagnoses.
package store

import (
	"context"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// TaskRepository persists task records.
//
// Save is a compare-and-set on Version: it succeeds only when the stored
// version equals task.Version, and on success increments task.Version.
// A lost race returns a Conflict error and leaves the row untouched.
type TaskRepository interface {
	Create(ctx context.Context, task *types.Task) error
	Load(ctx context.Context, id string) (*types.Task, error)
	Save(ctx context.Context, task *types.Task) error
	List(ctx context.Context, filter types.TaskFilter, page types.Pagination) (*types.TaskPage, error)
	Delete(ctx context.Context, id string) error
	// NextPending returns nil without error when nothing is pending
	NextPending(ctx context.Context) (*types.Task, error)
	CountByStatus(ctx context.Context, status types.TaskStatus) (int64, error)
}

// ResultRepository persists immutable backtest results and their diagnoses
type ResultRepository interface {
	SaveResult(ctx context.Context, result *types.BacktestResult) error
	LoadResult(ctx context.Context, id string) (*types.BacktestResult, error)
	// SaveDiagnosis replaces any diagnosis stored for the same result
	SaveDiagnosis(ctx context.Context, diag *types.DiagnosisResult) error
	LoadDiagnosis(ctx context.Context, resultID string) (*types.DiagnosisResult, error)
}

// Store is the union used by the service wiring
type Store interface {
	TaskRepository
	ResultRepository
	Close() error
}
