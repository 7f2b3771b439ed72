package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// MemoryStore keeps everything in process memory
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*types.Task
	results   map[string][]byte
	diagnoses map[string][]byte
	seq       int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*types.Task),
		results:   make(map[string][]byte),
		diagnoses: make(map[string][]byte),
	}
}

// Create inserts a new task, assigning Seq and Version
func (s *MemoryStore) Create(ctx context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return apperrors.New(apperrors.KindConflict, "store.Create", "task %s already exists", task.ID)
	}
	s.seq++
	task.Seq = s.seq
	task.Version = 1
	s.tasks[task.ID] = task.Clone()
	return nil
}

// Load returns a copy of the task
func (s *MemoryStore) Load(ctx context.Context, id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("store.Load", "task", id)
	}
	return t.Clone(), nil
}

// Save writes the task if its version matches the stored one
func (s *MemoryStore) Save(ctx context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[task.ID]
	if !ok {
		return apperrors.NotFound("store.Save", "task", task.ID)
	}
	if current.Version != task.Version {
		return apperrors.Conflict("store.Save", task.ID, task.Version)
	}
	task.Version++
	task.Seq = current.Seq
	s.tasks[task.ID] = task.Clone()
	return nil
}

// List returns tasks newest first
func (s *MemoryStore) List(ctx context.Context, filter types.TaskFilter, page types.Pagination) (*types.TaskPage, error) {
	s.mu.RLock()
	matched := make([]*types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.Matches(t) {
			matched = append(matched, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Seq > matched[j].Seq
	})

	page = page.Normalize()
	out := &types.TaskPage{Total: int64(len(matched)), Page: page.Page, PageSize: page.PageSize}
	start := page.Offset()
	if start >= len(matched) {
		out.Tasks = []*types.Task{}
		return out, nil
	}
	end := start + page.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	out.Tasks = matched[start:end]
	return out, nil
}

// Delete removes the task record
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return apperrors.NotFound("store.Delete", "task", id)
	}
	delete(s.tasks, id)
	return nil
}

// NextPending returns the pending task that should run first
func (s *MemoryStore) NextPending(ctx context.Context) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *types.Task
	for _, t := range s.tasks {
		if t.Status != types.TaskStatusPending {
			continue
		}
		if best == nil || t.RunsBefore(best) {
			best = t
		}
	}
	return best.Clone(), nil
}

// CountByStatus counts tasks in the given status
func (s *MemoryStore) CountByStatus(ctx context.Context, status types.TaskStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, t := range s.tasks {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

// SaveResult stores an encoded copy of the result
func (s *MemoryStore) SaveResult(ctx context.Context, result *types.BacktestResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "store.SaveResult", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.results[result.ID]; exists {
		return apperrors.InvalidOperation("store.SaveResult", "result %s is immutable", result.ID)
	}
	s.results[result.ID] = data
	return nil
}

// LoadResult decodes a stored result
func (s *MemoryStore) LoadResult(ctx context.Context, id string) (*types.BacktestResult, error) {
	s.mu.RLock()
	data, ok := s.results[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("store.LoadResult", "result", id)
	}
	var result types.BacktestResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "store.LoadResult", err)
	}
	return &result, nil
}

// SaveDiagnosis replaces the diagnosis of a result
func (s *MemoryStore) SaveDiagnosis(ctx context.Context, diag *types.DiagnosisResult) error {
	data, err := json.Marshal(diag)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "store.SaveDiagnosis", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.results[diag.ResultID]; !ok {
		return apperrors.NotFound("store.SaveDiagnosis", "result", diag.ResultID)
	}
	s.diagnoses[diag.ResultID] = data
	return nil
}

// LoadDiagnosis returns the diagnosis of a result
func (s *MemoryStore) LoadDiagnosis(ctx context.Context, resultID string) (*types.DiagnosisResult, error) {
	s.mu.RLock()
	data, ok := s.diagnoses[resultID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("store.LoadDiagnosis", "diagnosis for result", resultID)
	}
	var diag types.DiagnosisResult
	if err := json.Unmarshal(data, &diag); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "store.LoadDiagnosis", err)
	}
	return &diag, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
