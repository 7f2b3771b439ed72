package tasks

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/internal/events"
	"github.com/atlas-desktop/backtest-lab/internal/metrics"
	"github.com/atlas-desktop/backtest-lab/internal/store"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// saveAttempts bounds retries after losing a version race to another writer
const saveAttempts = 3

// CreateRequest describes a new task
type CreateRequest struct {
	Type      types.TaskType `json:"type"`
	Name      string         `json:"name"`
	Params    map[string]any `json:"params"`
	Priority  types.Priority `json:"priority"`
	CreatedBy string         `json:"createdBy"`
}

// ProgressUpdate overwrites the progress fields of a running task.
// Nil Step or ETA leave the stored value untouched.
type ProgressUpdate struct {
	Progress float64
	Step     *string
	ETA      *int64
}

// CreateHook observes newly created tasks
type CreateHook func(task *types.Task)

// Manager applies state-machine operations to stored tasks.
// Mutations of one task are serialized in-process by a keyed lock and
// across processes by the repository's version compare-and-set.
type Manager struct {
	logger    *zap.Logger
	repo      store.TaskRepository
	publisher events.Publisher
	metrics   *metrics.Metrics
	locks     *keyedMutex

	hooksMu sync.RWMutex
	hooks   []CreateHook

	now func() time.Time
}

// NewManager creates a task manager
func NewManager(logger *zap.Logger, repo store.TaskRepository, publisher events.Publisher, m *metrics.Metrics) *Manager {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Manager{
		logger:    logger.With(zap.String("component", "task_manager")),
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnCreate registers a hook called after each successful Create
func (m *Manager) OnCreate(hook CreateHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Create validates params and persists a PENDING task
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Task, error) {
	const op = "tasks.Create"

	if !req.Priority.Valid() {
		return nil, apperrors.Validation(op, "unknown priority %d", req.Priority)
	}
	if err := ValidateParams(req.Type, req.Params); err != nil {
		return nil, err
	}

	now := m.now()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = string(req.Type) + " " + now.Format("2006-01-02 15:04:05")
	}
	task := &types.Task{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Name:      name,
		Params:    copyParams(req.Params),
		Priority:  req.Priority,
		Status:    types.TaskStatusPending,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.Create(ctx, task); err != nil {
		return nil, err
	}

	m.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("priority", task.Priority.String()),
	)
	m.metrics.TaskTransition("create", string(task.Status))
	m.publishStatus("create", "", task)

	m.hooksMu.RLock()
	hooks := append([]CreateHook(nil), m.hooks...)
	m.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(task.Clone())
	}
	return task, nil
}

// UpdateParams replaces the params of a task that has not started yet
func (m *Manager) UpdateParams(ctx context.Context, id string, params map[string]any) (*types.Task, error) {
	const op = "tasks.UpdateParams"

	unlock := m.locks.Lock(id)
	defer unlock()

	task, err := m.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusPending {
		return nil, apperrors.InvalidOperation(op, "params of task %s are immutable in status %s", id, task.Status)
	}
	if err := ValidateParams(task.Type, params); err != nil {
		return nil, err
	}
	task.Params = copyParams(params)
	task.UpdatedAt = m.now()
	if err := m.repo.Save(ctx, task); err != nil {
		if apperrors.Is(err, apperrors.KindConflict) {
			return nil, apperrors.InvalidOperation(op, "task %s changed concurrently", id)
		}
		return nil, err
	}
	return task, nil
}

// Start moves a PENDING task to RUNNING and resets its progress
func (m *Manager) Start(ctx context.Context, id string) (*types.Task, error) {
	return m.transition(ctx, id, OpStart, func(t *types.Task, now time.Time) {
		t.Progress = 0
		t.CurrentStep = ""
		t.ETA = nil
		t.Error = nil
		t.StartedAt = &now
	})
}

// Pause moves a RUNNING task to PAUSED
func (m *Manager) Pause(ctx context.Context, id string) (*types.Task, error) {
	return m.transition(ctx, id, OpPause, func(t *types.Task, now time.Time) {
		t.ETA = nil
	})
}

// Resume moves a PAUSED task back to RUNNING; progress is kept
func (m *Manager) Resume(ctx context.Context, id string) (*types.Task, error) {
	return m.transition(ctx, id, OpResume, nil)
}

// Cancel moves a non-terminal task to CANCELLED
func (m *Manager) Cancel(ctx context.Context, id string) (*types.Task, error) {
	return m.transition(ctx, id, OpCancel, func(t *types.Task, now time.Time) {
		t.ETA = nil
		t.CompletedAt = &now
	})
}

// Complete records the result and moves the task to COMPLETED with progress 100
func (m *Manager) Complete(ctx context.Context, id string, result any) (*types.Task, error) {
	var payload json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "tasks.Complete", err)
		}
		payload = data
	}
	return m.transition(ctx, id, OpComplete, func(t *types.Task, now time.Time) {
		t.Progress = 100
		t.CurrentStep = "completed"
		zero := int64(0)
		t.ETA = &zero
		t.Result = payload
		t.CompletedAt = &now
	})
}

// Fail records a structured error and moves the task to FAILED
func (m *Manager) Fail(ctx context.Context, id string, taskErr *types.TaskError) (*types.Task, error) {
	if taskErr == nil {
		taskErr = &types.TaskError{Category: types.FailureInternal, Code: string(apperrors.CodeInternal), Message: "unknown failure"}
	}
	task, err := m.transition(ctx, id, OpFail, func(t *types.Task, now time.Time) {
		e := *taskErr
		t.Error = &e
		t.ETA = nil
		t.CompletedAt = &now
	})
	if err == nil {
		m.metrics.RunFailed(string(taskErr.Category))
	}
	return task, err
}

// UpdateProgress overwrites progress fields of a RUNNING task.
// Progress never decreases; repeating an update is a no-op.
func (m *Manager) UpdateProgress(ctx context.Context, id string, update ProgressUpdate) (*types.Task, error) {
	const op = "tasks.UpdateProgress"

	if math.IsNaN(update.Progress) {
		return nil, apperrors.Validation(op, "progress must be a number")
	}
	progress := math.Max(0, math.Min(100, update.Progress))

	unlock := m.locks.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		task, err := m.repo.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status != types.TaskStatusRunning {
			return nil, apperrors.InvalidTransition(op, "update_progress", string(task.Status))
		}

		changed := false
		if progress > task.Progress {
			task.Progress = progress
			changed = true
		}
		if update.Step != nil && *update.Step != task.CurrentStep {
			task.CurrentStep = *update.Step
			changed = true
		}
		if update.ETA != nil && (task.ETA == nil || *task.ETA != *update.ETA) {
			eta := *update.ETA
			task.ETA = &eta
			changed = true
		}
		if !changed {
			return task, nil
		}
		task.UpdatedAt = m.now()

		err = m.repo.Save(ctx, task)
		if err == nil {
			m.publisher.Publish(events.NewEvent(events.EventTypeProgress, task.ID, types.TaskProgress{
				TaskID:      task.ID,
				Progress:    task.Progress,
				CurrentStep: task.CurrentStep,
				ETA:         task.ETA,
			}))
			return task, nil
		}
		if !apperrors.Is(err, apperrors.KindConflict) || attempt+1 >= saveAttempts {
			return nil, err
		}
	}
}

// Get loads one task
func (m *Manager) Get(ctx context.Context, id string) (*types.Task, error) {
	return m.repo.Load(ctx, id)
}

// List returns a filtered page of tasks
func (m *Manager) List(ctx context.Context, filter types.TaskFilter, page types.Pagination) (*types.TaskPage, error) {
	return m.repo.List(ctx, filter, page)
}

// GetNextPending returns the PENDING task to run next, or nil when none is available
func (m *Manager) GetNextPending(ctx context.Context) (*types.Task, error) {
	return m.repo.NextPending(ctx)
}

// RunningCount returns the number of RUNNING tasks
func (m *Manager) RunningCount(ctx context.Context) (int64, error) {
	return m.repo.CountByStatus(ctx, types.TaskStatusRunning)
}

// Delete removes a task in a terminal status
func (m *Manager) Delete(ctx context.Context, id string) error {
	const op = "tasks.Delete"

	unlock := m.locks.Lock(id)
	defer unlock()

	task, err := m.repo.Load(ctx, id)
	if err != nil {
		return err
	}
	if !CanDelete(task.Status) {
		return apperrors.InvalidOperation(op, "cannot delete task %s in status %s", id, task.Status)
	}
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("Task deleted", zap.String("task_id", id))
	return nil
}

// transition applies op under the task lock. A lost version race reloads the
// record and re-evaluates op against the fresh status.
func (m *Manager) transition(ctx context.Context, id string, op Operation, mutate func(*types.Task, time.Time)) (*types.Task, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		task, err := m.repo.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		from := task.Status
		to, err := Next(from, op)
		if err != nil {
			return nil, err
		}

		now := m.now()
		task.Status = to
		task.UpdatedAt = now
		if mutate != nil {
			mutate(task, now)
		}

		err = m.repo.Save(ctx, task)
		if err == nil {
			m.logger.Info("Task transition",
				zap.String("task_id", id),
				zap.String("operation", string(op)),
				zap.String("from", string(from)),
				zap.String("to", string(to)),
			)
			m.metrics.TaskTransition(string(op), string(to))
			m.publishStatus(string(op), from, task)
			return task, nil
		}
		if !apperrors.Is(err, apperrors.KindConflict) || attempt+1 >= saveAttempts {
			return nil, err
		}
		m.logger.Debug("Task version conflict, reloading",
			zap.String("task_id", id),
			zap.String("operation", string(op)),
		)
	}
}

func (m *Manager) publishStatus(op string, from types.TaskStatus, task *types.Task) {
	m.publisher.Publish(events.NewEvent(events.EventTypeStatus, task.ID, events.StatusPayload{
		Operation: op,
		From:      from,
		To:        task.Status,
		Task:      task.Clone(),
	}))
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// keyedMutex hands out one mutex per key and forgets it when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex of key and returns its release func
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
