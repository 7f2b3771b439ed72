package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/internal/store"
	"github.com/atlas-desktop/backtest-lab/internal/tasks"
	"github.com/atlas-desktop/backtest-lab/internal/workers"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// gateLauncher records launches and holds each run until released
type gateLauncher struct {
	manager *tasks.Manager
	hold    bool

	mu       sync.Mutex
	order    []string
	release  map[string]chan struct{}
	slots    map[string]Slot
	reserved map[string]bool
	dropped  []string
}

func newGateLauncher(manager *tasks.Manager, hold bool) *gateLauncher {
	return &gateLauncher{
		manager:  manager,
		hold:     hold,
		release:  make(map[string]chan struct{}),
		slots:    make(map[string]Slot),
		reserved: make(map[string]bool),
	}
}

func (g *gateLauncher) Reserve(taskID string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reserved[taskID] {
		return nil, apperrors.InvalidOperation("test", "task %s is already running", taskID)
	}
	g.reserved[taskID] = true
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.reserved, taskID)
		g.dropped = append(g.dropped, taskID)
	}, nil
}

func (g *gateLauncher) Launch(ctx context.Context, task *types.Task, slot Slot) error {
	defer slot.Release()
	ch := make(chan struct{})
	g.mu.Lock()
	g.order = append(g.order, task.ID)
	g.release[task.ID] = ch
	g.slots[task.ID] = slot
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.reserved, task.ID)
		g.mu.Unlock()
	}()

	if g.hold {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := g.manager.Complete(context.Background(), task.ID, nil)
	return err
}

func (g *gateLauncher) launched() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func (g *gateLauncher) slot(id string) Slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slots[id]
}

func (g *gateLauncher) drops() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.dropped...)
}

func (g *gateLauncher) isReserved(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reserved[id]
}

func (g *gateLauncher) finish(id string) {
	g.mu.Lock()
	ch := g.release[id]
	g.mu.Unlock()
	close(ch)
}

type fixture struct {
	manager    *tasks.Manager
	pool       *workers.Pool
	launcher   *gateLauncher
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, maxConcurrent int, hold bool) *fixture {
	t.Helper()
	repo := store.NewMemoryStore()
	manager := tasks.NewManager(zap.NewNop(), repo, nil, nil)
	pool := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("test", maxConcurrent))
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })

	launcher := newGateLauncher(manager, hold)
	d := New(zap.NewNop(), manager, pool, launcher, nil, Config{MaxConcurrent: maxConcurrent})
	t.Cleanup(d.Stop)
	return &fixture{manager: manager, pool: pool, launcher: launcher, dispatcher: d}
}

func (f *fixture) create(t *testing.T, p types.Priority) *types.Task {
	t.Helper()
	task, err := f.manager.Create(context.Background(), tasks.CreateRequest{
		Type:     types.TaskTypeBacktest,
		Params:   map[string]any{"strategy_id": "buy_and_hold", "dataset_id": "demo"},
		Priority: p,
	})
	require.NoError(t, err)
	return task
}

func TestDispatcher_PriorityOrder(t *testing.T) {
	f := newFixture(t, 1, false)
	low := f.create(t, types.PriorityLow)
	urgent := f.create(t, types.PriorityUrgent)
	normal := f.create(t, types.PriorityNormal)

	require.NoError(t, f.dispatcher.Start(context.Background()))

	require.Eventually(t, func() bool { return len(f.launcher.launched()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{urgent.ID, normal.ID, low.ID}, f.launcher.launched())

	require.Eventually(t, func() bool {
		task, err := f.manager.Get(context.Background(), low.ID)
		return err == nil && task.Status == types.TaskStatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_RespectsConcurrencyBound(t *testing.T) {
	f := newFixture(t, 2, true)
	a := f.create(t, types.PriorityNormal)
	b := f.create(t, types.PriorityNormal)
	c := f.create(t, types.PriorityNormal)

	require.NoError(t, f.dispatcher.Start(context.Background()))
	require.Eventually(t, func() bool { return len(f.launcher.launched()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{a.ID, b.ID}, f.launcher.launched())

	_, err := f.dispatcher.TryDispatch(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.KindResourceExhausted))

	running, err := f.manager.RunningCount(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, running)

	pending, err := f.manager.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, pending.Status)

	f.launcher.finish(a.ID)
	require.Eventually(t, func() bool { return len(f.launcher.launched()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, c.ID, f.launcher.launched()[2])

	f.launcher.finish(b.ID)
	f.launcher.finish(c.ID)
	require.Eventually(t, func() bool { return f.dispatcher.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_CreateHookWakesLoop(t *testing.T) {
	f := newFixture(t, 1, false)
	require.NoError(t, f.dispatcher.Start(context.Background()))

	task := f.create(t, types.PriorityHigh)
	require.Eventually(t, func() bool { return len(f.launcher.launched()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, task.ID, f.launcher.launched()[0])
}

func TestDispatcher_SkipsStaleEntries(t *testing.T) {
	f := newFixture(t, 1, false)
	task := f.create(t, types.PriorityNormal)
	assert.Equal(t, 1, f.dispatcher.QueueDepth())

	_, err := f.manager.Cancel(context.Background(), task.ID)
	require.NoError(t, err)

	got, err := f.dispatcher.TryDispatch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, f.dispatcher.QueueDepth())
	assert.Zero(t, f.dispatcher.Running())
	assert.Empty(t, f.launcher.launched())
	assert.Equal(t, []string{task.ID}, f.launcher.drops())

	stored, err := f.manager.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, stored.Status)
}

func TestDispatcher_ReservesBeforeClaim(t *testing.T) {
	f := newFixture(t, 1, true)
	task := f.create(t, types.PriorityNormal)

	got, err := f.dispatcher.Dispatch(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
	assert.True(t, f.launcher.isReserved(task.ID))

	_, err = f.dispatcher.Dispatch(context.Background(), task.ID)
	assert.True(t, apperrors.Is(err, apperrors.KindResourceExhausted))

	require.Eventually(t, func() bool { return len(f.launcher.launched()) == 1 }, time.Second, 5*time.Millisecond)
	f.launcher.finish(task.ID)
	require.Eventually(t, func() bool { return !f.launcher.isReserved(task.ID) }, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.launcher.drops())
}

func TestDispatcher_ReleasedSlotIsReclaimed(t *testing.T) {
	repo := store.NewMemoryStore()
	manager := tasks.NewManager(zap.NewNop(), repo, nil, nil)
	pool := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("test", 2))
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })
	launcher := newGateLauncher(manager, true)
	d := New(zap.NewNop(), manager, pool, launcher, nil, Config{MaxConcurrent: 1})
	t.Cleanup(d.Stop)
	f := &fixture{manager: manager, pool: pool, launcher: launcher, dispatcher: d}

	first := f.create(t, types.PriorityNormal)
	require.NoError(t, d.Start(context.Background()))
	require.Eventually(t, func() bool { return len(launcher.launched()) == 1 }, time.Second, 5*time.Millisecond)

	held := launcher.slot(first.ID)
	held.Release()
	held.Release()
	assert.Zero(t, d.Running())

	second := f.create(t, types.PriorityNormal)
	require.Eventually(t, func() bool { return len(launcher.launched()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, second.ID, launcher.launched()[1])
	assert.Equal(t, 1, d.Running())
	assert.False(t, held.Reacquire())

	launcher.finish(second.ID)
	require.Eventually(t, func() bool { return d.Running() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, held.Reacquire())
	assert.Equal(t, 1, d.Running())

	launcher.finish(first.ID)
	require.Eventually(t, func() bool { return d.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_StoppedPoolFailsQueuedRuns(t *testing.T) {
	repo := store.NewMemoryStore()
	manager := tasks.NewManager(zap.NewNop(), repo, nil, nil)
	pool := workers.NewPool(zap.NewNop(), &workers.PoolConfig{Name: "test", NumWorkers: 1, QueueSize: 4, ShutdownTimeout: time.Second})
	pool.Start()
	launcher := newGateLauncher(manager, true)
	d := New(zap.NewNop(), manager, pool, launcher, nil, Config{MaxConcurrent: 2})
	f := &fixture{manager: manager, pool: pool, launcher: launcher, dispatcher: d}

	first := f.create(t, types.PriorityHigh)
	second := f.create(t, types.PriorityNormal)
	_, err := d.TryDispatch(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(launcher.launched()) == 1 }, time.Second, 5*time.Millisecond)
	_, err = d.TryDispatch(context.Background())
	require.NoError(t, err)

	require.NoError(t, pool.Stop())

	queued, err := manager.Get(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusFailed, queued.Status)
	require.NotNil(t, queued.Error)
	assert.Equal(t, types.FailureInternal, queued.Error.Category)
	assert.Contains(t, queued.Error.Message, "discarded")
	assert.Equal(t, []string{second.ID}, launcher.drops())
	assert.Equal(t, []string{first.ID}, launcher.launched())
	assert.Zero(t, d.Running())
}

func TestDispatcher_RecoversOrphans(t *testing.T) {
	f := newFixture(t, 1, false)
	task := f.create(t, types.PriorityNormal)
	_, err := f.manager.Start(context.Background(), task.ID)
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.Start(context.Background()))

	stored, err := f.manager.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, types.FailureInternal, stored.Error.Category)
}

func TestQueue_Ordering(t *testing.T) {
	q := NewQueue()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	q.Push(Ref{ID: "late-normal", Priority: types.PriorityNormal, CreatedAt: at.Add(time.Second), Seq: 1})
	q.Push(Ref{ID: "seq-3", Priority: types.PriorityNormal, CreatedAt: at, Seq: 3})
	q.Push(Ref{ID: "seq-2", Priority: types.PriorityNormal, CreatedAt: at, Seq: 2})
	q.Push(Ref{ID: "high", Priority: types.PriorityHigh, CreatedAt: at.Add(time.Hour), Seq: 9})
	assert.False(t, q.Push(Ref{ID: "seq-2", Priority: types.PriorityNormal, CreatedAt: at, Seq: 2}))
	q.Push(Ref{ID: "gone", Priority: types.PriorityUrgent, CreatedAt: at, Seq: 10})
	assert.True(t, q.Remove("gone"))
	assert.False(t, q.Remove("gone"))

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "high", head.ID)

	var ids []string
	for {
		ref, ok := q.Pop()
		if !ok {
			break
		}
		ids = append(ids, ref.ID)
	}
	assert.Equal(t, []string{"high", "seq-2", "seq-3", "late-normal"}, ids)
	assert.Zero(t, q.Len())
}
