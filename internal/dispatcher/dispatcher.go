package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/internal/metrics"
	"github.com/atlas-desktop/backtest-lab/internal/tasks"
	"github.com/atlas-desktop/backtest-lab/internal/workers"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"go.uber.org/zap"
)

// Launcher executes claimed tasks.
//
// Reserve is called before a task is claimed so that control requests made
// right after the claim reach the run; the returned func drops a reservation
// that did not lead to a launch. Launch returns once the run has ended or
// paused and has released the slot by then. A paused run takes the slot
// again to resume.
type Launcher interface {
	Reserve(taskID string) (func(), error)
	Launch(ctx context.Context, task *types.Task, slot Slot) error
}

// Slot is the run slot held by a launched task
type Slot interface {
	// Release gives the slot back; it is safe to call more than once
	Release()
	// Reacquire takes a slot again without blocking and reports whether it got one
	Reacquire() bool
}

type lease struct {
	d    *Dispatcher
	held atomic.Bool
}

// newLease wraps a slot the caller has just taken
func (d *Dispatcher) newLease() *lease {
	l := &lease{d: d}
	l.held.Store(true)
	return l
}

func (l *lease) Release() {
	if l.held.CompareAndSwap(true, false) {
		l.d.releaseSlot()
	}
}

func (l *lease) Reacquire() bool {
	if l.held.Load() {
		return true
	}
	select {
	case l.d.slots <- struct{}{}:
		l.held.Store(true)
		l.d.metrics.SetRunning(len(l.d.slots))
		return true
	default:
		l.d.metrics.DispatchDeferred()
		return false
	}
}

// Config bounds the dispatcher
type Config struct {
	MaxConcurrent int
	// PollInterval re-reads pending tasks from the store, picking up tasks
	// written by other processes; zero disables polling
	PollInterval time.Duration
}

// Dispatcher is the single claim point for pending tasks
type Dispatcher struct {
	logger   *zap.Logger
	manager  *tasks.Manager
	pool     *workers.Pool
	launcher Launcher
	metrics  *metrics.Metrics
	config   Config

	queue *Queue
	slots chan struct{}
	wake  chan struct{}

	// claimMu makes TryDispatch callable from outside the loop
	claimMu sync.Mutex

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a dispatcher feeding pool
func New(logger *zap.Logger, manager *tasks.Manager, pool *workers.Pool, launcher Launcher, m *metrics.Metrics, cfg Config) *Dispatcher {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	d := &Dispatcher{
		logger:   logger.With(zap.String("component", "dispatcher")),
		manager:  manager,
		pool:     pool,
		launcher: launcher,
		metrics:  m,
		config:   cfg,
		queue:    NewQueue(),
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	manager.OnCreate(func(t *types.Task) {
		if t.Status == types.TaskStatusPending {
			d.Enqueue(t)
		}
	})
	return d
}

// Start recovers orphaned runs, seeds the queue from the store and starts
// the claim loop
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.recoverOrphans(ctx); err != nil {
		return err
	}
	if err := d.seed(ctx); err != nil {
		return err
	}
	d.logger.Info("Dispatcher started",
		zap.Int("max_concurrent", d.config.MaxConcurrent),
		zap.Int("queued", d.queue.Len()),
	)
	d.started.Store(true)
	go d.loop(ctx)
	return nil
}

// Stop ends the claim loop. Runs already handed to the pool are not affected.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	if d.started.Load() {
		<-d.done
	}
}

// Enqueue adds a pending task and wakes the loop
func (d *Dispatcher) Enqueue(t *types.Task) {
	d.queue.Push(RefOf(t))
	d.metrics.SetQueueDepth(d.queue.Len())
	d.signal()
}

// Running returns the number of occupied slots; paused runs hold none
func (d *Dispatcher) Running() int {
	return len(d.slots)
}

// QueueDepth returns the number of queued refs, stale ones included
func (d *Dispatcher) QueueDepth() int {
	return d.queue.Len()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// TryDispatch claims the next runnable task and submits it to the pool.
// It returns a ResourceExhausted error when every slot is busy and a nil
// task when nothing is pending.
func (d *Dispatcher) TryDispatch(ctx context.Context) (*types.Task, error) {
	const op = "dispatcher.TryDispatch"

	d.claimMu.Lock()
	defer d.claimMu.Unlock()

	select {
	case d.slots <- struct{}{}:
	default:
		d.metrics.DispatchDeferred()
		return nil, apperrors.ResourceExhausted(op, "all %d run slots are busy", d.config.MaxConcurrent)
	}
	slot := d.newLease()

	for {
		ref, ok := d.queue.Pop()
		if !ok {
			slot.Release()
			return nil, nil
		}
		d.metrics.SetQueueDepth(d.queue.Len())

		unreserve, err := d.launcher.Reserve(ref.ID)
		if err != nil {
			d.logger.Debug("Skipping queue entry with a live run", zap.String("task_id", ref.ID), zap.Error(err))
			continue
		}
		task, err := d.manager.Start(ctx, ref.ID)
		if err != nil {
			unreserve()
			if apperrors.Is(err, apperrors.KindNotFound) || apperrors.Is(err, apperrors.KindInvalidTransition) {
				// Cancelled, deleted or claimed elsewhere since it was queued
				d.logger.Debug("Skipping stale queue entry", zap.String("task_id", ref.ID), zap.Error(err))
				continue
			}
			d.queue.Push(ref)
			slot.Release()
			return nil, err
		}

		if err := d.submit(ctx, task, slot, unreserve); err != nil {
			return nil, err
		}
		return task, nil
	}
}

// Dispatch claims one specific pending task ahead of the queue order. The
// concurrency bound still applies.
func (d *Dispatcher) Dispatch(ctx context.Context, id string) (*types.Task, error) {
	const op = "dispatcher.Dispatch"

	d.claimMu.Lock()
	defer d.claimMu.Unlock()

	select {
	case d.slots <- struct{}{}:
	default:
		d.metrics.DispatchDeferred()
		return nil, apperrors.ResourceExhausted(op, "all %d run slots are busy", d.config.MaxConcurrent)
	}
	slot := d.newLease()

	unreserve, err := d.launcher.Reserve(id)
	if err != nil {
		slot.Release()
		return nil, err
	}
	task, err := d.manager.Start(ctx, id)
	if err != nil {
		unreserve()
		slot.Release()
		return nil, err
	}
	if d.queue.Remove(id) {
		d.metrics.SetQueueDepth(d.queue.Len())
	}
	if err := d.submit(ctx, task, slot, unreserve); err != nil {
		return nil, err
	}
	return task, nil
}

// Remove drops a task from the queue
func (d *Dispatcher) Remove(id string) {
	if d.queue.Remove(id) {
		d.metrics.SetQueueDepth(d.queue.Len())
	}
}

// submit hands a claimed task to the pool together with its slot
func (d *Dispatcher) submit(ctx context.Context, task *types.Task, slot *lease, unreserve func()) error {
	job := workers.NewJob(task.ID, d.runJob(task, slot), d.discardJob(task, slot, unreserve))
	if err := d.pool.Submit(job); err != nil {
		unreserve()
		slot.Release()
		d.logger.Error("Worker pool rejected claimed task", zap.String("task_id", task.ID), zap.Error(err))
		if _, ferr := d.manager.Fail(ctx, task.ID, &types.TaskError{
			Category: types.FailureInternal,
			Code:     string(apperrors.CodeResourceExhausted),
			Message:  "worker pool rejected run: " + err.Error(),
		}); ferr != nil {
			d.logger.Error("Failed to record rejected run", zap.String("task_id", task.ID), zap.Error(ferr))
		}
		return err
	}

	d.metrics.SetRunning(len(d.slots))
	d.logger.Info("Task dispatched",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("priority", task.Priority.String()),
	)
	return nil
}

func (d *Dispatcher) runJob(task *types.Task, slot *lease) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return d.launcher.Launch(ctx, task, slot)
	}
}

// discardJob records a claimed task whose job the pool dropped unrun
func (d *Dispatcher) discardJob(task *types.Task, slot *lease, unreserve func()) func(error) {
	return func(reason error) {
		unreserve()
		slot.Release()
		_, err := d.manager.Fail(context.Background(), task.ID, &types.TaskError{
			Category: types.FailureInternal,
			Code:     string(apperrors.CodeInternal),
			Message:  "run discarded before it started: " + reason.Error(),
		})
		if err != nil {
			d.logger.Warn("Failed to record discarded run", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		d.logger.Warn("Claimed task discarded by stopping pool", zap.String("task_id", task.ID))
	}
}

func (d *Dispatcher) releaseSlot() {
	<-d.slots
	d.metrics.SetRunning(len(d.slots))
	d.signal()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	var poll <-chan time.Time
	if d.config.PollInterval > 0 {
		ticker := time.NewTicker(d.config.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		d.drain(ctx)

		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-poll:
			if err := d.seed(ctx); err != nil {
				d.logger.Warn("Failed to poll pending tasks", zap.Error(err))
			}
		}
	}
}

// drain dispatches until the queue is empty or the slots are full
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		task, err := d.TryDispatch(ctx)
		switch {
		case apperrors.Is(err, apperrors.KindResourceExhausted):
			return
		case err != nil:
			d.logger.Error("Dispatch failed", zap.Error(err))
			return
		case task == nil:
			return
		}
	}
}

// seed queues every PENDING task in the store
func (d *Dispatcher) seed(ctx context.Context) error {
	filter := types.TaskFilter{Status: []types.TaskStatus{types.TaskStatusPending}}
	for page := 1; ; page++ {
		res, err := d.manager.List(ctx, filter, types.Pagination{Page: page, PageSize: 500})
		if err != nil {
			return err
		}
		for _, t := range res.Tasks {
			d.queue.Push(RefOf(t))
		}
		if len(res.Tasks) == 0 || int64(page*res.PageSize) >= res.Total {
			break
		}
	}
	d.metrics.SetQueueDepth(d.queue.Len())
	return nil
}

// recoverOrphans fails runs left RUNNING or PAUSED by a previous process;
// their checkpoints lived in that process's memory
func (d *Dispatcher) recoverOrphans(ctx context.Context) error {
	filter := types.TaskFilter{Status: []types.TaskStatus{types.TaskStatusRunning, types.TaskStatusPaused}}
	res, err := d.manager.List(ctx, filter, types.Pagination{Page: 1, PageSize: 500})
	if err != nil {
		return err
	}
	for _, t := range res.Tasks {
		_, err := d.manager.Fail(ctx, t.ID, &types.TaskError{
			Category: types.FailureInternal,
			Code:     string(apperrors.CodeInternal),
			Message:  "run interrupted by service restart",
		})
		if err != nil {
			d.logger.Warn("Failed to recover orphaned task", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		d.logger.Warn("Recovered orphaned task", zap.String("task_id", t.ID), zap.String("status", string(t.Status)))
	}
	return nil
}
