// Package execution drives claimed tasks through their engine runs and
// applies pause, resume, cancel and timeout at step boundaries.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/internal/dispatcher"
	"github.com/atlas-desktop/backtest-lab/internal/events"
	"github.com/atlas-desktop/backtest-lab/internal/metrics"
	"github.com/atlas-desktop/backtest-lab/internal/store"
	"github.com/atlas-desktop/backtest-lab/internal/tasks"
	"github.com/atlas-desktop/backtest-lab/internal/workers"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultCancelGrace      = 5 * time.Second
	defaultProgressInterval = 250 * time.Millisecond
)

// Diagnoser analyzes a stored result
type Diagnoser interface {
	Diagnose(ctx context.Context, resultID string, params *types.DiagnosisParams) (*types.DiagnosisResult, error)
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdCancel
)

func (k commandKind) String() string {
	switch k {
	case cmdPause:
		return "pause"
	case cmdResume:
		return "resume"
	default:
		return "cancel"
	}
}

type reply struct {
	task *types.Task
	err  error
}

type command struct {
	kind  commandKind
	reply chan reply
}

// Controller executes tasks handed over by the dispatcher. Each active run
// is owned by one goroutine; control requests reach it over a channel and
// are served between engine steps.
type Controller struct {
	logger    *zap.Logger
	manager   *tasks.Manager
	results   store.ResultRepository
	publisher events.Publisher
	metrics   *metrics.Metrics
	runners   map[types.TaskType]Runner
	diagnoser Diagnoser
	config    types.ExecutionConfig

	mu   sync.Mutex
	runs map[string]*execution

	// background work that outlives a run, such as automatic diagnosis
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a controller. publisher and m may be nil.
func NewController(
	logger *zap.Logger,
	manager *tasks.Manager,
	results store.ResultRepository,
	publisher events.Publisher,
	m *metrics.Metrics,
	runners map[types.TaskType]Runner,
	cfg types.ExecutionConfig,
) *Controller {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	if cfg.ProgressBurst < 1 {
		cfg.ProgressBurst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(zap.String("component", "execution")),
		manager:   manager,
		results:   results,
		publisher: publisher,
		metrics:   m,
		runners:   runners,
		config:    cfg,
		runs:      make(map[string]*execution),
	}
}

// SetDiagnoser enables diagnosis of completed results when AutoDiagnose is set
func (c *Controller) SetDiagnoser(d Diagnoser) {
	c.diagnoser = d
}

// Close interrupts paused runs and background diagnosis and waits for them
// to return
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// Active reports whether a run of the task is owned by this controller
func (c *Controller) Active(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[id]
	return ok
}

// Pause stops the run at its next step boundary and keeps its checkpoint
func (c *Controller) Pause(ctx context.Context, id string) (*types.Task, error) {
	return c.send(ctx, id, cmdPause)
}

// Resume continues a paused run from its checkpoint
func (c *Controller) Resume(ctx context.Context, id string) (*types.Task, error) {
	return c.send(ctx, id, cmdResume)
}

// Cancel stops the run and records it CANCELLED. Partial results are discarded.
func (c *Controller) Cancel(ctx context.Context, id string) (*types.Task, error) {
	return c.send(ctx, id, cmdCancel)
}

// direct applies a command to the stored task when no run owns it
func (c *Controller) direct(ctx context.Context, id string, kind commandKind) (*types.Task, error) {
	switch kind {
	case cmdPause:
		return c.manager.Pause(ctx, id)
	case cmdResume:
		return c.manager.Resume(ctx, id)
	default:
		return c.manager.Cancel(ctx, id)
	}
}

func (c *Controller) send(ctx context.Context, id string, kind commandKind) (*types.Task, error) {
	c.mu.Lock()
	x, ok := c.runs[id]
	c.mu.Unlock()
	if !ok {
		return c.direct(ctx, id, kind)
	}

	cmd := command{kind: kind, reply: make(chan reply, 1)}
	select {
	case x.control <- cmd:
	case <-x.done:
		return c.direct(ctx, id, kind)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		return r.task, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) newExecution(id string) *execution {
	return &execution{
		c:       c,
		id:      id,
		control: make(chan command),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(c.config.ProgressInterval), c.config.ProgressBurst),
		logger:  c.logger.With(zap.String("task_id", id)),
		slot:    unbounded{},
	}
}

// Reserve registers the run of a task about to be claimed. Control requests
// wait for the run from then on. The returned func drops the reservation
// unless Launch has taken it over.
func (c *Controller) Reserve(taskID string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.runs[taskID]; busy {
		return nil, apperrors.InvalidOperation("execution.Reserve", "task %s is already running", taskID)
	}
	x := c.newExecution(taskID)
	c.runs[taskID] = x
	return func() {
		c.mu.Lock()
		launched := x.launched
		c.mu.Unlock()
		if !launched {
			c.release(x)
		}
	}, nil
}

// release unregisters x and wakes senders waiting on it
func (c *Controller) release(x *execution) {
	x.once.Do(func() {
		c.mu.Lock()
		if c.runs[x.id] == x {
			delete(c.runs, x.id)
		}
		c.mu.Unlock()
		close(x.done)
	})
}

// Launch runs a claimed task until it completes, fails, is cancelled or
// pauses. Failures are recorded on the task; the returned error is
// informational. The slot is released when Launch returns. A paused run
// waits on its own goroutine and takes the slot again to resume; a nil slot
// stands for an unbounded one.
func (c *Controller) Launch(ctx context.Context, task *types.Task, slot dispatcher.Slot) (err error) {
	if slot == nil {
		slot = unbounded{}
	}

	c.mu.Lock()
	x, ok := c.runs[task.ID]
	switch {
	case ok && x.launched:
		c.mu.Unlock()
		slot.Release()
		return apperrors.InvalidOperation("execution.Launch", "task %s is already running", task.ID)
	case !ok:
		x = c.newExecution(task.ID)
		c.runs[task.ID] = x
	}
	x.launched = true
	x.slot = slot
	c.mu.Unlock()

	x.logger = x.logger.With(zap.String("type", string(task.Type)))

	parked := false
	defer func() {
		if !parked {
			x.slot.Release()
			c.release(x)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = &workers.PanicError{Recovered: r}
			x.logger.Error("Run panicked", zap.Any("panic", r))
			x.fail(err)
		}
	}()

	if x.execute(ctx) == outcomePaused {
		parked = true
		x.slot.Release()
		c.wg.Add(1)
		go x.wait(ctx)
		return nil
	}
	return x.err
}

// unbounded is the slot of a run launched outside the dispatcher
type unbounded struct{}

func (unbounded) Release()        {}
func (unbounded) Reacquire() bool { return true }

type outcome int

const (
	outcomeEnded outcome = iota
	outcomePaused
	// outcomeReopen continues a still RUNNING task from the checkpoint
	outcomeReopen
)

// execution is the state of one task run, owned by the Launch goroutine
type execution struct {
	c       *Controller
	id      string
	task    *types.Task
	control chan command
	done    chan struct{}
	limiter *rate.Limiter
	logger  *zap.Logger
	runner  Runner
	slot    dispatcher.Slot

	// launched is guarded by Controller.mu
	launched bool
	once     sync.Once

	checkpoint json.RawMessage
	// active is the running time accumulated over finished segments
	active time.Duration
	err    error
}

// execute runs the first segment of the task
func (x *execution) execute(ctx context.Context) outcome {
	c := x.c

	task, err := c.manager.Get(ctx, x.id)
	if err != nil {
		x.err = err
		return outcomeEnded
	}
	x.task = task
	if task.Status.IsTerminal() {
		x.logger.Info("Task ended before its run started", zap.String("status", string(task.Status)))
		return outcomeEnded
	}

	runner, ok := c.runners[task.Type]
	if !ok {
		x.fail(apperrors.New(apperrors.KindInvalidOperation, "execution.Launch", "task type %s is not supported", task.Type))
		return outcomeEnded
	}
	x.runner = runner
	if task.Status == types.TaskStatusPaused {
		return outcomePaused
	}

	x.logger.Info("Run started")
	return x.segment(ctx)
}

// segment opens the run at the last checkpoint and drives it until it
// pauses or ends
func (x *execution) segment(ctx context.Context) outcome {
	for {
		run, err := x.runner.Open(ctx, x.task, x.checkpoint)
		if err != nil {
			x.fail(err)
			return outcomeEnded
		}
		if out := x.drive(ctx, run); out != outcomeReopen {
			return out
		}
	}
}

// wait serves a paused run until it ends, resuming it as often as asked
func (x *execution) wait(ctx context.Context) {
	c := x.c
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	defer c.release(x)
	defer x.slot.Release()
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("Run panicked", zap.Any("panic", r))
			x.fail(&workers.PanicError{Recovered: r})
		}
	}()

	for x.park(ctx) {
		x.logger.Info("Run resumed", zap.Duration("active", x.active))
		if x.segment(ctx) == outcomeEnded {
			return
		}
	}
}

type step struct {
	ev  backtester.Event
	err error
}

// driver pulls one step per request. Results are buffered so an abandoned
// step never blocks the driver; closing reqs ends it.
func driver(ctx context.Context, run Run, reqs <-chan struct{}, results chan<- step) {
	for range reqs {
		results <- safeNext(ctx, run)
	}
}

func safeNext(ctx context.Context, run Run) (s step) {
	defer func() {
		if r := recover(); r != nil {
			s = step{err: &workers.PanicError{Recovered: r}}
		}
	}()
	ev, err := run.Next(ctx)
	return step{ev: ev, err: err}
}

// drive runs one segment: from open (or resume) to pause or end
func (x *execution) drive(ctx context.Context, run Run) outcome {
	c := x.c

	reqs := make(chan struct{})
	results := make(chan step, 1)
	go driver(ctx, run, reqs, results)
	defer close(reqs)

	var timeout <-chan time.Time
	if c.config.Timeout > 0 {
		remaining := c.config.Timeout - x.active
		if remaining <= 0 {
			remaining = time.Nanosecond
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		timeout = timer.C
	}

	segmentStart := time.Now()
	firstStep := -1
	var pending []command

	endSegment := func() {
		x.active += time.Since(segmentStart)
	}

	reqs <- struct{}{}
	for {
		select {
		case s := <-results:
			if s.err != nil {
				endSegment()
				if ctx.Err() != nil {
					x.record(shutdownError())
					x.flush(pending)
					return outcomeEnded
				}
				x.fail(s.err)
				x.flush(pending)
				return outcomeEnded
			}
			if s.ev.Result != nil {
				endSegment()
				x.finish(ctx, run, s.ev.Result)
				x.flush(pending)
				return outcomeEnded
			}
			if s.ev.Progress != nil {
				if firstStep < 0 {
					firstStep = s.ev.Progress.Step
				}
				switch x.report(ctx, s.ev.Progress, firstStep, time.Since(segmentStart)) {
				case types.TaskStatusPaused:
					endSegment()
					if err := x.snapshot(run); err != nil {
						x.fail(err)
						x.flush(pending)
						return outcomeEnded
					}
					x.flush(pending)
					return outcomePaused
				case types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled:
					endSegment()
					run.Cancel()
					x.logger.Info("Task ended outside the run", zap.String("status", string(x.task.Status)))
					x.flush(pending)
					return outcomeEnded
				}
			}
			if len(pending) > 0 {
				endSegment()
				return x.pause(ctx, run, pending)
			}
			reqs <- struct{}{}

		case cmd := <-x.control:
			switch cmd.kind {
			case cmdPause:
				pending = append(pending, cmd)
			case cmdResume:
				task, err := c.manager.Resume(ctx, x.id)
				cmd.reply <- reply{task, err}
			case cmdCancel:
				endSegment()
				x.abandon(run, results)
				task, err := c.manager.Cancel(context.Background(), x.id)
				cmd.reply <- reply{task, err}
				if err != nil {
					x.logger.Error("Failed to record cancellation", zap.Error(err))
				} else {
					x.logger.Info("Run cancelled")
					c.metrics.ObserveRun(string(x.task.Type), "cancelled", x.active)
				}
				x.flush(pending)
				return outcomeEnded
			}

		case <-timeout:
			endSegment()
			x.abandon(run, results)
			x.record(&types.TaskError{
				Category: types.FailureTimeout,
				Code:     string(apperrors.CodeTimeout),
				Message:  fmt.Sprintf("run exceeded its %s budget", c.config.Timeout),
			})
			x.flush(pending)
			return outcomeEnded

		case <-ctx.Done():
			endSegment()
			x.abandon(run, results)
			x.record(shutdownError())
			x.flush(pending)
			return outcomeEnded
		}
	}
}

// abandon cancels the stream and waits a bounded grace for the step in flight
func (x *execution) abandon(run Run, results <-chan step) {
	run.Cancel()
	select {
	case <-results:
	case <-time.After(x.c.config.CancelGrace):
		x.logger.Warn("Engine did not stop within grace period; abandoning step",
			zap.Duration("grace", x.c.config.CancelGrace))
	}
}

// pause records the checkpoint at the current boundary and answers the
// first pause request; later ones see the PAUSED task
func (x *execution) pause(ctx context.Context, run Run, pending []command) outcome {
	if err := x.snapshot(run); err != nil {
		x.fail(err)
		x.flush(pending)
		return outcomeEnded
	}
	task, err := x.c.manager.Pause(ctx, x.id)
	pending[0].reply <- reply{task, err}
	x.flush(pending[1:])
	if err != nil {
		x.logger.Warn("Pause rejected", zap.Error(err))
		return x.reconcile(ctx)
	}
	x.task = task
	x.logger.Info("Run paused", zap.Float64("progress", task.Progress))
	return outcomePaused
}

// reconcile decides what to do after the task changed under the run
func (x *execution) reconcile(ctx context.Context) outcome {
	task, err := x.c.manager.Get(ctx, x.id)
	if err != nil {
		x.fail(err)
		return outcomeEnded
	}
	x.task = task
	if task.Status == types.TaskStatusPaused {
		return outcomePaused
	}
	if !task.Status.IsTerminal() {
		return outcomeReopen
	}
	return outcomeEnded
}

func (x *execution) snapshot(run Run) error {
	cp, err := run.Checkpoint()
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	x.checkpoint = cp
	return nil
}

// park waits while the task is PAUSED without holding a run slot. It returns
// true once the task has been resumed and false when the run has ended.
func (x *execution) park(ctx context.Context) bool {
	c := x.c
	x.slot.Release()
	for {
		select {
		case cmd := <-x.control:
			if cmd.kind == cmdResume && !x.slot.Reacquire() {
				cmd.reply <- reply{nil, apperrors.ResourceExhausted("execution.Resume", "all run slots are busy")}
				continue
			}
			task, err := c.direct(ctx, x.id, cmd.kind)
			cmd.reply <- reply{task, err}
			if err != nil {
				if cmd.kind == cmdResume {
					x.slot.Release()
				}
				continue
			}
			x.task = task
			switch cmd.kind {
			case cmdResume:
				return true
			case cmdCancel:
				x.logger.Info("Paused run cancelled")
				c.metrics.ObserveRun(string(task.Type), "cancelled", x.active)
				return false
			}
		case <-ctx.Done():
			x.record(shutdownError())
			return false
		}
	}
}

// flush answers queued commands against the stored task
func (x *execution) flush(pending []command) {
	for _, cmd := range pending {
		task, err := x.c.direct(context.Background(), x.id, cmd.kind)
		cmd.reply <- reply{task, err}
	}
}

// report forwards progress through the rate limiter. It returns the task
// status when the task is no longer RUNNING, or "" otherwise.
func (x *execution) report(ctx context.Context, p *backtester.Progress, firstStep int, elapsed time.Duration) types.TaskStatus {
	if !x.limiter.Allow() {
		return ""
	}

	label := fmt.Sprintf("replaying %s (%d/%d)", p.Timestamp.Format("2006-01-02"), p.Step, p.TotalSteps)
	update := tasks.ProgressUpdate{Progress: p.Percent(), Step: &label}
	if done := p.Step - firstStep; done > 0 && elapsed > 0 {
		perStep := elapsed / time.Duration(done)
		eta := int64((perStep * time.Duration(p.TotalSteps-p.Step)).Seconds())
		update.ETA = &eta
	}

	_, err := x.c.manager.UpdateProgress(ctx, x.id, update)
	if err == nil {
		return ""
	}
	if !apperrors.Is(err, apperrors.KindInvalidTransition) {
		x.logger.Warn("Failed to persist progress", zap.Error(err))
		return ""
	}
	task, gerr := x.c.manager.Get(ctx, x.id)
	if gerr != nil {
		x.logger.Warn("Failed to reload task", zap.Error(gerr))
		return ""
	}
	x.task = task
	return task.Status
}

func (x *execution) finish(ctx context.Context, run Run, result *types.BacktestResult) {
	c := x.c

	result.TaskID = x.id
	if err := c.results.SaveResult(ctx, result); err != nil {
		x.fail(fmt.Errorf("save result: %w", err))
		return
	}

	final := "finalizing"
	if _, err := c.manager.UpdateProgress(ctx, x.id, tasks.ProgressUpdate{Progress: 100, Step: &final}); err != nil {
		x.logger.Debug("Final progress not recorded", zap.Error(err))
	}

	summary := run.Summary(result)
	task, err := c.manager.Complete(ctx, x.id, summary)
	if err != nil {
		x.logger.Warn("Failed to complete task", zap.Error(err))
		x.err = err
		return
	}
	x.task = task

	c.publisher.Publish(events.NewEvent(events.EventTypeResult, x.id, summary))
	c.metrics.ObserveRun(string(task.Type), "completed", x.active)
	x.logger.Info("Run completed",
		zap.String("result_id", result.ID),
		zap.Int("bars", result.BarsProcessed),
		zap.Duration("active", x.active),
	)

	if c.config.AutoDiagnose && c.diagnoser != nil {
		c.wg.Add(1)
		go c.diagnose(x.logger, result.ID)
	}
}

// diagnose runs the automatic diagnosis of a completed result
func (c *Controller) diagnose(logger *zap.Logger, resultID string) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Automatic diagnosis panicked", zap.String("result_id", resultID), zap.Any("panic", r))
		}
	}()
	if _, err := c.diagnoser.Diagnose(c.ctx, resultID, nil); err != nil {
		logger.Warn("Automatic diagnosis failed", zap.String("result_id", resultID), zap.Error(err))
		return
	}
	logger.Debug("Automatic diagnosis stored", zap.String("result_id", resultID))
}

// fail classifies err and records it on the task
func (x *execution) fail(err error) {
	if x.err == nil {
		x.err = err
	}
	x.record(classify(err))
}

func (x *execution) record(taskErr *types.TaskError) {
	c := x.c
	if x.err == nil {
		x.err = taskErr
	}
	if _, err := c.manager.Fail(context.Background(), x.id, taskErr); err != nil {
		x.logger.Error("Failed to record failure", zap.Error(err), zap.String("category", string(taskErr.Category)))
		return
	}
	taskType := ""
	if x.task != nil {
		taskType = string(x.task.Type)
	}
	c.metrics.RunFailed(string(taskErr.Category))
	c.metrics.ObserveRun(taskType, "failed", x.active)
	c.publisher.Publish(events.NewEvent(events.EventTypeLog, x.id, events.LogPayload{
		Level:   "error",
		Message: taskErr.Message,
	}))
	x.logger.Warn("Run failed",
		zap.String("category", string(taskErr.Category)),
		zap.String("message", taskErr.Message),
	)
}

func shutdownError() *types.TaskError {
	return &types.TaskError{
		Category: types.FailureInternal,
		Code:     string(apperrors.CodeInternal),
		Message:  "run interrupted by shutdown",
	}
}

// classify maps a run error to a failure category
func classify(err error) *types.TaskError {
	var (
		violation *backtester.ConstraintViolation
		panicErr  *workers.PanicError
	)
	switch {
	case errors.As(err, &violation):
		return &types.TaskError{Category: types.FailureConstraintViolation, Code: "CONSTRAINT_VIOLATION", Message: violation.Error()}
	case errors.As(err, &panicErr):
		return &types.TaskError{Category: types.FailureInternal, Code: string(apperrors.CodeInternal), Message: panicErr.Error()}
	case apperrors.Is(err, apperrors.KindValidation):
		return &types.TaskError{Category: types.FailureValidation, Code: string(apperrors.CodeValidation), Message: err.Error()}
	case apperrors.Is(err, apperrors.KindInvalidOperation):
		return &types.TaskError{Category: types.FailureUnsupported, Code: string(apperrors.CodeInvalidOperation), Message: err.Error()}
	case apperrors.Is(err, apperrors.KindInternal):
		return &types.TaskError{Category: types.FailureInternal, Code: string(apperrors.CodeInternal), Message: err.Error()}
	default:
		return &types.TaskError{Category: types.FailureEngine, Code: string(apperrors.CodeEngine), Message: err.Error()}
	}
}
