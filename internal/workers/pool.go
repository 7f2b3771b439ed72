// Package workers runs claimed backtest jobs on a bounded set of goroutines.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of work bound to one task
type Job interface {
	TaskID() string
	Run(ctx context.Context) error
}

// Discarder is implemented by jobs that must record being dropped unrun
type Discarder interface {
	Discard(reason error)
}

type funcJob struct {
	taskID  string
	fn      func(ctx context.Context) error
	discard func(reason error)
}

func (j funcJob) TaskID() string                { return j.taskID }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

func (j funcJob) Discard(reason error) {
	if j.discard != nil {
		j.discard(reason)
	}
}

// JobFunc wraps fn as the job of taskID
func JobFunc(taskID string, fn func(ctx context.Context) error) Job {
	return funcJob{taskID: taskID, fn: fn}
}

// NewJob is JobFunc with a hook called instead of fn when the pool stops
// before the job was picked up
func NewJob(taskID string, fn func(ctx context.Context) error, discard func(reason error)) Job {
	return funcJob{taskID: taskID, fn: fn, discard: discard}
}

// Pool manages a pool of worker goroutines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	jobs chan Job
	wg   sync.WaitGroup

	// submitMu orders Submit against Stop so no job lands after the drain
	submitMu sync.RWMutex
	running  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
	panics    atomic.Int64
	active    atomic.Int64
	started   time.Time
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Jobs buffered ahead of the workers
	ShutdownTimeout time.Duration // How long Stop waits for running jobs
	PanicRecovery   bool          // Recover panics escaping a job
}

// DefaultPoolConfig sizes a pool for workers concurrent runs
func DefaultPoolConfig(name string, workers int) *PoolConfig {
	if workers < 1 {
		workers = 1
	}
	return &PoolConfig{
		Name:            name,
		NumWorkers:      workers,
		QueueSize:       workers,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	Workers        int           `json:"workers"`
	Active         int64         `json:"active"`
	Queued         int           `json:"queued"`
	JobsSubmitted  int64         `json:"jobs_submitted"`
	JobsCompleted  int64         `json:"jobs_completed"`
	JobsFailed     int64         `json:"jobs_failed"`
	JobsDiscarded  int64         `json:"jobs_discarded"`
	PanicRecovered int64         `json:"panic_recovered"`
	Uptime         time.Duration `json:"uptime"`
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default", 1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger: logger.With(zap.String("pool", config.Name)),
		config: config,
		jobs:   make(chan Job, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.started = time.Now()

	p.logger.Info("Starting worker pool",
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.work(p.logger.With(zap.Int("worker_id", i)))
	}
}

func (p *Pool) work(logger *zap.Logger) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			if p.ctx.Err() != nil {
				p.discard(job)
				continue
			}
			p.execute(logger, job)
		}
	}
}

func (p *Pool) discard(job Job) {
	p.discarded.Add(1)
	if d, ok := job.(Discarder); ok {
		d.Discard(ErrPoolStopped)
	}
}

// execute runs one job; a panic is logged and counted instead of killing the worker
func (p *Pool) execute(logger *zap.Logger, job Job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	err := p.call(job)
	if err != nil {
		p.failed.Add(1)
		logger.Debug("Job failed", zap.String("task_id", job.TaskID()), zap.Error(err))
		return
	}
	p.completed.Add(1)
}

func (p *Pool) call(job Job) (err error) {
	if p.config.PanicRecovery {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.logger.Error("Worker recovered from panic",
					zap.String("task_id", job.TaskID()),
					zap.Any("panic", r),
				)
				err = &PanicError{Recovered: r}
			}
		}()
	}
	return job.Run(p.ctx)
}

// Submit queues a job without blocking
func (p *Pool) Submit(job Job) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels the context of running jobs, discards queued ones and waits
// for the running ones to return
func (p *Pool) Stop() error {
	p.submitMu.Lock()
	wasRunning := p.running.Swap(false)
	p.submitMu.Unlock()
	if !wasRunning {
		return nil
	}
	p.logger.Info("Stopping worker pool")
	p.cancel()
	if n := p.discardQueued(); n > 0 {
		p.logger.Warn("Discarded queued jobs", zap.Int("count", n))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out",
			zap.Duration("timeout", p.config.ShutdownTimeout),
			zap.Int64("active", p.active.Load()),
		)
		return ErrShutdownTimeout
	}
}

// discardQueued empties the buffer after cancel. Workers racing for the
// same jobs discard them too.
func (p *Pool) discardQueued() int {
	n := 0
	for {
		select {
		case job := <-p.jobs:
			n++
			p.discard(job)
		default:
			return n
		}
	}
}

// IsRunning returns whether the pool accepts jobs
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	var uptime time.Duration
	if !p.started.IsZero() {
		uptime = time.Since(p.started)
	}
	return PoolStats{
		Workers:        p.config.NumWorkers,
		Active:         p.active.Load(),
		Queued:         len(p.jobs),
		JobsSubmitted:  p.submitted.Load(),
		JobsCompleted:  p.completed.Load(),
		JobsFailed:     p.failed.Load(),
		JobsDiscarded:  p.discarded.Load(),
		PanicRecovered: p.panics.Load(),
		Uptime:         uptime,
	}
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "job queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}
