package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_RunsJobs(t *testing.T) {
	pool := NewPool(zap.NewNop(), DefaultPoolConfig("test", 2))
	pool.Start()
	defer pool.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := map[string]bool{}
	for _, id := range []string{"a", "b"} {
		id := id
		wg.Add(1)
		require.NoError(t, pool.Submit(JobFunc(id, func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			ran[id] = true
			mu.Unlock()
			return nil
		})))
	}
	wg.Wait()

	assert.Equal(t, map[string]bool{"a": true, "b": true}, ran)
	assert.Eventually(t, func() bool { return pool.Stats().JobsCompleted == 2 }, time.Second, 5*time.Millisecond)
}

func TestPool_RecoversPanics(t *testing.T) {
	pool := NewPool(zap.NewNop(), DefaultPoolConfig("test", 1))
	pool.Start()
	defer pool.Stop()

	require.NoError(t, pool.Submit(JobFunc("boom", func(context.Context) error { panic("engine bug") })))
	require.NoError(t, pool.Submit(JobFunc("bad", func(context.Context) error { return errors.New("failed") })))

	done := make(chan struct{})
	require.NoError(t, pool.Submit(JobFunc("ok", func(context.Context) error { close(done); return nil })))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	assert.Eventually(t, func() bool {
		s := pool.Stats()
		return s.PanicRecovered == 1 && s.JobsFailed == 2 && s.JobsCompleted == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_QueueFullAndStopped(t *testing.T) {
	pool := NewPool(zap.NewNop(), &PoolConfig{Name: "test", NumWorkers: 1, QueueSize: 1, ShutdownTimeout: time.Second})
	assert.ErrorIs(t, pool.Submit(JobFunc("x", func(context.Context) error { return nil })), ErrPoolStopped)

	pool.Start()
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(JobFunc("busy", func(context.Context) error {
		close(started)
		<-release
		return nil
	})))
	<-started
	require.NoError(t, pool.Submit(JobFunc("queued", func(context.Context) error { return nil })))
	assert.ErrorIs(t, pool.Submit(JobFunc("overflow", func(context.Context) error { return nil })), ErrQueueFull)

	close(release)
	require.NoError(t, pool.Stop())
	assert.False(t, pool.IsRunning())
}

func TestPool_StopCancelsJobs(t *testing.T) {
	pool := NewPool(zap.NewNop(), DefaultPoolConfig("test", 1))
	pool.Start()

	started := make(chan struct{})
	require.NoError(t, pool.Submit(JobFunc("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})))
	<-started

	assert.NoError(t, pool.Stop())
}

func TestPool_StopDiscardsQueuedJobs(t *testing.T) {
	pool := NewPool(zap.NewNop(), &PoolConfig{Name: "test", NumWorkers: 1, QueueSize: 4, ShutdownTimeout: time.Second})
	pool.Start()

	started := make(chan struct{})
	require.NoError(t, pool.Submit(JobFunc("busy", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})))
	<-started

	var mu sync.Mutex
	var reasons []error
	ran := false
	for _, id := range []string{"q1", "q2"} {
		require.NoError(t, pool.Submit(NewJob(id,
			func(context.Context) error { ran = true; return nil },
			func(reason error) {
				mu.Lock()
				reasons = append(reasons, reason)
				mu.Unlock()
			})))
	}
	require.NoError(t, pool.Submit(JobFunc("plain", func(context.Context) error { return nil })))

	require.NoError(t, pool.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, ran)
	require.Len(t, reasons, 2)
	for _, reason := range reasons {
		assert.ErrorIs(t, reason, ErrPoolStopped)
	}
	assert.Equal(t, int64(3), pool.Stats().JobsDiscarded)
	assert.ErrorIs(t, pool.Submit(JobFunc("late", func(context.Context) error { return nil })), ErrPoolStopped)
}
