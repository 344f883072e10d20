package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, cancellation, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/abz-submit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, job types.Job) error { return nil }

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Start(context.Background(), 8, noop)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(context.Background(), 4, noop)
	assert.ErrorIs(t, err, ErrPoolStarted)

	pool.Stop()
}

func TestPoolStartRejectsZeroWorkers(t *testing.T) {
	pool := NewPool(1)
	assert.Error(t, pool.Start(context.Background(), 0, noop))
	assert.Error(t, pool.Start(context.Background(), 1, nil))
}

// TestSubmitLifecycle tests submit before start and after stop
func TestSubmitLifecycle(t *testing.T) {
	pool := NewPool(1)
	job := types.NewJob("/music/a.mp3")

	assert.ErrorIs(t, pool.Submit(context.Background(), job), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background(), 1, noop))
	require.NoError(t, pool.Submit(context.Background(), job))
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(context.Background(), job), ErrPoolClosed)

	// Stop is idempotent
	pool.Stop()
}

// TestWorkerExecution tests every submitted job reaches the handler exactly once
func TestWorkerExecution(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[types.JobID]int)

	pool := NewPool(10)
	err := pool.Start(context.Background(), 1, func(ctx context.Context, job types.Job) error {
		mu.Lock()
		seen[job.ID]++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	const jobCount = 10
	for i := 0; i < jobCount; i++ {
		require.NoError(t, pool.Submit(context.Background(), types.NewJob(fmt.Sprintf("/music/%d.mp3", i))))
	}
	pool.Stop()

	assert.Len(t, seen, jobCount)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
	assert.Equal(t, int64(jobCount), pool.Stats().Processed)
}

// TestHandlerErrorsDoNotStopPool tests a failing job never aborts other jobs
func TestHandlerErrorsDoNotStopPool(t *testing.T) {
	pool := NewPool(10)
	err := pool.Start(context.Background(), 2, func(ctx context.Context, job types.Job) error {
		if job.Source == "/music/bad.mp3" {
			return errors.New("store unavailable")
		}
		return nil
	})
	require.NoError(t, err)

	for _, src := range []string{"/music/a.mp3", "/music/bad.mp3", "/music/b.mp3"} {
		require.NoError(t, pool.Submit(context.Background(), types.NewJob(src)))
	}
	pool.Stop()

	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Errors)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests jobs are actually processed in parallel
func TestConcurrency(t *testing.T) {
	const (
		workerCount = 8
		jobCount    = 64
		jobDuration = 20 * time.Millisecond
	)

	var running, peak int32
	pool := NewPool(jobCount)
	err := pool.Start(context.Background(), workerCount, func(ctx context.Context, job types.Job) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(jobDuration)
		atomic.AddInt32(&running, -1)
		return nil
	})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < jobCount; i++ {
		require.NoError(t, pool.Submit(context.Background(), types.NewJob(fmt.Sprintf("/music/%d.mp3", i))))
	}
	pool.Stop()
	elapsed := time.Since(start)

	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workerCount))
	assert.Less(t, elapsed, time.Duration(jobCount)*jobDuration)
}

// TestCancellationStopsDequeuing tests queued jobs are dropped after cancel
func TestCancellationStopsDequeuing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	var handled int32

	pool := NewPool(10)
	err := pool.Start(ctx, 1, func(ctx context.Context, job types.Job) error {
		atomic.AddInt32(&handled, 1)
		<-release
		return ctx.Err()
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(ctx, types.NewJob(fmt.Sprintf("/music/%d.mp3", i))))
	}

	// first job is in flight; cancel, then let it finish
	require.Eventually(t, func() bool { return atomic.LoadInt32(&handled) == 1 }, time.Second, time.Millisecond)
	cancel()
	close(release)
	pool.Stop()

	stats := pool.Stats()
	assert.Equal(t, int32(1), atomic.LoadInt32(&handled))
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(4), stats.Skipped)
}

// TestSubmitBlockedUntilCancelled tests Submit honours its context on a full queue
func TestSubmitBlockedUntilCancelled(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(0)
	require.NoError(t, pool.Start(context.Background(), 1, func(ctx context.Context, job types.Job) error {
		<-release
		return nil
	}))

	require.NoError(t, pool.Submit(context.Background(), types.NewJob("/music/a.mp3")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, types.NewJob("/music/b.mp3"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Stop()
}
