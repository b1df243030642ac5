package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/internal/platform/logger"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	pool := NewWorkerPool(2, 16, logger.NewNop())
	pool.Start()
	defer pool.Stop(time.Second)

	var ran int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(&Task{
			Run: func() {
				atomic.AddInt64(&ran, 1)
				wg.Done()
			},
		}))
	}
	wg.Wait()

	assert.Equal(t, int64(10), atomic.LoadInt64(&ran))
	m := pool.Metrics()
	assert.Equal(t, int64(10), m.SubmittedTasks)
	assert.Equal(t, int64(0), m.RejectedTasks)
}

func TestWorkerPoolBoundsParallelism(t *testing.T) {
	pool := NewWorkerPool(2, 16, logger.NewNop())
	pool.Start()
	defer pool.Stop(time.Second)

	var peak, current int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(&Task{
			Run: func() {
				defer wg.Done()
				n := atomic.AddInt64(&current, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt64(&current, -1)
			},
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestWorkerPoolRejectsWhenFull(t *testing.T) {
	pool := NewWorkerPool(1, 1, logger.NewNop())
	// Not started: nothing drains the queue.

	require.NoError(t, pool.Submit(&Task{Run: func() {}}))
	err := pool.Submit(&Task{Run: func() {}})
	require.Error(t, err)
	assert.Equal(t, int64(1), pool.Metrics().RejectedTasks)
}

func TestWorkerPoolDetachBypassesBound(t *testing.T) {
	pool := NewWorkerPool(1, 1, logger.NewNop())
	pool.Start()
	defer pool.Stop(time.Second)

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		pool.Detach(&Task{
			Run: func() {
				defer wg.Done()
				<-release
			},
		})
	}

	// All four run concurrently despite the single worker.
	assert.Eventually(t, func() bool {
		return pool.Metrics().ActiveTasks == 4
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	wg.Wait()
	assert.Equal(t, int64(4), pool.Metrics().DetachedTasks)
}

func TestWorkerPoolSurvivesPanickingTask(t *testing.T) {
	pool := NewWorkerPool(1, 4, logger.NewNop())
	pool.Start()
	defer pool.Stop(time.Second)

	require.NoError(t, pool.Submit(&Task{Run: func() { panic("boom") }}))

	done := make(chan struct{})
	require.NoError(t, pool.Submit(&Task{Run: func() { close(done) }}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestWorkerPoolStopDrains(t *testing.T) {
	pool := NewWorkerPool(2, 8, logger.NewNop())
	pool.Start()

	var ran int64
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(&Task{
			Run: func() {
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt64(&ran, 1)
			},
		}))
	}

	pool.Stop(2 * time.Second)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&ran), int64(2))
}
