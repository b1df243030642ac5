package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowgrid/flowgrid/internal/platform/logger"
)

// Task is one unit of node work. Run carries everything it needs as a
// closure; cancellation flows through the owning execution's context, not
// through the pool.
type Task struct {
	ID          string
	ExecutionID int64
	NodeID      string
	Run         func()
	CreatedAt   time.Time
}

// PoolMetrics is a point-in-time snapshot of pool counters.
type PoolMetrics struct {
	Workers        int
	SubmittedTasks int64
	CompletedTasks int64
	RejectedTasks  int64
	ActiveTasks    int64
	DetachedTasks  int64
}

// WorkerPool runs node executors with bounded parallelism. Submit is
// non-blocking and fails when the queue is full; the scheduler re-offers
// deferred work on the next completion.
//
// Executors that spend their time waiting rather than working (barrier
// arrivals, container nodes running subgraphs, sleeps) bypass the bound via
// Detach: parking them on a pooled worker would let fan-in branches starve
// the very workers that have to complete the barrier.
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan *Task
	log        logger.Logger

	wg       sync.WaitGroup
	detached sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	submitted int64
	completed int64
	rejected  int64
	active    int64
	spawned   int64
}

// NewWorkerPool creates a pool with maxWorkers workers and a queue of
// queueSize pending tasks.
func NewWorkerPool(maxWorkers, queueSize int, log logger.Logger) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan *Task, queueSize),
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	p.log.Debug("worker pool started", "workers", p.maxWorkers, "queueSize", cap(p.taskQueue))
}

// Submit offers a task to the pool without blocking.
func (p *WorkerPool) Submit(task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.CreatedAt = time.Now()

	select {
	case p.taskQueue <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		atomic.AddInt64(&p.rejected, 1)
		return fmt.Errorf("task queue is full")
	}
}

// Detach runs a task on its own goroutine, outside the worker bound. Used
// for wait-bound tasks that would otherwise deadlock the pool.
func (p *WorkerPool) Detach(task *Task) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.CreatedAt = time.Now()
	atomic.AddInt64(&p.spawned, 1)

	p.detached.Add(1)
	go func() {
		defer p.detached.Done()
		p.runTask(task)
	}()
}

// Stop drains the pool, waiting up to grace for in-flight tasks.
func (p *WorkerPool) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			p.detached.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(grace):
			p.log.Warn("worker pool stop timed out", "grace", grace.String())
		}
	})
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Workers:        p.maxWorkers,
		SubmittedTasks: atomic.LoadInt64(&p.submitted),
		CompletedTasks: atomic.LoadInt64(&p.completed),
		RejectedTasks:  atomic.LoadInt64(&p.rejected),
		ActiveTasks:    atomic.LoadInt64(&p.active),
		DetachedTasks:  atomic.LoadInt64(&p.spawned),
	}
}

func (p *WorkerPool) runWorker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.runTask(task)
		}
	}
}

func (p *WorkerPool) runTask(task *Task) {
	atomic.AddInt64(&p.active, 1)
	defer func() {
		atomic.AddInt64(&p.active, -1)
		atomic.AddInt64(&p.completed, 1)
		if r := recover(); r != nil {
			p.log.Error("task panicked",
				"taskId", task.ID,
				"executionId", task.ExecutionID,
				"nodeId", task.NodeID,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()

	task.Run()
}
