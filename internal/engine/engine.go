package engine

import (
	"context"
	"fmt"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/platform/logger"
	"github.com/flowgrid/flowgrid/internal/platform/metrics"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
	"github.com/flowgrid/flowgrid/pkg/expression"
)

// dryRunBase offsets dry-run execution ids into their own range so they can
// never collide with ids the persistent store allocates.
const dryRunBase = int64(1) << 40

// Config tunes one engine instance.
type Config struct {
	// MaxWorkers caps concurrent node executions; 0 means one per logical CPU.
	MaxWorkers int

	// QueueSize bounds the pending-task queue of the worker pool.
	QueueSize int

	// DefaultNodeTimeout binds non-blocking executors that set no timeout of
	// their own. 0 disables the default.
	DefaultNodeTimeout time.Duration

	// DefaultExecutionTimeout binds executions that request no timeout and
	// whose workflow settings carry none. 0 disables it.
	DefaultExecutionTimeout time.Duration

	// DevMode turns the inspector on: per-node timings, the event log, step
	// execution, and debug bundles.
	DevMode bool
}

// Workers resolves the effective worker count.
func (c Config) Workers() int {
	if c.MaxWorkers > 0 {
		return c.MaxWorkers
	}
	return goruntime.NumCPU()
}

// Options shape one execution request.
type Options struct {
	// TriggerType selects which trigger node seeds the execution. Empty
	// falls back to the workflow's own trigger type, then to MANUAL.
	TriggerType model.TriggerType

	// DryRun executes fully but records to a throwaway in-memory store.
	DryRun bool

	// StepMode pauses before every dispatch until StepContinue is called.
	// Only effective when the engine runs in dev mode.
	StepMode bool

	// Timeout cancels the execution when it elapses. 0 uses the workflow
	// settings, then the engine default.
	Timeout time.Duration
}

// Engine owns executions end to end: Submit validates and launches them,
// Await joins them, Cancel and the step calls steer them. One engine instance
// exclusively owns every execution it started.
type Engine struct {
	cfg       Config
	log       logger.Logger
	store     Store
	registry  *runtime.Registry
	resolver  *expression.Resolver
	pool      *WorkerPool
	events    *Events
	inspector *Inspector
	tracer    trace.Tracer

	mu        sync.Mutex
	runs      map[int64]*run
	stopped   bool
	dryRunSeq int64
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithRegistry replaces the global executor registry, mainly for tests that
// need isolated node sets.
func WithRegistry(reg *runtime.Registry) Option {
	return func(e *Engine) { e.registry = reg }
}

// WithMetrics wires execution and node counters to a metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.observeMetrics(m) }
}

// New creates an engine over the given store. Call Start before submitting
// and Stop on shutdown.
func New(cfg Config, store Store, log logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       log,
		store:     store,
		registry:  runtime.Global(),
		resolver:  expression.NewResolver(),
		events:    NewEvents(),
		inspector: NewInspector(cfg.DevMode),
		tracer:    otel.Tracer("flowgrid/engine"),
		runs:      make(map[int64]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.pool = NewWorkerPool(cfg.Workers(), cfg.QueueSize, log)
	return e
}

// Start launches the worker pool.
func (e *Engine) Start() {
	e.pool.Start()
	e.log.Info("engine started", "workers", e.cfg.Workers(), "devMode", e.cfg.DevMode)
}

// Stop cancels every running execution and drains the pool.
func (e *Engine) Stop(grace time.Duration) {
	e.mu.Lock()
	e.stopped = true
	running := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		running = append(running, r)
	}
	e.mu.Unlock()

	for _, r := range running {
		r.requestCancel("engine shutting down")
	}
	for _, r := range running {
		select {
		case <-r.done:
		case <-time.After(grace):
		}
	}
	e.pool.Stop(grace)
	e.log.Info("engine stopped")
}

// Events exposes the execution event bus for subscribers (websocket hub,
// Kafka sink).
func (e *Engine) Events() *Events {
	return e.events
}

// Inspector exposes the dev-mode inspector.
func (e *Engine) Inspector() *Inspector {
	return e.inspector
}

// Registry exposes the executor registry, for the node discovery API.
func (e *Engine) Registry() *runtime.Registry {
	return e.registry
}

// Pool exposes worker pool counters.
func (e *Engine) Pool() PoolMetrics {
	return e.pool.Metrics()
}

// Submit validates the workflow and launches an execution, returning its id.
// Validation failures return before any execution record exists.
func (e *Engine) Submit(ctx context.Context, wf *model.Workflow, input map[string]interface{}, opts Options) (int64, error) {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return 0, ErrStopped
	}

	if err := model.Validate(wf); err != nil {
		return 0, err
	}

	store := e.store
	if opts.DryRun {
		ms := NewMemoryStore(0)
		ms.seed(dryRunBase + atomic.AddInt64(&e.dryRunSeq, 1)*1000)
		store = ms
	}

	if opts.TriggerType == "" {
		opts.TriggerType = wf.TriggerType
	}
	if opts.TriggerType == "" {
		opts.TriggerType = model.TriggerManual
	}
	if opts.Timeout == 0 {
		if s := wf.Settings.TimeoutSeconds(); s > 0 {
			opts.Timeout = time.Duration(s) * time.Second
		} else {
			opts.Timeout = e.cfg.DefaultExecutionTimeout
		}
	}

	exec := &Execution{
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Status:       StatusRunning,
		TriggerType:  string(opts.TriggerType),
		StartedAt:    nowUTC(),
		InputData:    input,
	}
	id, err := store.CreateExecution(ctx, exec)
	if err != nil {
		return 0, fmt.Errorf("create execution: %w", err)
	}

	r := newRun(e, store, wf, input, id, opts)
	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()
	e.inspector.openSession(id)

	go e.drive(r)
	return id, nil
}

// drive runs one execution to completion and retires its bookkeeping.
// Dry runs linger so their record stays reachable through Await for a while.
func (e *Engine) drive(r *run) {
	_, span := e.tracer.Start(context.Background(), "workflow.execute",
		trace.WithAttributes(
			attribute.Int64("execution.id", r.executionID),
			attribute.String("workflow.id", r.wf.ID),
		))

	r.loop()

	if exec, err := r.store.Execution(context.Background(), r.executionID); err == nil {
		span.SetAttributes(attribute.String("execution.status", string(exec.Status)))
	}
	span.End()

	if r.opts.DryRun {
		time.AfterFunc(10*time.Minute, func() { e.retire(r.executionID) })
		return
	}
	e.retire(r.executionID)
}

func (e *Engine) retire(id int64) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}

func (e *Engine) run(id int64) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

// Await blocks until the execution is terminal and returns its record.
func (e *Engine) Await(ctx context.Context, id int64) (*Execution, error) {
	if r := e.run(id); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return r.store.Execution(ctx, id)
	}
	return e.store.Execution(ctx, id)
}

// Execution returns the current record without waiting.
func (e *Engine) Execution(ctx context.Context, id int64) (*Execution, error) {
	if r := e.run(id); r != nil {
		return r.store.Execution(ctx, id)
	}
	return e.store.Execution(ctx, id)
}

// Cancel requests cooperative cancellation. Terminal executions are a no-op.
func (e *Engine) Cancel(ctx context.Context, id int64) error {
	if r := e.run(id); r != nil {
		r.requestCancel("cancelled by user")
		return nil
	}
	// Already terminal, or never existed.
	if _, err := e.store.Execution(ctx, id); err != nil {
		return err
	}
	return nil
}

// StepContinue releases a step-mode execution for one more dispatch.
func (e *Engine) StepContinue(id int64) error {
	r := e.run(id)
	if r == nil {
		return ErrNotFound
	}
	return r.gate.resume()
}

// StepReset clears the pause state: the execution stops stepping and runs
// freely to completion.
func (e *Engine) StepReset(id int64) error {
	r := e.run(id)
	if r == nil {
		return ErrNotFound
	}
	r.gate.reset()
	return nil
}

// ListExecutions returns recent executions from the persistent store.
func (e *Engine) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	return e.store.ListExecutions(ctx, workflowID, limit)
}

// stepGate serializes dispatches in step mode. Every dispatch waits for one
// resume token; reset turns the gate off for the rest of the run.
type stepGate struct {
	mu      sync.Mutex
	enabled bool
	waiting bool
	cont    chan struct{}
}

func newStepGate(enabled bool) *stepGate {
	return &stepGate{enabled: enabled, cont: make(chan struct{}, 1)}
}

// wait blocks until the next resume token, or returns an error when the
// execution's cancel scope closed first.
func (g *stepGate) wait(done <-chan struct{}) error {
	g.mu.Lock()
	if !g.enabled {
		g.mu.Unlock()
		return nil
	}
	g.waiting = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.waiting = false
		g.mu.Unlock()
	}()

	select {
	case <-g.cont:
		return nil
	case <-done:
		return context.Canceled
	}
}

// resume hands the waiting dispatch one token.
func (g *stepGate) resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled || !g.waiting {
		return ErrNotPaused
	}
	select {
	case g.cont <- struct{}{}:
	default:
	}
	return nil
}

// reset disables stepping and releases the current waiter, if any.
func (g *stepGate) reset() {
	g.mu.Lock()
	g.enabled = false
	g.mu.Unlock()
	select {
	case g.cont <- struct{}{}:
	default:
	}
}
