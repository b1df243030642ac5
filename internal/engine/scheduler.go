package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/platform/logger"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
	"github.com/flowgrid/flowgrid/pkg/expression"
)

const mergeNodeType = "merge"

type nodeState int

const (
	statePending nodeState = iota
	stateRunning
	stateDone
	stateFailed
	stateCancelled
)

// completion is what a worker reports back to the scheduler goroutine.
type completion struct {
	nodeID     string
	arrival    int // merge arrival ordinal, 0 for regular dispatches
	input      map[string]interface{}
	output     *runtime.ExecutionOutput
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// run owns one execution from seed to terminal record. The scheduler
// goroutine is the single producer: it owns the ready set and all topology
// bookkeeping, while workers only execute nodes and report completions.
type run struct {
	eng          *Engine
	store        Store
	wf           *model.Workflow
	executionID  int64
	opts         Options
	initialInput map[string]interface{}
	resolver     *expression.Resolver
	log          logger.Logger
	nodeLog      logger.Logger
	gate         *stepGate

	baseCtx      context.Context
	baseCancel   context.CancelFunc
	cancelOnce   sync.Once
	cancelReason string

	ec   *executionContext
	done chan struct{}
}

func newRun(eng *Engine, store Store, wf *model.Workflow, input map[string]interface{}, executionID int64, opts Options) *run {
	baseCtx, baseCancel := context.WithCancel(context.Background())

	r := &run{
		eng:          eng,
		store:        store,
		wf:           wf,
		executionID:  executionID,
		opts:         opts,
		initialInput: input,
		resolver:     eng.resolver,
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
		gate:         newStepGate(opts.StepMode && eng.cfg.DevMode),
		done:         make(chan struct{}),
	}
	r.log = eng.log.WithFields(map[string]interface{}{
		"executionId": executionID,
		"workflowId":  wf.ID,
	})
	r.nodeLog = eng.inspector.wrap(r.log, executionID)

	vars, err := store.LoadVariables(context.Background(), wf.ID)
	if err != nil {
		r.log.Warn("loading variables failed", "error", err.Error())
		vars = nil
	}
	r.ec = newExecutionContext(r, wf, vars, baseCtx.Done())
	return r
}

// requestCancel flips the execution's cancellation signal. The first reason
// wins; terminal status reporting uses it when the run ends CANCELLED.
func (r *run) requestCancel(reason string) {
	r.cancelOnce.Do(func() {
		r.cancelReason = reason
		r.baseCancel()
	})
}

func (r *run) cancelled() bool {
	select {
	case <-r.baseCtx.Done():
		return true
	default:
		return false
	}
}

// loop drives the execution and writes the terminal record.
func (r *run) loop() {
	defer close(r.done)
	defer r.baseCancel()

	if r.opts.Timeout > 0 {
		timer := time.AfterFunc(r.opts.Timeout, func() {
			r.requestCancel(fmt.Sprintf("execution timed out after %s", r.opts.Timeout))
		})
		defer timer.Stop()
	}

	r.eng.events.Emit(Event{
		Type:        EventExecutionStarted,
		ExecutionID: r.executionID,
		WorkflowID:  r.wf.ID,
		TriggerType: string(r.opts.TriggerType),
		Status:      StatusRunning,
	})
	r.inspect("INFO", "", "execution started", map[string]interface{}{"workflowId": r.wf.ID})

	g := newTopGraphRun(r)
	g.seedTrigger()
	g.loop()

	status, errMsg := g.terminalStatus()
	output := g.leafOutput()

	if err := r.store.FinishExecution(context.Background(), r.executionID, status, output, errMsg); err != nil {
		r.log.Error("finishing execution failed", "error", err.Error())
	}

	evtType := EventExecutionFinished
	if status == StatusCancelled {
		evtType = EventExecutionCancelled
	}
	r.eng.events.Emit(Event{
		Type:        evtType,
		ExecutionID: r.executionID,
		WorkflowID:  r.wf.ID,
		TriggerType: string(r.opts.TriggerType),
		Status:      status,
	})
	level := "INFO"
	if status == StatusFailed {
		level = "ERROR"
	}
	r.inspect(level, "", "execution "+strings.ToLower(string(status)), map[string]interface{}{"error": errMsg})
	r.log.Info("execution finished", "status", string(status), "error", errMsg)
}

func (r *run) recordNodeExecution(rec NodeExecution) {
	if err := r.store.AppendNodeExecution(context.Background(), r.executionID, rec); err != nil {
		r.log.Warn("appending node execution failed", "nodeId", rec.NodeID, "error", err.Error())
	}
}

func (r *run) inspect(level, nodeID, msg string, data map[string]interface{}) {
	r.eng.inspector.Log(r.executionID, level, nodeID, msg, data)
}

// graphRun schedules one graph: the whole workflow at the top level, or a
// container subgraph for loop bodies, try/catch branches, retry tasks, and
// inline parallel branches. Sub-runs share the run's store, pool, and
// registry but carry their own ready-set bookkeeping, their own cancel scope,
// and a child execution context.
type graphRun struct {
	r     *run
	ec    *executionContext
	ctx   context.Context
	stop  context.CancelFunc
	graph *model.Workflow
	nodes []model.Node
	inSet map[string]bool
	// boundary is the payload satisfying edges whose source is outside the
	// scheduled set, i.e. the container feeding its subgraph.
	boundary map[string]interface{}
	top      bool

	states      map[string]nodeState
	mergeSeen   map[string]map[int]bool
	running     int
	completions chan completion

	anyFailed    bool
	failedNodeID string
	firstErr     error
	anyCancelled bool
	interrupted  bool
}

func newTopGraphRun(r *run) *graphRun {
	g := &graphRun{
		r:     r,
		ec:    r.ec,
		ctx:   r.baseCtx,
		stop:  r.baseCancel,
		graph: r.wf,
		nodes: r.wf.Nodes,
		top:   true,
	}
	g.init()
	return g
}

func (g *graphRun) init() {
	g.inSet = make(map[string]bool, len(g.nodes))
	for _, n := range g.nodes {
		g.inSet[n.ID] = true
	}
	g.states = make(map[string]nodeState, len(g.nodes))
	g.mergeSeen = make(map[string]map[int]bool)
	g.completions = make(chan completion, 2*len(g.nodes)+16)
}

// seedTrigger deposits the initial payload as the firing trigger's output.
func (g *graphRun) seedTrigger() {
	trigger, ok := g.r.pickTrigger()
	if !ok {
		return
	}
	input := g.r.initialInput
	if input == nil {
		input = map[string]interface{}{}
	}
	now := nowUTC()
	g.ec.recordOutput(trigger.ID, map[string]map[string]interface{}{model.HandleMain: input})
	g.states[trigger.ID] = stateDone
	g.r.recordNodeExecution(NodeExecution{
		NodeID:     trigger.ID,
		Name:       trigger.Name,
		Type:       trigger.Type,
		Status:     StatusSuccess,
		StartedAt:  now,
		FinishedAt: now,
		Input:      input,
		Output:     input,
	})
	g.r.eng.events.Emit(Event{
		Type:        EventNodeSucceeded,
		ExecutionID: g.r.executionID,
		WorkflowID:  g.r.wf.ID,
		NodeID:      trigger.ID,
		NodeType:    trigger.Type,
		Status:      StatusSuccess,
	})
}

// pickTrigger selects the trigger node matching the request's trigger type,
// falling back to the first trigger in the graph.
func (r *run) pickTrigger() (model.Node, bool) {
	triggers := r.wf.Triggers()
	if len(triggers) == 0 {
		return model.Node{}, false
	}
	want := string(r.opts.TriggerType)
	if want == "" {
		want = string(r.wf.TriggerType)
	}
	for _, t := range triggers {
		if strings.EqualFold(strings.TrimSuffix(t.Type, "Trigger"), want) {
			return t, true
		}
	}
	return triggers[0], true
}

// loop dispatches ready nodes until the ready set stays empty and nothing is
// running. Cancellation stops new dispatches and drains in-flight work.
func (g *graphRun) loop() {
	cancelC := g.ctx.Done()
	cancelSeen := false

	for {
		if !cancelSeen {
			g.dispatchReady()
		}
		if g.running == 0 {
			if cancelSeen || !g.anyReady() {
				return
			}
			// anyReady without a dispatch only happens when the step gate
			// aborted; re-check cancellation below.
		}

		select {
		case c := <-g.completions:
			g.handleCompletion(c)
		case <-cancelC:
			cancelC = nil
			cancelSeen = true
			if g.running > 0 || g.anyReady() {
				g.interrupted = true
			}
		}
	}
}

// dispatchReady scans for ready nodes until a full pass makes no progress.
// Disabled nodes short-circuit inside the scan, so a chain of them resolves
// in one call.
func (g *graphRun) dispatchReady() {
	for {
		progressed := false
		for _, n := range g.nodes {
			if n.IsTrigger() {
				continue
			}
			if n.Type == mergeNodeType && !n.Disabled {
				if g.dispatchMergeArrivals(n) {
					progressed = true
				}
				continue
			}
			if g.states[n.ID] != statePending || !g.isReady(n) {
				continue
			}
			if n.Disabled {
				g.skipDisabled(n)
				progressed = true
				continue
			}
			if !g.dispatchNode(n) {
				return
			}
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

func (g *graphRun) anyReady() bool {
	for _, n := range g.nodes {
		if n.IsTrigger() {
			continue
		}
		if n.Type == mergeNodeType && !n.Disabled {
			if g.pendingArrival(n) {
				return true
			}
			continue
		}
		if g.states[n.ID] == statePending && g.isReady(n) {
			return true
		}
	}
	return false
}

// isReady reports whether every incoming edge has a payload for its wired
// source handle and none of those payloads suppress execution. Nodes without
// incoming edges are unreferenced islands at the top level and entry points
// inside a sub-run.
func (g *graphRun) isReady(n model.Node) bool {
	incoming := g.graph.Incoming(n.ID)
	if len(incoming) == 0 {
		return !g.top
	}
	for _, conn := range incoming {
		payload, ok := g.edgePayload(conn)
		if !ok {
			return false
		}
		if stopped(payload) {
			return false
		}
	}
	return true
}

// edgePayload fetches the payload one edge delivers: the source node's
// published handle output, or the boundary input when the source sits outside
// the scheduled set.
func (g *graphRun) edgePayload(conn model.Connection) (map[string]interface{}, bool) {
	if !g.inSet[conn.SourceNodeID] {
		if g.boundary == nil {
			return nil, false
		}
		return g.boundary, true
	}
	return g.ec.handleOutput(conn.SourceNodeID, conn.SourceHandle())
}

func stopped(payload map[string]interface{}) bool {
	v, ok := payload[runtime.KeyStopExecution]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// composeInput overlays the incoming edge payloads in connection order.
// Marker keys are consumed here and never reach the executor. Entry nodes of
// a sub-run take the boundary input directly.
func (g *graphRun) composeInput(n model.Node) map[string]interface{} {
	incoming := g.graph.Incoming(n.ID)
	if len(incoming) == 0 && !g.top {
		return runtime.CopyPayload(g.boundary)
	}
	input := make(map[string]interface{})
	for _, conn := range incoming {
		payload, ok := g.edgePayload(conn)
		if !ok {
			continue
		}
		for k, v := range stripMarkers(payload) {
			input[k] = v
		}
	}
	return input
}

// skipDisabled passes a disabled node's merged input through unchanged.
func (g *graphRun) skipDisabled(n model.Node) {
	input := g.composeInput(n)
	g.ec.recordOutput(n.ID, map[string]map[string]interface{}{model.HandleMain: input})
	g.states[n.ID] = stateDone
}

// dispatchNode hands one ready node to the pool. Returns false when the step
// gate aborted the dispatch.
func (g *graphRun) dispatchNode(n model.Node) bool {
	if g.top {
		if err := g.r.gate.wait(g.ctx.Done()); err != nil {
			return false
		}
	}

	node := n
	input := g.composeInput(node)
	g.states[node.ID] = stateRunning
	g.running++
	g.emitNodeStarted(node)

	task := &Task{
		ExecutionID: g.r.executionID,
		NodeID:      node.ID,
		Run:         func() { g.executeNode(node, input, 0) },
	}
	if g.blocking(node) {
		g.r.eng.pool.Detach(task)
	} else if err := g.r.eng.pool.Submit(task); err != nil {
		// Bounded parallelism is best effort under cross-execution load:
		// spilling over beats stalling the ready set.
		g.r.log.Debug("task queue full, detaching", "nodeId", node.ID)
		g.r.eng.pool.Detach(task)
	}
	return true
}

// pendingArrival reports whether a merge node has an undispatched branch
// payload available.
func (g *graphRun) pendingArrival(n model.Node) bool {
	if g.states[n.ID] == stateDone || g.states[n.ID] == stateFailed || g.states[n.ID] == stateCancelled {
		return false
	}
	seen := g.mergeSeen[n.ID]
	for i, conn := range g.graph.Incoming(n.ID) {
		if seen[i] {
			continue
		}
		payload, ok := g.edgePayload(conn)
		if ok && !stopped(payload) {
			return true
		}
	}
	return false
}

// dispatchMergeArrivals launches one executor call per branch that reached a
// merge node. Each arrival carries only its own edge's payload; the barrier
// inside the merge executor combines them.
func (g *graphRun) dispatchMergeArrivals(n model.Node) bool {
	if g.states[n.ID] == stateDone || g.states[n.ID] == stateFailed || g.states[n.ID] == stateCancelled {
		return false
	}
	seen := g.mergeSeen[n.ID]
	if seen == nil {
		seen = make(map[int]bool)
		g.mergeSeen[n.ID] = seen
	}

	dispatched := false
	for i, conn := range g.graph.Incoming(n.ID) {
		if seen[i] {
			continue
		}
		payload, ok := g.edgePayload(conn)
		if !ok {
			continue
		}
		if stopped(payload) {
			seen[i] = true
			continue
		}
		if g.top {
			if err := g.r.gate.wait(g.ctx.Done()); err != nil {
				return dispatched
			}
		}
		seen[i] = true
		if g.states[n.ID] == statePending {
			g.states[n.ID] = stateRunning
			g.emitNodeStarted(n)
		}
		g.running++

		node := n
		arrival := i + 1
		input := stripMarkers(payload)
		g.r.eng.pool.Detach(&Task{
			ExecutionID: g.r.executionID,
			NodeID:      node.ID,
			Run:         func() { g.executeNode(node, input, arrival) },
		})
		dispatched = true
	}
	return dispatched
}

// executeNode runs on a worker or detached goroutine and reports one
// completion. Panics surface as internal errors instead of killing the
// scheduler.
func (g *graphRun) executeNode(n model.Node, input map[string]interface{}, arrival int) {
	started := nowUTC()
	out, err := g.invoke(n, input)
	g.completions <- completion{
		nodeID:     n.ID,
		arrival:    arrival,
		input:      input,
		output:     out,
		err:        err,
		startedAt:  started,
		finishedAt: nowUTC(),
	}
}

func (g *graphRun) invoke(n model.Node, input map[string]interface{}) (out *runtime.ExecutionOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = &InternalError{Op: "node " + n.ID, Detail: fmt.Sprintf("executor panicked: %v", rec)}
		}
	}()

	exec, err := g.r.eng.registry.Get(n.Type)
	if err != nil {
		return nil, err
	}
	resolved, err := g.ec.Resolve(n.Parameters, input)
	if err != nil {
		return nil, err
	}

	nctx, cancel := g.nodeContext(n, exec, resolved)
	if cancel != nil {
		defer cancel()
	}

	return exec.Execute(nctx, &runtime.ExecutionInput{
		Node:       n,
		Parameters: resolved,
		Input:      input,
		Context:    g.ec,
	})
}

// nodeContext applies the per-node timeout. Merge nodes are excluded: their
// "timeout" parameter configures the barrier, which handles expiry itself.
// The engine-wide default only binds non-blocking executors, so a configured
// long wait or loop is not cut short by it.
func (g *graphRun) nodeContext(n model.Node, exec runtime.Executor, resolved map[string]interface{}) (context.Context, context.CancelFunc) {
	if n.Type == mergeNodeType {
		return g.ctx, nil
	}
	if d := runtime.DurationParam(resolved, "timeout", 0); d > 0 {
		return context.WithTimeout(g.ctx, d)
	}
	if d := g.r.eng.cfg.DefaultNodeTimeout; d > 0 && !exec.Metadata().Blocking {
		return context.WithTimeout(g.ctx, d)
	}
	return g.ctx, nil
}

func (g *graphRun) blocking(n model.Node) bool {
	exec, err := g.r.eng.registry.Get(n.Type)
	if err != nil {
		return false
	}
	return exec.Metadata().Blocking
}

// handleCompletion folds one worker result back into the ready-set state.
func (g *graphRun) handleCompletion(c completion) {
	g.running--
	n, ok := g.graph.NodeByID(c.nodeID)
	if !ok {
		return
	}

	status := statusFor(c.err)
	errMsg := ""
	if c.err != nil {
		errMsg = c.err.Error()
	}
	g.r.recordNodeExecution(NodeExecution{
		NodeID:     n.ID,
		Name:       n.Name,
		Type:       n.Type,
		Status:     status,
		StartedAt:  c.startedAt,
		FinishedAt: c.finishedAt,
		Input:      c.input,
		Output:     flattenOutput(c.output),
		Error:      errMsg,
	})
	g.r.eng.inspector.RecordTiming(g.r.executionID, NodeTiming{
		NodeID:       n.ID,
		StartedAt:    c.startedAt,
		FinishedAt:   c.finishedAt,
		DurationMs:   c.finishedAt.Sub(c.startedAt).Milliseconds(),
		Success:      c.err == nil,
		ErrorMessage: errMsg,
	})

	if c.err != nil {
		g.nodeFailed(n, status, c.err)
		return
	}

	handles := outputHandles(c.output)
	if c.arrival > 0 {
		// A released barrier hands the node output to exactly one caller;
		// the others come back marked to stop and are dropped here.
		if payload, ok := handles[model.HandleMain]; ok && stopped(payload) {
			return
		}
		if g.stateTerminal(n.ID) {
			return
		}
		if !g.ec.recordOutput(n.ID, handles) {
			return
		}
	} else {
		g.ec.recordOutput(n.ID, handles)
	}

	g.states[n.ID] = stateDone
	g.r.eng.events.Emit(Event{
		Type:        EventNodeSucceeded,
		ExecutionID: g.r.executionID,
		WorkflowID:  g.r.wf.ID,
		NodeID:      n.ID,
		NodeType:    n.Type,
		Status:      StatusSuccess,
	})
	g.r.inspect("INFO", n.ID, "node succeeded", nil)
}

func (g *graphRun) stateTerminal(nodeID string) bool {
	s := g.states[nodeID]
	return s == stateDone || s == stateFailed || s == stateCancelled
}

// nodeFailed records a failure or cancellation and, for genuine failures,
// cancels this scope so still-running siblings wind down.
func (g *graphRun) nodeFailed(n model.Node, status Status, err error) {
	if g.stateTerminal(n.ID) {
		return
	}
	if status == StatusCancelled {
		g.states[n.ID] = stateCancelled
		g.anyCancelled = true
		g.r.eng.events.Emit(Event{
			Type:        EventNodeFailed,
			ExecutionID: g.r.executionID,
			WorkflowID:  g.r.wf.ID,
			NodeID:      n.ID,
			NodeType:    n.Type,
			Status:      StatusCancelled,
		})
		g.r.inspect("WARN", n.ID, "node cancelled", nil)
		return
	}

	g.states[n.ID] = stateFailed
	if !g.anyFailed {
		g.anyFailed = true
		g.failedNodeID = n.ID
		g.firstErr = err
	}
	g.r.eng.events.Emit(Event{
		Type:        EventNodeFailed,
		ExecutionID: g.r.executionID,
		WorkflowID:  g.r.wf.ID,
		NodeID:      n.ID,
		NodeType:    n.Type,
		Status:      StatusFailed,
	})
	g.r.inspect("ERROR", n.ID, "node failed", map[string]interface{}{"error": err.Error()})
	g.r.log.Error("node failed", "nodeId", n.ID, "nodeType", n.Type, "error", err.Error())
	g.stop()
}

// terminalStatus derives the execution status once the loop has drained.
func (g *graphRun) terminalStatus() (Status, string) {
	if g.anyFailed {
		return StatusFailed, fmt.Sprintf("node %s failed: %s", g.failedNodeID, g.firstErr.Error())
	}
	if g.r.cancelled() && (g.interrupted || g.anyCancelled) {
		reason := g.r.cancelReason
		if reason == "" {
			reason = "execution cancelled"
		}
		return StatusCancelled, reason
	}
	return StatusSuccess, ""
}

// leafOutput overlays the outputs of nodes without outgoing edges, in
// topological order, into the terminal output payload.
func (g *graphRun) leafOutput() map[string]interface{} {
	out := make(map[string]interface{})
	for _, nodeID := range topoOrder(g.graph, g.inSet) {
		if g.hasInternalOutgoing(nodeID) {
			continue
		}
		g.ec.mu.RLock()
		handles, ok := g.ec.outputs[nodeID]
		g.ec.mu.RUnlock()
		if !ok {
			continue
		}
		for k, v := range flattenHandles(handles) {
			out[k] = v
		}
	}
	return out
}

func (g *graphRun) hasInternalOutgoing(nodeID string) bool {
	for _, conn := range g.graph.Outgoing(nodeID) {
		if g.inSet[conn.TargetNodeID] {
			return true
		}
	}
	return false
}

func (g *graphRun) emitNodeStarted(n model.Node) {
	g.r.eng.events.Emit(Event{
		Type:        EventNodeStarted,
		ExecutionID: g.r.executionID,
		WorkflowID:  g.r.wf.ID,
		NodeID:      n.ID,
		NodeType:    n.Type,
		Status:      StatusRunning,
	})
	g.r.inspect("INFO", n.ID, "node started", map[string]interface{}{"nodeType": n.Type})
}

// statusFor maps an executor error to a node status. Cancellation is the
// only kind that is not a failure.
func statusFor(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	if ne := runtime.Classify(err); ne != nil && ne.Kind == runtime.ErrCancelled {
		return StatusCancelled
	}
	return StatusFailed
}

// flattenOutput renders an executor output as the single map stored in the
// node execution record.
func flattenOutput(out *runtime.ExecutionOutput) map[string]interface{} {
	if out == nil {
		return nil
	}
	return flattenHandles(outputHandles(out))
}

// outputHandles normalizes an executor output to its per-handle form.
func outputHandles(out *runtime.ExecutionOutput) map[string]map[string]interface{} {
	if out == nil {
		return map[string]map[string]interface{}{model.HandleMain: {}}
	}
	if out.Handles != nil {
		return out.Handles
	}
	data := out.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return map[string]map[string]interface{}{model.HandleMain: data}
}

// topoOrder returns the node ids of the scheduled set in topological order.
// Cycle members (legal only through loop nodes) come last in definition
// order.
func topoOrder(graph *model.Workflow, inSet map[string]bool) []string {
	indegree := make(map[string]int, len(graph.Nodes))
	for _, n := range graph.Nodes {
		if inSet[n.ID] {
			indegree[n.ID] = 0
		}
	}
	for _, conn := range graph.Connections {
		if inSet[conn.SourceNodeID] && inSet[conn.TargetNodeID] {
			indegree[conn.TargetNodeID]++
		}
	}

	var queue []string
	for _, n := range graph.Nodes {
		if inSet[n.ID] && indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(indegree))
	placed := make(map[string]bool, len(indegree))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		placed[id] = true
		for _, conn := range graph.Outgoing(id) {
			if !inSet[conn.TargetNodeID] {
				continue
			}
			indegree[conn.TargetNodeID]--
			if indegree[conn.TargetNodeID] == 0 {
				queue = append(queue, conn.TargetNodeID)
			}
		}
	}
	for _, n := range graph.Nodes {
		if inSet[n.ID] && !placed[n.ID] {
			order = append(order, n.ID)
		}
	}
	return order
}
