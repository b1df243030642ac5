package engine

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/platform/logger"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
	"github.com/flowgrid/flowgrid/pkg/expression"
)

// executionContext is the engine's runtime.Context. One instance spans the
// whole execution; container nodes (loop bodies, try/catch, retry tasks,
// inline parallel branches) get child contexts so repeated sub-runs of the
// same node ids do not collide on the first-writer-wins output map. Variables
// and rate limiters always live at the root; barriers are per context so a
// merge inside a loop body gets a fresh barrier every iteration.
type executionContext struct {
	run    *run
	parent *executionContext
	wf     *model.Workflow
	done   <-chan struct{}

	mu       sync.RWMutex
	outputs  map[string]map[string]map[string]interface{}
	barriers map[string]*mergeBarrier

	// root only
	vars     map[string]interface{}
	limiters map[string]*rate.Limiter
}

func newExecutionContext(r *run, wf *model.Workflow, vars map[string]interface{}, done <-chan struct{}) *executionContext {
	if vars == nil {
		vars = make(map[string]interface{})
	}
	return &executionContext{
		run:      r,
		wf:       wf,
		done:     done,
		outputs:  make(map[string]map[string]map[string]interface{}),
		barriers: make(map[string]*mergeBarrier),
		vars:     vars,
		limiters: make(map[string]*rate.Limiter),
	}
}

// child derives a context for a sub-run over the given graph. Outputs read
// through to the parent; writes stay local. The done channel belongs to the
// sub-run's cancel scope, so a failure inside it releases only its own
// barriers.
func (ec *executionContext) child(wf *model.Workflow, done <-chan struct{}) *executionContext {
	return &executionContext{
		run:      ec.run,
		parent:   ec,
		wf:       wf,
		done:     done,
		outputs:  make(map[string]map[string]map[string]interface{}),
		barriers: make(map[string]*mergeBarrier),
	}
}

func (ec *executionContext) root() *executionContext {
	r := ec
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (ec *executionContext) ExecutionID() int64 {
	return ec.run.executionID
}

func (ec *executionContext) Workflow() *model.Workflow {
	return ec.wf
}

func (ec *executionContext) InitialInput() map[string]interface{} {
	return ec.run.initialInput
}

func (ec *executionContext) Var(name string) (interface{}, bool) {
	root := ec.root()
	root.mu.RLock()
	defer root.mu.RUnlock()
	v, ok := root.vars[name]
	return v, ok
}

// SetVar updates a workflow variable and writes it through to the store so
// the value survives the execution.
func (ec *executionContext) SetVar(name string, value interface{}) {
	root := ec.root()
	root.mu.Lock()
	root.vars[name] = value
	root.mu.Unlock()

	if err := ec.run.store.StoreVariable(context.Background(), ec.run.wf.ID, name, value); err != nil {
		ec.run.log.Warn("storing variable failed", "name", name, "error", err.Error())
	}
}

// recordOutput publishes a node's per-handle payloads. First writer wins;
// the return value reports whether this call was the writer.
func (ec *executionContext) recordOutput(nodeID string, handles map[string]map[string]interface{}) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if _, exists := ec.outputs[nodeID]; exists {
		return false
	}
	ec.outputs[nodeID] = handles
	return true
}

// handleOutput returns the payload a node published on one handle, without
// consulting parent contexts. Readiness inside a sub-run only sees the
// sub-run's own completions.
func (ec *executionContext) handleOutput(nodeID, handle string) (map[string]interface{}, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	handles, ok := ec.outputs[nodeID]
	if !ok {
		return nil, false
	}
	payload, ok := handles[handle]
	return payload, ok
}

// NodeOutput returns a node's recorded output with handle payloads flattened
// into one map. Sub-run contexts fall back to their parent, so expressions in
// a loop body can still reference nodes that ran before the loop.
func (ec *executionContext) NodeOutput(nodeID string) (map[string]interface{}, bool) {
	ec.mu.RLock()
	handles, ok := ec.outputs[nodeID]
	ec.mu.RUnlock()
	if !ok {
		if ec.parent != nil {
			return ec.parent.NodeOutput(nodeID)
		}
		return nil, false
	}
	return flattenHandles(handles), true
}

func (ec *executionContext) Resolve(params map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error) {
	return ec.run.resolver.Resolve(params, ec.scope(input))
}

func (ec *executionContext) EvaluateCondition(expr string, input map[string]interface{}) (bool, error) {
	return ec.run.resolver.EvaluateCondition(expr, ec.scope(input))
}

// scope snapshots what expressions may see: the node's composed input, all
// recorded node outputs (nearest context wins), and workflow variables.
func (ec *executionContext) scope(input map[string]interface{}) *expression.Scope {
	nodes := make(map[string]map[string]interface{})
	for c := ec; c != nil; c = c.parent {
		c.mu.RLock()
		for id, handles := range c.outputs {
			if _, seen := nodes[id]; !seen {
				nodes[id] = flattenHandles(handles)
			}
		}
		c.mu.RUnlock()
	}

	root := ec.root()
	root.mu.RLock()
	vars := make(map[string]interface{}, len(root.vars))
	for k, v := range root.vars {
		vars[k] = v
	}
	root.mu.RUnlock()

	return &expression.Scope{Input: input, Nodes: nodes, Vars: vars}
}

// Barrier returns this context's barrier for a merge node, creating it on
// first call. Branches racing to create it must agree on the spec.
func (ec *executionContext) Barrier(nodeID string, spec runtime.BarrierSpec) (runtime.Barrier, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if b, ok := ec.barriers[nodeID]; ok {
		if !reflect.DeepEqual(b.spec, normalizeBarrierSpec(spec)) {
			return nil, &InternalError{
				Op:     "merge barrier",
				Detail: "branches arrived at node " + nodeID + " with diverging barrier specs",
			}
		}
		return b, nil
	}

	b := newMergeBarrier(normalizeBarrierSpec(spec), ec.done)
	ec.barriers[nodeID] = b
	return b, nil
}

func normalizeBarrierSpec(spec runtime.BarrierSpec) runtime.BarrierSpec {
	if spec.InputCount < 1 {
		spec.InputCount = 1
	}
	if spec.Mode == "" {
		spec.Mode = runtime.MergeWaitAll
	}
	if spec.OutputKey == "" {
		spec.OutputKey = "merged"
	}
	return spec
}

// RateLimiter returns the shared token bucket for a rateLimit node. The
// bucket lives at the root so iterations of a loop stay subject to one rate.
func (ec *executionContext) RateLimiter(nodeID string, rps float64, burst int) *rate.Limiter {
	root := ec.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	if l, ok := root.limiters[nodeID]; ok {
		return l
	}
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	root.limiters[nodeID] = l
	return l
}

func (ec *executionContext) RunHandle(ctx context.Context, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error) {
	return ec.run.runHandle(ctx, ec, nodeID, handle, input)
}

func (ec *executionContext) RunSubgraph(ctx context.Context, sg model.Subgraph, input map[string]interface{}) (map[string]interface{}, error) {
	return ec.run.runSubgraph(ctx, ec, sg, input)
}

// RecordHTTP forwards one outbound HTTP call to the dev-mode inspector.
// Executors discover the capability by interface assertion, so the node
// runtime package does not depend on the inspector types.
func (ec *executionContext) RecordHTTP(nodeID, method, url string, statusCode int, duration time.Duration, errMsg string) {
	ec.run.eng.inspector.RecordHTTP(ec.run.executionID, HTTPLog{
		NodeID:     nodeID,
		Method:     method,
		URL:        url,
		StatusCode: statusCode,
		DurationMs: duration.Milliseconds(),
		Error:      errMsg,
	})
}

func (ec *executionContext) Cancelled() <-chan struct{} {
	return ec.done
}

func (ec *executionContext) Logger() logger.Logger {
	return ec.run.nodeLog
}

// flattenHandles merges per-handle payloads into the single map `$nodes.X`
// exposes. Single-handle outputs pass through; multi-handle outputs overlay
// "main" first, then the remaining handles by name.
func flattenHandles(handles map[string]map[string]interface{}) map[string]interface{} {
	if len(handles) == 1 {
		for _, payload := range handles {
			return payload
		}
	}

	names := make([]string, 0, len(handles))
	for name := range handles {
		if name != model.HandleMain {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	flat := make(map[string]interface{})
	for k, v := range handles[model.HandleMain] {
		flat[k] = v
	}
	for _, name := range names {
		for k, v := range handles[name] {
			flat[k] = v
		}
	}
	return flat
}

// stripMarkers returns a copy of payload without engine marker keys.
func stripMarkers(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}
