package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/platform/logger"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
	"github.com/flowgrid/flowgrid/pkg/expression"
)

// fakeContext is a scripted runtime.Context for exercising executors in
// isolation. Subgraph runs are delegated to the onRunHandle / onRunSubgraph
// hooks.
type fakeContext struct {
	wf           *model.Workflow
	resolver     *expression.Resolver
	vars         map[string]interface{}
	outputs      map[string]map[string]interface{}
	barrier      runtime.Barrier
	barrierSpec  runtime.BarrierSpec
	cancelled    chan struct{}
	limiters     map[string]*rate.Limiter
	onRunHandle  func(ctx context.Context, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error)
	onRunSubgraph func(ctx context.Context, sg model.Subgraph, input map[string]interface{}) (map[string]interface{}, error)
}

func newFakeContext() *fakeContext {
	return &fakeContext{
		wf:        &model.Workflow{ID: "wf-test"},
		resolver:  expression.NewResolver(),
		vars:      make(map[string]interface{}),
		outputs:   make(map[string]map[string]interface{}),
		cancelled: make(chan struct{}),
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (c *fakeContext) ExecutionID() int64                  { return 1 }
func (c *fakeContext) Workflow() *model.Workflow           { return c.wf }
func (c *fakeContext) InitialInput() map[string]interface{} { return nil }

func (c *fakeContext) Var(name string) (interface{}, bool) {
	v, ok := c.vars[name]
	return v, ok
}

func (c *fakeContext) SetVar(name string, value interface{}) {
	c.vars[name] = value
}

func (c *fakeContext) NodeOutput(nodeID string) (map[string]interface{}, bool) {
	out, ok := c.outputs[nodeID]
	return out, ok
}

func (c *fakeContext) Resolve(params, input map[string]interface{}) (map[string]interface{}, error) {
	return c.resolver.Resolve(params, c.scope(input))
}

func (c *fakeContext) EvaluateCondition(expr string, input map[string]interface{}) (bool, error) {
	return c.resolver.EvaluateCondition(expr, c.scope(input))
}

func (c *fakeContext) scope(input map[string]interface{}) *expression.Scope {
	return &expression.Scope{Input: input, Nodes: c.outputs, Vars: c.vars}
}

func (c *fakeContext) Barrier(nodeID string, spec runtime.BarrierSpec) (runtime.Barrier, error) {
	c.barrierSpec = spec
	return c.barrier, nil
}

func (c *fakeContext) RateLimiter(nodeID string, rps float64, burst int) *rate.Limiter {
	if l, ok := c.limiters[nodeID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	c.limiters[nodeID] = l
	return l
}

func (c *fakeContext) RunHandle(ctx context.Context, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error) {
	if c.onRunHandle == nil {
		return input, nil
	}
	return c.onRunHandle(ctx, nodeID, handle, input)
}

func (c *fakeContext) RunSubgraph(ctx context.Context, sg model.Subgraph, input map[string]interface{}) (map[string]interface{}, error) {
	if c.onRunSubgraph == nil {
		return input, nil
	}
	return c.onRunSubgraph(ctx, sg, input)
}

func (c *fakeContext) Cancelled() <-chan struct{} { return c.cancelled }
func (c *fakeContext) Logger() logger.Logger      { return logger.NewNop() }

// fakeBarrier hands back a canned payload on arrival.
type fakeBarrier struct {
	out map[string]interface{}
	err error
}

func (b *fakeBarrier) Arrive(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	return b.out, b.err
}

func execInput(nodeID string, params, input map[string]interface{}, fc *fakeContext) *runtime.ExecutionInput {
	return &runtime.ExecutionInput{
		Node:       model.Node{ID: nodeID, Type: "test", Parameters: params},
		Parameters: params,
		Input:      input,
		Context:    fc,
	}
}

func TestIfNodeTakesTrueBranch(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{"condition": "{{$input.n}} > 3"}

	out, err := NewIfNode().Execute(context.Background(), execInput("check", params, map[string]interface{}{"n": 5.0}, fc))
	require.NoError(t, err)

	payload, ok := out.Handles[model.HandleTrue]
	require.True(t, ok, "true handle is active")
	assert.Equal(t, 5.0, payload["n"])
	assert.Equal(t, true, payload["conditionResult"])
	assert.Equal(t, model.HandleTrue, payload["branch"])
	_, falseActive := out.Handles[model.HandleFalse]
	assert.False(t, falseActive)
}

func TestIfNodeTakesFalseBranch(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{"condition": "{{$input.n}} > 3"}

	out, err := NewIfNode().Execute(context.Background(), execInput("check", params, map[string]interface{}{"n": 1.0}, fc))
	require.NoError(t, err)

	_, ok := out.Handles[model.HandleFalse]
	assert.True(t, ok, "false handle is active")
}

func TestIfNodeBrokenConditionFailsClosed(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{"condition": "((("}

	out, err := NewIfNode().Execute(context.Background(), execInput("check", params, nil, fc))
	require.NoError(t, err)

	payload, ok := out.Handles[model.HandleFalse]
	require.True(t, ok, "broken condition routes to false")
	assert.Equal(t, false, payload["conditionResult"])
}

func TestSwitchNodeFirstMatchWins(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{
		"cases": []interface{}{
			map[string]interface{}{"when": "{{$input.n}} > 10", "handle": "big"},
			map[string]interface{}{"when": "{{$input.n}} > 1", "handle": "medium"},
			map[string]interface{}{"when": "true", "handle": "small"},
		},
	}

	out, err := NewSwitchNode().Execute(context.Background(), execInput("route", params, map[string]interface{}{"n": 5.0}, fc))
	require.NoError(t, err)

	require.Len(t, out.Handles, 1)
	_, ok := out.Handles["medium"]
	assert.True(t, ok)
}

func TestSwitchNodeDefaultHandle(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{
		"cases": []interface{}{
			map[string]interface{}{"when": "{{$input.n}} > 10", "handle": "big"},
		},
		"default": "fallback",
	}

	out, err := NewSwitchNode().Execute(context.Background(), execInput("route", params, map[string]interface{}{"n": 1.0}, fc))
	require.NoError(t, err)

	_, ok := out.Handles["fallback"]
	assert.True(t, ok)
}

func TestSwitchNodeNoMatchEmitsNothing(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{
		"cases": []interface{}{
			map[string]interface{}{"when": "{{$input.n}} > 10", "handle": "big"},
		},
	}

	out, err := NewSwitchNode().Execute(context.Background(), execInput("route", params, map[string]interface{}{"n": 1.0}, fc))
	require.NoError(t, err)
	assert.Empty(t, out.Handles)
}

func TestSetNodeOverlaysValues(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{
		"values": map[string]interface{}{"added": "yes"},
	}

	out, err := NewSetNode().Execute(context.Background(), execInput("set", params, map[string]interface{}{"kept": 1}, fc))
	require.NoError(t, err)
	assert.Equal(t, "yes", out.Data["added"])
	assert.Equal(t, 1, out.Data["kept"])
}

func TestSetNodeKeepOnlySet(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{
		"values":      map[string]interface{}{"only": true},
		"keepOnlySet": true,
	}

	out, err := NewSetNode().Execute(context.Background(), execInput("set", params, map[string]interface{}{"dropped": 1}, fc))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"only": true}, out.Data)
}

func TestSetNodeDotNotation(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{
		"values": map[string]interface{}{"user.name": "ada"},
	}

	out, err := NewSetNode().Execute(context.Background(), execInput("set", params, nil, fc))
	require.NoError(t, err)
	user, ok := out.Data["user"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ada", user["name"])
}

func TestLoopNodeRunsBodyPerItem(t *testing.T) {
	fc := newFakeContext()
	var seen []map[string]interface{}
	fc.onRunHandle = func(ctx context.Context, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error) {
		assert.Equal(t, model.HandleBody, handle)
		seen = append(seen, input)
		item := input["item"].(float64)
		return map[string]interface{}{"sq": item * item}, nil
	}

	params := map[string]interface{}{
		"items": []interface{}{1.0, 2.0, 3.0},
	}
	out, err := NewLoopNode().Execute(context.Background(), execInput("each", params, nil, fc))
	require.NoError(t, err)

	results := out.Data["results"].([]interface{})
	require.Len(t, results, 3)
	assert.Equal(t, map[string]interface{}{"sq": 1.0}, results[0])
	assert.Equal(t, map[string]interface{}{"sq": 4.0}, results[1])
	assert.Equal(t, map[string]interface{}{"sq": 9.0}, results[2])

	require.Len(t, seen, 3)
	assert.Equal(t, 0, seen[0]["index"])
	assert.Equal(t, 2, seen[2]["index"])
}

func TestLoopNodeBatches(t *testing.T) {
	fc := newFakeContext()
	var batches [][]interface{}
	fc.onRunHandle = func(ctx context.Context, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error) {
		batches = append(batches, input["items"].([]interface{}))
		return map[string]interface{}{}, nil
	}

	params := map[string]interface{}{
		"items":     []interface{}{1.0, 2.0, 3.0, 4.0, 5.0},
		"batchSize": 2,
	}
	_, err := NewLoopNode().Execute(context.Background(), execInput("each", params, nil, fc))
	require.NoError(t, err)

	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)
}

func TestLoopNodeRejectsNonList(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{"items": "not-a-list"}

	_, err := NewLoopNode().Execute(context.Background(), execInput("each", params, nil, fc))
	require.Error(t, err)
	ne, ok := runtime.AsNodeError(err)
	require.True(t, ok)
	assert.Equal(t, runtime.ErrConfig, ne.Kind)
}

func TestLoopNodeEmptyItems(t *testing.T) {
	fc := newFakeContext()
	out, err := NewLoopNode().Execute(context.Background(), execInput("each", map[string]interface{}{}, nil, fc))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{}, out.Data["results"])
}

func TestTryCatchRunsTryOnly(t *testing.T) {
	fc := newFakeContext()
	var handles []string
	fc.onRunHandle = func(ctx context.Context, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error) {
		handles = append(handles, handle)
		return map[string]interface{}{"ok": true}, nil
	}

	out, err := NewTryCatchNode().Execute(context.Background(), execInput("guard", nil, nil, fc))
	require.NoError(t, err)
	assert.Equal(t, true, out.Data["ok"])
	assert.Equal(t, []string{model.HandleTry}, handles)
}

func TestTryCatchFallsBackToCatch(t *testing.T) {
	fc := newFakeContext()
	fc.onRunHandle = func(ctx context.Context, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error) {
		if handle == model.HandleTry {
			return nil, runtime.TransientError("try blew up", nil)
		}
		// The catch subgraph sees the structured error.
		errInfo := input["error"].(map[string]interface{})
		assert.Equal(t, string(runtime.ErrTransient), errInfo["kind"])
		assert.Equal(t, "try blew up", errInfo["message"])
		return map[string]interface{}{"recovered": true}, nil
	}

	out, err := NewTryCatchNode().Execute(context.Background(), execInput("guard", nil, nil, fc))
	require.NoError(t, err)
	assert.Equal(t, true, out.Data["recovered"])
}

func TestTryCatchNeverCatchesCancellation(t *testing.T) {
	fc := newFakeContext()
	fc.onRunHandle = func(ctx context.Context, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error) {
		require.Equal(t, model.HandleTry, handle, "catch must not run")
		return nil, runtime.CancelledError("cancelled")
	}

	_, err := NewTryCatchNode().Execute(context.Background(), execInput("guard", nil, nil, fc))
	require.Error(t, err)
	ne, _ := runtime.AsNodeError(err)
	assert.Equal(t, runtime.ErrCancelled, ne.Kind)
}

func TestRetryNodeRetriesTransient(t *testing.T) {
	fc := newFakeContext()
	attempts := 0
	fc.onRunHandle = func(ctx context.Context, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, runtime.TransientError("flaky", nil)
		}
		return map[string]interface{}{"attempts": attempts}, nil
	}

	params := map[string]interface{}{"maxAttempts": 3, "initialDelayMs": 1}
	out, err := NewRetryNode().Execute(context.Background(), execInput("retry", params, nil, fc))
	require.NoError(t, err)
	assert.Equal(t, 3, out.Data["attempts"])
}

func TestRetryNodeStopsOnPermanent(t *testing.T) {
	fc := newFakeContext()
	attempts := 0
	fc.onRunHandle = func(ctx context.Context, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error) {
		attempts++
		return nil, runtime.PermanentError("hopeless", nil)
	}

	params := map[string]interface{}{"maxAttempts": 5, "initialDelayMs": 1}
	_, err := NewRetryNode().Execute(context.Background(), execInput("retry", params, nil, fc))
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryNodeExhaustsAttempts(t *testing.T) {
	fc := newFakeContext()
	attempts := 0
	fc.onRunHandle = func(ctx context.Context, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error) {
		attempts++
		return nil, runtime.TransientError("always failing", nil)
	}

	params := map[string]interface{}{"maxAttempts": 3, "initialDelayMs": 1}
	_, err := NewRetryNode().Execute(context.Background(), execInput("retry", params, nil, fc))
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	ne, _ := runtime.AsNodeError(err)
	assert.Equal(t, runtime.ErrTransient, ne.Kind)
}

func TestRetryNodePredicateStopsRetrying(t *testing.T) {
	fc := newFakeContext()
	attempts := 0
	fc.onRunHandle = func(ctx context.Context, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error) {
		attempts++
		return nil, runtime.TransientError("nope", nil)
	}

	params := map[string]interface{}{
		"maxAttempts":    5,
		"initialDelayMs": 1,
		"retryOn":        `$input.error.kind == "TIMEOUT"`,
	}
	_, err := NewRetryNode().Execute(context.Background(), execInput("retry", params, nil, fc))
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestMergeNodeArrivesAtBarrier(t *testing.T) {
	fc := newFakeContext()
	fc.barrier = &fakeBarrier{out: map[string]interface{}{"merged": []interface{}{1, 2}}}
	fc.wf = &model.Workflow{
		ID: "wf-test",
		Connections: []model.Connection{
			{ID: "c1", SourceNodeID: "a", TargetNodeID: "join"},
			{ID: "c2", SourceNodeID: "b", TargetNodeID: "join"},
		},
	}

	params := map[string]interface{}{"mode": runtime.MergeWaitAll}
	out, err := NewMergeNode().Execute(context.Background(), execInput("join", params, map[string]interface{}{"n": 1}, fc))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1, 2}, out.Data["merged"])
	// The input count falls back to the wired edge count.
	assert.Equal(t, 2, fc.barrierSpec.InputCount)
	assert.True(t, fc.barrierSpec.WaitForAll)
}

func TestParallelNodeNumericFanOut(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{"branches": 3.0}

	out, err := NewParallelNode().Execute(context.Background(), execInput("fan", params, map[string]interface{}{"n": 1}, fc))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Data["n"])
}

func TestParallelNodeIntBranchCount(t *testing.T) {
	// Programmatic workflows pass Go ints where JSON would carry float64;
	// both spellings are a plain fan-out, not a configuration error.
	for _, branches := range []interface{}{3, int64(3)} {
		fc := newFakeContext()
		params := map[string]interface{}{"branches": branches}

		out, err := NewParallelNode().Execute(context.Background(), execInput("fan", params, map[string]interface{}{"n": 1}, fc))
		require.NoError(t, err)
		assert.Equal(t, 1, out.Data["n"])
		assert.NotContains(t, out.Data, "error")
	}
}

func TestParallelNodeFractionalBranchCount(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{"branches": 2.5}

	out, err := NewParallelNode().Execute(context.Background(), execInput("fan", params, nil, fc))
	require.NoError(t, err)
	msg, ok := out.Data["error"].(string)
	require.True(t, ok)
	assert.Contains(t, msg, "whole number")
}

func TestParallelNodeInlineSubgraphs(t *testing.T) {
	fc := newFakeContext()
	fc.onRunSubgraph = func(ctx context.Context, sg model.Subgraph, input map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"branch": sg.ID}, nil
	}

	params := map[string]interface{}{
		"branches": []interface{}{
			map[string]interface{}{
				"id":    "left",
				"nodes": []interface{}{map[string]interface{}{"id": "n1", "type": "set"}},
			},
			map[string]interface{}{
				"id":    "right",
				"nodes": []interface{}{map[string]interface{}{"id": "n2", "type": "set"}},
			},
		},
	}
	out, err := NewParallelNode().Execute(context.Background(), execInput("fan", params, nil, fc))
	require.NoError(t, err)

	left := out.Data["left"].(map[string]interface{})
	right := out.Data["right"].(map[string]interface{})
	assert.Equal(t, "left", left["branch"])
	assert.Equal(t, "right", right["branch"])
}

func TestParallelNodeEmptyBranchList(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{"branches": []interface{}{}}

	out, err := NewParallelNode().Execute(context.Background(), execInput("fan", params, map[string]interface{}{"n": 1}, fc))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Data[runtime.KeyBranchCount])
	assert.Equal(t, 1, out.Data["n"])
}

func TestParallelNodeInvalidBranchesIsDataNotFailure(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{"branches": "three"}

	out, err := NewParallelNode().Execute(context.Background(), execInput("fan", params, nil, fc))
	require.NoError(t, err)
	msg, ok := out.Data["error"].(string)
	require.True(t, ok)
	assert.Contains(t, msg, "Invalid branches configuration")
}

func TestWaitNodePassesThrough(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{"durationMs": 5}

	out, err := NewWaitNode().Execute(context.Background(), execInput("pause", params, map[string]interface{}{"n": 1}, fc))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Data["n"])
}

func TestWaitNodeInterruptedByCancellation(t *testing.T) {
	fc := newFakeContext()
	close(fc.cancelled)
	params := map[string]interface{}{"seconds": 60}

	start := time.Now()
	_, err := NewWaitNode().Execute(context.Background(), execInput("pause", params, nil, fc))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	ne, _ := runtime.AsNodeError(err)
	assert.Equal(t, runtime.ErrCancelled, ne.Kind)
}

func TestRateLimitNodeRequiresRate(t *testing.T) {
	fc := newFakeContext()
	_, err := NewRateLimitNode().Execute(context.Background(), execInput("limit", map[string]interface{}{}, nil, fc))
	require.Error(t, err)
	ne, _ := runtime.AsNodeError(err)
	assert.Equal(t, runtime.ErrConfig, ne.Kind)
}

func TestRateLimitNodeSpacesDispatches(t *testing.T) {
	fc := newFakeContext()
	params := map[string]interface{}{"rps": 50.0}
	in := execInput("limit", params, map[string]interface{}{"n": 1}, fc)

	start := time.Now()
	for i := 0; i < 3; i++ {
		out, err := NewRateLimitNode().Execute(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, 1, out.Data["n"])
	}
	// Two waits at 50 rps: at least ~40ms total.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestTriggerNodePassesPayloadThrough(t *testing.T) {
	fc := newFakeContext()
	out, err := NewManualTrigger().Execute(context.Background(), execInput("start", nil, map[string]interface{}{"n": 1}, fc))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Data["n"])
}
