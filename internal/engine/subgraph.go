package engine

import (
	"context"
	"errors"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// runHandle executes the subgraph wired to a container node's handle (loop
// body, try, catch, retry task) and returns the merged leaf output. A handle
// with nothing wired to it passes the input through, so an empty body behaves
// like a disabled node.
func (r *run) runHandle(ctx context.Context, parent *executionContext, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error) {
	graph := parent.wf
	var entries []string
	seen := make(map[string]bool)
	for _, conn := range graph.OutgoingFrom(nodeID, handle) {
		if !seen[conn.TargetNodeID] {
			seen[conn.TargetNodeID] = true
			entries = append(entries, conn.TargetNodeID)
		}
	}
	if len(entries) == 0 {
		return runtime.CopyPayload(input), nil
	}

	set := reachableFrom(graph, entries, nodeID)
	var nodes []model.Node
	for _, n := range graph.Nodes {
		if set[n.ID] {
			nodes = append(nodes, n)
		}
	}
	return r.runScoped(ctx, parent, graph, nodes, input)
}

// runSubgraph executes an inline subgraph, as carried by a parallel node's
// branches parameter, within the current execution.
func (r *run) runSubgraph(ctx context.Context, parent *executionContext, sg model.Subgraph, input map[string]interface{}) (map[string]interface{}, error) {
	graph := &model.Workflow{
		ID:          r.wf.ID,
		Name:        sg.ID,
		Nodes:       sg.Nodes,
		Connections: sg.Connections,
	}
	return r.runScoped(ctx, parent, graph, sg.Nodes, input)
}

// runScoped drives one sub-run to completion in the calling goroutine. The
// sub-run gets its own cancel scope: a failure inside it stops its siblings
// and surfaces as the scope's first error, which the container executor
// (retry, tryCatch) decides how to handle.
func (r *run) runScoped(ctx context.Context, parent *executionContext, graph *model.Workflow, nodes []model.Node, input map[string]interface{}) (map[string]interface{}, error) {
	if input == nil {
		input = map[string]interface{}{}
	}
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ec := parent.child(graph, subCtx.Done())
	g := &graphRun{
		r:        r,
		ec:       ec,
		ctx:      subCtx,
		stop:     cancel,
		graph:    graph,
		nodes:    nodes,
		boundary: input,
	}
	g.init()
	g.loop()

	if g.anyFailed {
		return nil, g.firstErr
	}
	if g.interrupted || g.anyCancelled {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, runtime.TimeoutError("node timed out", ctx.Err())
		}
		return nil, runtime.CancelledError("execution cancelled")
	}
	return g.leafOutput(), nil
}

// reachableFrom walks outgoing edges from the entry nodes, never crossing
// back into the container itself.
func reachableFrom(graph *model.Workflow, entries []string, exclude string) map[string]bool {
	set := make(map[string]bool)
	queue := make([]string, 0, len(entries))
	for _, id := range entries {
		if id != exclude && !set[id] {
			set[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, conn := range graph.Outgoing(id) {
			next := conn.TargetNodeID
			if next == exclude || set[next] {
				continue
			}
			set[next] = true
			queue = append(queue, next)
		}
	}
	return set
}
