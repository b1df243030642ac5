package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// ParallelNode fans execution out. With a numeric branches parameter it is
// a plain fan-out point: downstream edges all receive the input and run
// concurrently through the worker pool. With a list of inline subgraphs it
// runs each subgraph itself and collects their outputs.
type ParallelNode struct{}

// NewParallelNode creates a new parallel node
func NewParallelNode() *ParallelNode {
	return &ParallelNode{}
}

// Type returns the node type
func (n *ParallelNode) Type() string {
	return "parallel"
}

// Metadata returns node metadata
func (n *ParallelNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "parallel",
		Name:        "Parallel",
		Description: "Fan out to downstream edges or run inline subgraphs concurrently",
		Category:    "core",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input unchanged, or per-branch outputs"},
		},
		Blocking: true,
	}
}

// Execute inspects the branches parameter. A bad type yields an error-shaped
// output instead of failing the execution; downstream sees it as data.
func (n *ParallelNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	branches, present := in.Parameters["branches"]
	if !present {
		branches = []interface{}{}
	}

	if count, numeric := branchCount(branches); numeric {
		if count < 0 {
			return n.invalidConfig(in, fmt.Sprintf("branch count must be a whole number, got %v", branches))
		}
		// Fan-out: concurrency comes from the scheduler dispatching the
		// downstream edges; the payload passes through unchanged.
		return runtime.MainOutput(runtime.CopyPayload(in.Input)), nil
	}

	switch v := branches.(type) {
	case []interface{}:
		if len(v) == 0 {
			out := runtime.CopyPayload(in.Input)
			out[runtime.KeyBranchCount] = 0
			return runtime.MainOutput(out), nil
		}
		return n.runInline(ctx, in, v)

	default:
		return n.invalidConfig(in, fmt.Sprintf("branches must be a number or a list, got %T", branches))
	}
}

// runInline decodes each branch into a subgraph and runs them concurrently
// within the current execution.
func (n *ParallelNode) runInline(ctx context.Context, in *runtime.ExecutionInput, raw []interface{}) (*runtime.ExecutionOutput, error) {
	subgraphs := make([]model.Subgraph, 0, len(raw))
	for i, b := range raw {
		sg, err := decodeSubgraph(b)
		if err != nil {
			return n.invalidConfig(in, fmt.Sprintf("branch %d: %v", i, err))
		}
		if sg.ID == "" {
			sg.ID = fmt.Sprintf("branch-%d", i)
		}
		subgraphs = append(subgraphs, sg)
	}

	type branchResult struct {
		id     string
		output map[string]interface{}
		err    error
	}

	results := make([]branchResult, len(subgraphs))
	var wg sync.WaitGroup
	for i, sg := range subgraphs {
		wg.Add(1)
		go func(i int, sg model.Subgraph) {
			defer wg.Done()
			out, err := in.Context.RunSubgraph(ctx, sg, runtime.CopyPayload(in.Input))
			results[i] = branchResult{id: sg.ID, output: out, err: err}
		}(i, sg)
	}
	wg.Wait()

	collected := make(map[string]interface{}, len(results))
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		collected[r.id] = r.output
	}
	return runtime.MainOutput(collected), nil
}

// invalidConfig logs the problem and emits the error-shaped output the
// downstream nodes receive as ordinary data.
func (n *ParallelNode) invalidConfig(in *runtime.ExecutionInput, detail string) (*runtime.ExecutionOutput, error) {
	in.Context.Logger().Warn("invalid parallel configuration",
		"node_id", in.Node.ID, "detail", detail)
	return runtime.MainOutput(map[string]interface{}{
		"error": fmt.Sprintf("Invalid branches configuration: %s", detail),
	}), nil
}

// branchCount normalizes the numeric forms the branches parameter arrives
// in: JSON documents decode to float64, programmatic workflows pass Go
// ints. Fractional or negative values report -1.
func branchCount(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return -1, true
		}
		return n, true
	case int64:
		if n < 0 {
			return -1, true
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) || n < 0 {
			return -1, true
		}
		return int(n), true
	}
	return 0, false
}

func decodeSubgraph(v interface{}) (model.Subgraph, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return model.Subgraph{}, fmt.Errorf("branch must be an object, got %T", v)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return model.Subgraph{}, err
	}
	var sg model.Subgraph
	if err := json.Unmarshal(raw, &sg); err != nil {
		return model.Subgraph{}, err
	}
	if len(sg.Nodes) == 0 {
		return model.Subgraph{}, fmt.Errorf("branch has no nodes")
	}
	return sg, nil
}

func init() {
	runtime.Register(NewParallelNode())
}
