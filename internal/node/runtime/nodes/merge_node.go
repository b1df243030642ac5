package nodes

import (
	"context"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// MergeNode is the fan-in point for parallel branches. The scheduler
// dispatches it once per arriving branch; each dispatch joins the barrier
// keyed by (execution, node) and returns that caller's share of the result.
type MergeNode struct{}

// NewMergeNode creates a new merge node
func NewMergeNode() *MergeNode {
	return &MergeNode{}
}

// Type returns the node type
func (n *MergeNode) Type() string {
	return "merge"
}

// Metadata returns node metadata
func (n *MergeNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "merge",
		Name:        "Merge",
		Description: "Join parallel branches: wait, collect, overlay, or pick one",
		Category:    "core",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "One arrival per incoming branch"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Combined payload per the merge mode"},
		},
		Blocking: true,
	}
}

// Execute joins the node's barrier with this branch's payload. The barrier
// decides blocking and the shape of every caller's output; a timeout
// surfaces as a TIMEOUT error with the partial payload attached.
func (n *MergeNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	inputCount := runtime.IntParam(in.Parameters, "inputCount", 0)
	if inputCount <= 0 {
		// Declarative count not given: expect one arrival per wired edge.
		inputCount = len(in.Context.Workflow().Incoming(in.Node.ID))
	}
	if inputCount <= 0 {
		inputCount = 1
	}

	spec := runtime.BarrierSpec{
		InputCount: inputCount,
		Mode:       runtime.StringParam(in.Parameters, "mode", runtime.MergeWaitAll),
		Timeout:    runtime.DurationParam(in.Parameters, "timeout", 0),
		OutputKey:  runtime.StringParam(in.Parameters, "outputKey", "merged"),
		WaitForAll: runtime.BoolParam(in.Parameters, "waitForAll", true),
	}

	barrier, err := in.Context.Barrier(in.Node.ID, spec)
	if err != nil {
		return nil, err
	}

	out, err := barrier.Arrive(ctx, in.Input)
	if err != nil {
		// Timed-out callers still publish what arrived.
		return runtime.MainOutput(out), err
	}
	return runtime.MainOutput(out), nil
}

func init() {
	runtime.Register(NewMergeNode())
}
