package nodes

import (
	"context"
	"time"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// WaitNode pauses the branch for a configured duration.
type WaitNode struct{}

// NewWaitNode creates a new wait node
func NewWaitNode() *WaitNode {
	return &WaitNode{}
}

// Type returns the node type
func (n *WaitNode) Type() string {
	return "wait"
}

// Metadata returns node metadata
func (n *WaitNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "wait",
		Name:        "Wait",
		Description: "Pause this branch before continuing",
		Category:    "core",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input unchanged after the pause"},
		},
		Blocking: true,
	}
}

// Execute sleeps for seconds (or durationMs) and passes the input through.
// Cancellation interrupts the sleep.
func (n *WaitNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	d := runtime.DurationParam(in.Parameters, "seconds", 0)
	if d == 0 {
		d = time.Duration(runtime.IntParam(in.Parameters, "durationMs", 0)) * time.Millisecond
	}

	if d > 0 {
		select {
		case <-ctx.Done():
			return nil, runtime.CancelledError("wait interrupted")
		case <-in.Context.Cancelled():
			return nil, runtime.CancelledError("wait interrupted")
		case <-time.After(d):
		}
	}

	return runtime.MainOutput(runtime.CopyPayload(in.Input)), nil
}

func init() {
	runtime.Register(NewWaitNode())
}
