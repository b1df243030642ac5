package nodes

import (
	"context"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// TryCatchNode runs its try subgraph and falls back to the catch subgraph
// when the try raises a node error.
type TryCatchNode struct{}

// NewTryCatchNode creates a new tryCatch node
func NewTryCatchNode() *TryCatchNode {
	return &TryCatchNode{}
}

// Type returns the node type
func (n *TryCatchNode) Type() string {
	return "tryCatch"
}

// Metadata returns node metadata
func (n *TryCatchNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "tryCatch",
		Name:        "Try / Catch",
		Description: "Run the try subgraph, switching to catch on failure",
		Category:    "core",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleTry, Description: "Try subgraph entry"},
			{Name: model.HandleCatch, Description: "Catch subgraph entry"},
			{Name: model.HandleMain, Description: "Output of whichever subgraph ran"},
		},
		Blocking: true,
	}
}

// Execute runs try; on a node error it runs catch with {error: {...}} as
// input. Cancellation is never caught.
func (n *TryCatchNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	out, err := in.Context.RunHandle(ctx, in.Node.ID, model.HandleTry, runtime.CopyPayload(in.Input))
	if err == nil {
		return runtime.MainOutput(out), nil
	}

	ne := runtime.Classify(err)
	if ne.Kind == runtime.ErrCancelled {
		return nil, ne
	}

	in.Context.Logger().Info("try branch failed, running catch",
		"node_id", in.Node.ID, "kind", string(ne.Kind), "error", ne.Message)

	catchInput := map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    string(ne.Kind),
			"message": ne.Message,
		},
	}
	caught, cerr := in.Context.RunHandle(ctx, in.Node.ID, model.HandleCatch, catchInput)
	if cerr != nil {
		return nil, cerr
	}
	return runtime.MainOutput(caught), nil
}

func init() {
	runtime.Register(NewTryCatchNode())
}
