// Package nodes provides the built-in control-flow executors. They are
// registered in init, so importing the package for side effects is enough
// to make the core node set available.
package nodes

import (
	"context"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// IfNode routes its input to the true or false branch.
type IfNode struct{}

// NewIfNode creates a new if node
func NewIfNode() *IfNode {
	return &IfNode{}
}

// Type returns the node type
func (n *IfNode) Type() string {
	return "if"
}

// Metadata returns node metadata
func (n *IfNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "if",
		Name:        "If",
		Description: "Route the input to the true or false branch",
		Category:    "core",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleTrue, Description: "Input when the condition holds"},
			{Name: model.HandleFalse, Description: "Input when it does not"},
		},
	}
}

// Execute evaluates the condition and emits the input on exactly one handle.
// The payload keeps every input field and gains conditionResult and branch.
func (n *IfNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	// The raw parameter is used so the condition is evaluated with proper
	// quoting of substituted values.
	condition := runtime.StringParam(in.Node.Parameters, "condition", "")

	result, err := in.Context.EvaluateCondition(condition, in.Input)
	if err != nil {
		// A broken condition routes to false instead of failing the run.
		in.Context.Logger().Warn("condition evaluation failed",
			"node_id", in.Node.ID, "condition", condition, "error", err)
		result = false
	}

	branch := model.HandleFalse
	if result {
		branch = model.HandleTrue
	}

	out := runtime.CopyPayload(in.Input)
	out["conditionResult"] = result
	out["branch"] = branch
	return runtime.HandleOutput(branch, out), nil
}

func init() {
	runtime.Register(NewIfNode())
}
