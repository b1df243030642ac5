package nodes

import (
	"context"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// SwitchNode routes its input to the first matching case's handle.
type SwitchNode struct{}

// NewSwitchNode creates a new switch node
func NewSwitchNode() *SwitchNode {
	return &SwitchNode{}
}

// Type returns the node type
func (n *SwitchNode) Type() string {
	return "switch"
}

// Metadata returns node metadata
func (n *SwitchNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "switch",
		Name:        "Switch",
		Description: "Route the input to the first case whose condition matches",
		Category:    "core",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: "<case handle>", Description: "One handle per configured case"},
		},
	}
}

// Execute checks cases in order and activates exactly one outgoing handle.
// With no match and no default handle, nothing is emitted and every branch
// downstream of this node stays unscheduled.
func (n *SwitchNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	cases := runtime.SliceParam(in.Node.Parameters, "cases")

	for i, c := range cases {
		caseMap, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		when := runtime.StringParam(caseMap, "when", "")
		handle := runtime.StringParam(caseMap, "handle", "")
		if handle == "" {
			continue
		}

		matched, err := in.Context.EvaluateCondition(when, in.Input)
		if err != nil {
			in.Context.Logger().Warn("switch case evaluation failed",
				"node_id", in.Node.ID, "case", i, "error", err)
			continue
		}
		if matched {
			return runtime.HandleOutput(handle, runtime.CopyPayload(in.Input)), nil
		}
	}

	if def := runtime.StringParam(in.Node.Parameters, "default", ""); def != "" {
		return runtime.HandleOutput(def, runtime.CopyPayload(in.Input)), nil
	}

	// No case matched: emit nothing.
	return &runtime.ExecutionOutput{Handles: map[string]map[string]interface{}{}}, nil
}

func init() {
	runtime.Register(NewSwitchNode())
}
