package nodes

import (
	"context"
	"strings"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// SetNode writes fields into the payload.
type SetNode struct{}

// NewSetNode creates a new set node
func NewSetNode() *SetNode {
	return &SetNode{}
}

// Type returns the node type
func (n *SetNode) Type() string {
	return "set"
}

// Metadata returns node metadata
func (n *SetNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "set",
		Name:        "Set",
		Description: "Set, modify, or create payload fields",
		Category:    "core",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Modified data"},
		},
	}
}

// Execute overlays the resolved values onto the input. Field names may use
// dot notation to address nested objects unless dotNotation is disabled.
func (n *SetNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	values := runtime.MapParam(in.Parameters, "values")
	keepOnlySet := runtime.BoolParam(in.Parameters, "keepOnlySet", false)
	dotNotation := runtime.BoolParam(in.Parameters, "dotNotation", true)

	var result map[string]interface{}
	if keepOnlySet {
		result = make(map[string]interface{}, len(values))
	} else {
		result = runtime.CopyPayload(in.Input)
	}

	for name, value := range values {
		if dotNotation && strings.Contains(name, ".") {
			setNestedValue(result, name, value)
		} else {
			result[name] = value
		}
	}

	return runtime.MainOutput(result), nil
}

// setNestedValue writes a value at a dotted path, creating intermediate
// objects as needed. Non-object intermediates are replaced.
func setNestedValue(data map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	current := data

	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}

	current[parts[len(parts)-1]] = value
}

func init() {
	runtime.Register(NewSetNode())
}
