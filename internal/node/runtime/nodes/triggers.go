package nodes

import (
	"context"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// TriggerNode is the executor behind every trigger type. Triggers do not run
// work themselves: the scheduler seeds their output with the trigger payload,
// and the trigger services (schedule, webhook, file) decide when a workflow
// starts. The executor exists so the type resolves in the registry and the
// discovery API lists it; Execute only passes the payload through.
type TriggerNode struct {
	nodeType    string
	name        string
	description string
}

// NewManualTrigger starts a workflow from an explicit API request.
func NewManualTrigger() *TriggerNode {
	return &TriggerNode{
		nodeType:    "manualTrigger",
		name:        "Manual Trigger",
		description: "Start the workflow from an explicit request",
	}
}

// NewScheduleTrigger starts a workflow from the cron scheduler.
func NewScheduleTrigger() *TriggerNode {
	return &TriggerNode{
		nodeType:    "scheduleTrigger",
		name:        "Schedule Trigger",
		description: "Start the workflow on a cron schedule",
	}
}

// NewWebhookTrigger starts a workflow from an inbound HTTP call.
func NewWebhookTrigger() *TriggerNode {
	return &TriggerNode{
		nodeType:    "webhookTrigger",
		name:        "Webhook Trigger",
		description: "Start the workflow from an inbound webhook",
	}
}

// NewFileTrigger starts a workflow from a filesystem event.
func NewFileTrigger() *TriggerNode {
	return &TriggerNode{
		nodeType:    "fileTrigger",
		name:        "File Trigger",
		description: "Start the workflow when a watched file changes",
	}
}

// NewErrorTrigger starts a workflow from another execution's failure.
func NewErrorTrigger() *TriggerNode {
	return &TriggerNode{
		nodeType:    "errorTrigger",
		name:        "Error Trigger",
		description: "Start the workflow when another execution fails",
	}
}

// Type returns the node type
func (n *TriggerNode) Type() string {
	return n.nodeType
}

// Metadata returns node metadata
func (n *TriggerNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        n.nodeType,
		Name:        n.name,
		Description: n.description,
		Category:    "trigger",
		Outputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Trigger payload"},
		},
		IsTrigger: true,
	}
}

// Execute passes the trigger payload through unchanged.
func (n *TriggerNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	return runtime.MainOutput(runtime.CopyPayload(in.Input)), nil
}

func init() {
	runtime.Register(NewManualTrigger())
	runtime.Register(NewScheduleTrigger())
	runtime.Register(NewWebhookTrigger())
	runtime.Register(NewFileTrigger())
	runtime.Register(NewErrorTrigger())
}
