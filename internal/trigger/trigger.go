// Package trigger starts executions from outside events: cron schedules,
// webhook deliveries, and filesystem changes. Every trigger reduces to one
// engine submission; the engine neither knows nor cares what fired it.
package trigger

import (
	"context"

	"github.com/flowgrid/flowgrid/internal/engine"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
	"github.com/flowgrid/flowgrid/internal/workflow/store"
)

// Submitter is the slice of the engine the triggers need.
type Submitter interface {
	Submit(ctx context.Context, wf *model.Workflow, input map[string]interface{}, opts engine.Options) (int64, error)
}

// activeWorkflows lists the active workflows carrying the given trigger type.
func activeWorkflows(ctx context.Context, workflows store.Store, t model.TriggerType) ([]*model.Workflow, error) {
	active := true
	return workflows.List(ctx, store.Filter{Active: &active, TriggerType: t})
}

// triggerNode finds the workflow's trigger node of the given type. Parameters
// on that node configure the trigger (cron expression, webhook method, ...).
func triggerNode(wf *model.Workflow, nodeType string) (model.Node, bool) {
	for _, n := range wf.Triggers() {
		if n.Type == nodeType {
			return n, true
		}
	}
	return model.Node{}, false
}
