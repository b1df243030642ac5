package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowgrid/flowgrid/internal/engine"
	"github.com/flowgrid/flowgrid/internal/platform/logger"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
	"github.com/flowgrid/flowgrid/internal/workflow/store"
)

// submitTimeout bounds how long a firing trigger waits on Submit before
// giving up. Submit itself only validates and creates the record; the
// execution runs on after this returns.
const submitTimeout = 10 * time.Second

// Scheduler fires workflows on their cron expressions. Reload rebuilds the
// entries from the store, so workflow edits take effect without a restart.
type Scheduler struct {
	engine    Submitter
	workflows store.Store
	log       logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler over the given engine and workflow store.
func NewScheduler(eng Submitter, workflows store.Store, log logger.Logger) *Scheduler {
	return &Scheduler{
		engine:    eng,
		workflows: workflows,
		log:       log,
		cron:      cron.New(),
		entries:   make(map[string]cron.EntryID),
	}
}

// Start loads the active scheduled workflows and begins firing them.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for in-flight submissions.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Reload re-reads the store and replaces the registered entries. Workflows
// with a missing or invalid cron expression are skipped with a log line.
func (s *Scheduler) Reload(ctx context.Context) error {
	wfs, err := activeWorkflows(ctx, s.workflows, model.TriggerSchedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}

	for _, wf := range wfs {
		node, ok := triggerNode(wf, "scheduleTrigger")
		if !ok {
			continue
		}
		expr, _ := node.Parameters["cron"].(string)
		if expr == "" {
			s.log.Warn("scheduled workflow has no cron expression", "workflow_id", wf.ID)
			continue
		}

		workflowID := wf.ID
		entry, err := s.cron.AddFunc(expr, func() { s.fire(workflowID) })
		if err != nil {
			s.log.Warn("invalid cron expression",
				"workflow_id", wf.ID, "cron", expr, "error", err)
			continue
		}
		s.entries[wf.ID] = entry
		s.log.Info("schedule registered", "workflow_id", wf.ID, "cron", expr)
	}
	return nil
}

// fire submits one run of a scheduled workflow. The workflow is re-read so a
// firing always executes the current definition.
func (s *Scheduler) fire(workflowID string) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	wf, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		s.log.Error("loading scheduled workflow failed", "workflow_id", workflowID, "error", err)
		return
	}
	if !wf.Active {
		return
	}

	input := map[string]interface{}{
		"firedAt": time.Now().UTC().Format(time.RFC3339),
	}
	id, err := s.engine.Submit(ctx, wf, input, engine.Options{TriggerType: model.TriggerSchedule})
	if err != nil {
		s.log.Error("scheduled submission failed", "workflow_id", workflowID, "error", err)
		return
	}
	s.log.Info("schedule fired", "workflow_id", workflowID, "execution_id", id)
}
