package trigger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/internal/engine"
	"github.com/flowgrid/flowgrid/internal/platform/logger"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
	"github.com/flowgrid/flowgrid/internal/workflow/store"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	nextID int64
	subs   []submission
	err    error
}

type submission struct {
	workflowID string
	input      map[string]interface{}
	opts       engine.Options
}

func (f *fakeSubmitter) Submit(ctx context.Context, wf *model.Workflow, input map[string]interface{}, opts engine.Options) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.nextID++
	f.subs = append(f.subs, submission{workflowID: wf.ID, input: input, opts: opts})
	return f.nextID, nil
}

func (f *fakeSubmitter) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.subs...)
}

func webhookWorkflow(id string, params map[string]interface{}) *model.Workflow {
	return &model.Workflow{
		ID:          id,
		Name:        id,
		Active:      true,
		TriggerType: model.TriggerWebhook,
		Nodes: []model.Node{
			{ID: "hook", Type: "webhookTrigger", Parameters: params},
		},
	}
}

func TestWebhookDeliverySubmits(t *testing.T) {
	workflows := store.NewMemoryStore()
	require.NoError(t, workflows.Create(context.Background(), webhookWorkflow("wf-hook", nil)))

	eng := &fakeSubmitter{}
	handler := NewWebhooks(eng, workflows, logger.NewNop()).Handler()

	req := httptest.NewRequest(http.MethodPost, "/hooks/wf-hook?source=ci", strings.NewReader(`{"ref":"main"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "executionId")

	subs := eng.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "wf-hook", subs[0].workflowID)
	assert.Equal(t, model.TriggerWebhook, subs[0].opts.TriggerType)

	body := subs[0].input["body"].(map[string]interface{})
	assert.Equal(t, "main", body["ref"])
	query := subs[0].input["query"].(map[string]interface{})
	assert.Equal(t, "ci", query["source"])
}

func TestWebhookUnknownWorkflow(t *testing.T) {
	handler := NewWebhooks(&fakeSubmitter{}, store.NewMemoryStore(), logger.NewNop()).Handler()

	req := httptest.NewRequest(http.MethodPost, "/hooks/ghost", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookInactiveWorkflowRejected(t *testing.T) {
	workflows := store.NewMemoryStore()
	wf := webhookWorkflow("wf-off", nil)
	wf.Active = false
	require.NoError(t, workflows.Create(context.Background(), wf))

	handler := NewWebhooks(&fakeSubmitter{}, workflows, logger.NewNop()).Handler()

	req := httptest.NewRequest(http.MethodPost, "/hooks/wf-off", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWebhookMethodEnforced(t *testing.T) {
	workflows := store.NewMemoryStore()
	require.NoError(t, workflows.Create(context.Background(),
		webhookWorkflow("wf-put", map[string]interface{}{"method": "PUT"})))

	eng := &fakeSubmitter{}
	handler := NewWebhooks(eng, workflows, logger.NewNop()).Handler()

	req := httptest.NewRequest(http.MethodPost, "/hooks/wf-put", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/hooks/wf-put", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, eng.submissions(), 1)
}

func TestWebhookSecretEnforced(t *testing.T) {
	workflows := store.NewMemoryStore()
	require.NoError(t, workflows.Create(context.Background(),
		webhookWorkflow("wf-secret", map[string]interface{}{"secret": "tok"})))

	handler := NewWebhooks(&fakeSubmitter{}, workflows, logger.NewNop()).Handler()

	req := httptest.NewRequest(http.MethodPost, "/hooks/wf-secret", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/hooks/wf-secret", nil)
	req.Header.Set("X-Webhook-Secret", "tok")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSchedulerRegistersCronEntries(t *testing.T) {
	workflows := store.NewMemoryStore()

	scheduled := &model.Workflow{
		ID:          "wf-cron",
		Active:      true,
		TriggerType: model.TriggerSchedule,
		Nodes: []model.Node{
			{ID: "tick", Type: "scheduleTrigger",
				Parameters: map[string]interface{}{"cron": "*/5 * * * *"}},
		},
	}
	require.NoError(t, workflows.Create(context.Background(), scheduled))

	// Bad expression: skipped, not fatal.
	broken := &model.Workflow{
		ID:          "wf-broken",
		Active:      true,
		TriggerType: model.TriggerSchedule,
		Nodes: []model.Node{
			{ID: "tick", Type: "scheduleTrigger",
				Parameters: map[string]interface{}{"cron": "not a cron"}},
		},
	}
	require.NoError(t, workflows.Create(context.Background(), broken))

	s := NewScheduler(&fakeSubmitter{}, workflows, logger.NewNop())
	require.NoError(t, s.Reload(context.Background()))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Contains(t, s.entries, "wf-cron")
	assert.NotContains(t, s.entries, "wf-broken")
}

func TestSchedulerFireReloadsWorkflow(t *testing.T) {
	workflows := store.NewMemoryStore()

	wf := &model.Workflow{
		ID:          "wf-cron",
		Active:      true,
		TriggerType: model.TriggerSchedule,
		Nodes: []model.Node{
			{ID: "tick", Type: "scheduleTrigger",
				Parameters: map[string]interface{}{"cron": "* * * * *"}},
		},
	}
	require.NoError(t, workflows.Create(context.Background(), wf))

	eng := &fakeSubmitter{}
	s := NewScheduler(eng, workflows, logger.NewNop())
	s.fire("wf-cron")

	subs := eng.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, model.TriggerSchedule, subs[0].opts.TriggerType)
	assert.NotEmpty(t, subs[0].input["firedAt"])
}

func TestSchedulerFireSkipsInactive(t *testing.T) {
	workflows := store.NewMemoryStore()

	wf := &model.Workflow{
		ID:          "wf-cron",
		Active:      false,
		TriggerType: model.TriggerSchedule,
		Nodes: []model.Node{
			{ID: "tick", Type: "scheduleTrigger",
				Parameters: map[string]interface{}{"cron": "* * * * *"}},
		},
	}
	require.NoError(t, workflows.Create(context.Background(), wf))

	eng := &fakeSubmitter{}
	s := NewScheduler(eng, workflows, logger.NewNop())
	s.fire("wf-cron")

	assert.Empty(t, eng.submissions())
}
