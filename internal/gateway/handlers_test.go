package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/internal/credential"
	"github.com/flowgrid/flowgrid/internal/engine"
	_ "github.com/flowgrid/flowgrid/internal/node/runtime/nodes"
	"github.com/flowgrid/flowgrid/internal/platform/config"
	"github.com/flowgrid/flowgrid/internal/platform/logger"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
	"github.com/flowgrid/flowgrid/internal/workflow/store"
)

const testSecret = "gateway-test-secret"

func newTestServer(t *testing.T) (*Server, http.Handler, store.Store) {
	t.Helper()

	eng := engine.New(engine.Config{MaxWorkers: 4, QueueSize: 64, DevMode: true},
		engine.NewMemoryStore(0), logger.NewNop())
	eng.Start()
	t.Cleanup(func() { eng.Stop(2 * time.Second) })

	vault, err := credential.NewVault("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	cfg := &config.Config{Version: "test"}
	cfg.Service.Name = "gateway-test"
	cfg.HTTP.Port = 0
	cfg.Auth.JWTSecret = testSecret
	cfg.Triggers.WebhookEnabled = true

	workflows := store.NewMemoryStore()
	s := New(cfg, eng, workflows, vault, nil, logger.NewNop())
	return s, s.router(), workflows
}

func authToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+authToken(t))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func sampleWorkflow(id string) *model.Workflow {
	return &model.Workflow{
		ID:     id,
		Name:   "Sample",
		Active: true,
		Nodes: []model.Node{
			{ID: "start", Type: "manualTrigger", Name: "start"},
			{ID: "greet", Type: "set", Name: "greet", Parameters: map[string]interface{}{
				"values": map[string]interface{}{"greeting": "hello"},
			}},
		},
		Connections: []model.Connection{
			{ID: "c1", SourceNodeID: "start", SourceHandleID: model.HandleMain,
				TargetNodeID: "greet", TargetHandleID: model.HandleMain},
		},
	}
}

func TestAPIRejectsMissingToken(t *testing.T) {
	_, h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIRejectsBadToken(t *testing.T) {
	_, h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWorkflowCRUD(t *testing.T) {
	_, h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/workflows", sampleWorkflow("wf-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/api/v1/workflows/wf-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Sample", decodeBody(t, rec)["name"])

	wf := sampleWorkflow("wf-1")
	wf.Name = "Renamed"
	rec = doJSON(t, h, http.MethodPut, "/api/v1/workflows/wf-1", wf)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Renamed", decodeBody(t, rec)["name"])

	rec = doJSON(t, h, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/workflows/wf-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/workflows/wf-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateWorkflowRejectsInvalidGraph(t *testing.T) {
	_, h, _ := newTestServer(t)

	wf := sampleWorkflow("wf-bad")
	wf.Nodes = wf.Nodes[1:] // drop the trigger
	wf.Connections = nil
	rec := doJSON(t, h, http.MethodPost, "/api/v1/workflows", wf)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateDuplicateWorkflowConflicts(t *testing.T) {
	_, h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/workflows", sampleWorkflow("wf-dup"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/api/v1/workflows", sampleWorkflow("wf-dup"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestActivateDeactivate(t *testing.T) {
	_, h, _ := newTestServer(t)

	wf := sampleWorkflow("wf-act")
	wf.Active = false
	rec := doJSON(t, h, http.MethodPost, "/api/v1/workflows", wf)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/workflows/wf-act/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["active"])

	rec = doJSON(t, h, http.MethodPost, "/api/v1/workflows/wf-act/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["active"])
}

func TestRunWorkflowAndWait(t *testing.T) {
	_, h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/workflows", sampleWorkflow("wf-run"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/workflows/wf-run/run", map[string]interface{}{
		"input": map[string]interface{}{"who": "world"},
		"wait":  true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, string(engine.StatusSuccess), body["status"])
	out, _ := body["outputData"].(map[string]interface{})
	assert.Equal(t, "hello", out["greeting"])
}

func TestRunWorkflowAsync(t *testing.T) {
	_, h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/workflows", sampleWorkflow("wf-async"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/workflows/wf-async/run", map[string]interface{}{})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotNil(t, decodeBody(t, rec)["executionId"])
}

func TestExecutionLifecycleOverHTTP(t *testing.T) {
	s, h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/workflows", sampleWorkflow("wf-exec"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/workflows/wf-exec/run", map[string]interface{}{"wait": true})
	require.Equal(t, http.StatusOK, rec.Code)
	id := strconv.FormatInt(int64(decodeBody(t, rec)["id"].(float64)), 10)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = doJSON(t, h, http.MethodGet, "/api/v1/executions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wf-exec", decodeBody(t, rec)["workflowId"])

	rec = doJSON(t, h, http.MethodGet, "/api/v1/executions/9999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Dev mode is on, so the debug bundle is available.
	require.True(t, s.engine.Inspector().Enabled())
	rec = doJSON(t, h, http.MethodGet, "/api/v1/executions/"+id+"/debug", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStepContinueRequiresPausedExecution(t *testing.T) {
	_, h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/executions/12345/step/continue", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportImportRoundTrip(t *testing.T) {
	_, h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/workflows", sampleWorkflow("wf-io"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/workflows/wf-io/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "wf-io.json")
	exported := rec.Body.Bytes()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/import", bytes.NewReader(exported))
	req.Header.Set("Authorization", "Bearer "+authToken(t))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusCreated, rec2.Code, rec2.Body.String())
}

func TestImportRejectsMalformedDocument(t *testing.T) {
	_, h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/import",
		bytes.NewReader([]byte(`{"id": 42}`)))
	req.Header.Set("Authorization", "Bearer "+authToken(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestNodeTypeDiscovery(t *testing.T) {
	_, h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/node-types", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	types, _ := body["nodeTypes"].([]interface{})
	require.NotEmpty(t, types)

	seen := make(map[string]bool)
	for _, raw := range types {
		meta, _ := raw.(map[string]interface{})
		seen[meta["Type"].(string)] = true
	}
	for _, want := range []string{"if", "switch", "merge", "loop", "manualTrigger"} {
		assert.True(t, seen[want], "missing node type %s", want)
	}
}

func TestCredentialEndpoints(t *testing.T) {
	_, h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPut, "/api/v1/credentials/slack", map[string]interface{}{
		"type": "apiKey",
		"data": map[string]interface{}{"token": "xoxb-123456789"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/credentials", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, float64(1), body["count"])

	creds := body["credentials"].([]interface{})
	data := creds[0].(map[string]interface{})["data"].(map[string]interface{})
	assert.NotContains(t, data["token"], "xoxb", "secret must be masked")

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/credentials/slack", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/credentials/slack", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookSurfaceSkipsJWT(t *testing.T) {
	_, h, workflows := newTestServer(t)

	wf := sampleWorkflow("wf-hook")
	wf.Nodes[0].Type = "webhookTrigger"
	require.NoError(t, workflows.Create(context.Background(), wf))

	req := httptest.NewRequest(http.MethodPost, "/hooks/wf-hook",
		bytes.NewReader([]byte(`{"ping":"pong"}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestHealthEndpoints(t *testing.T) {
	_, h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	_, h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/hooks/anything", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
