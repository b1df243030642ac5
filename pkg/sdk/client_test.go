package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeAPI(t *testing.T, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, h := range routes {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := newFakeAPI(t, map[string]http.HandlerFunc{
		"/api/v1/workflows": func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(WorkflowList{})
		},
	})

	c := NewClient(srv.URL, WithToken("tok-123"))
	_, err := c.Workflows.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestWorkflowListOptions(t *testing.T) {
	srv := newFakeAPI(t, map[string]http.HandlerFunc{
		"/api/v1/workflows": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "true", r.URL.Query().Get("active"))
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			json.NewEncoder(w).Encode(WorkflowList{
				Workflows: []Workflow{{ID: "wf-1", Name: "One", Active: true}},
				Count:     1,
			})
		},
	})

	active := true
	list, err := NewClient(srv.URL).Workflows.List(context.Background(), &ListOptions{Active: &active, Limit: 5})
	require.NoError(t, err)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "wf-1", list.Workflows[0].ID)
}

func TestRunWaitsForExecution(t *testing.T) {
	srv := newFakeAPI(t, map[string]http.HandlerFunc{
		"/api/v1/workflows/wf-1/run": func(w http.ResponseWriter, r *http.Request) {
			var req RunRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.True(t, req.Wait)
			json.NewEncoder(w).Encode(Execution{ID: 7, WorkflowID: "wf-1", Status: "SUCCESS"})
		},
	})

	exec, err := NewClient(srv.URL).Workflows.Run(context.Background(), "wf-1",
		&RunRequest{Input: map[string]interface{}{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, int64(7), exec.ID)
	assert.Equal(t, "SUCCESS", exec.Status)
}

func TestRunAsyncReturnsExecutionID(t *testing.T) {
	srv := newFakeAPI(t, map[string]http.HandlerFunc{
		"/api/v1/workflows/wf-1/run": func(w http.ResponseWriter, r *http.Request) {
			var req RunRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.False(t, req.Wait)
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(RunAccepted{ExecutionID: 42})
		},
	})

	id, err := NewClient(srv.URL).Workflows.RunAsync(context.Background(), "wf-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestErrorEnvelopeSurfacesStatusAndMessage(t *testing.T) {
	srv := newFakeAPI(t, map[string]http.HandlerFunc{
		"/api/v1/workflows/missing": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "workflow not found"})
		},
	})

	_, err := NewClient(srv.URL).Workflows.Get(context.Background(), "missing")
	require.Error(t, err)

	apiErr, ok := err.(*ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "not found")
}

func TestExecutionCancel(t *testing.T) {
	var called bool
	srv := newFakeAPI(t, map[string]http.HandlerFunc{
		"/api/v1/executions/9/cancel": func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"status": "cancelling"})
		},
	})

	require.NoError(t, NewClient(srv.URL).Executions.Cancel(context.Background(), 9))
	assert.True(t, called)
}
