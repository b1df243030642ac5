package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAggregatesProbes(t *testing.T) {
	h := NewHandler("engine", "1.0.0")
	h.AddCheck("store", func(ctx context.Context) error { return nil })
	h.AddCheck("broker", func(ctx context.Context) error { return errors.New("dial tcp: refused") })

	resp := h.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "engine", resp.Service)
	require.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusHealthy, resp.Checks["store"].Status)
	assert.Equal(t, StatusUnhealthy, resp.Checks["broker"].Status)
	assert.Contains(t, resp.Checks["broker"].Error, "refused")

	// Host snapshot rides along with every readiness document.
	assert.Contains(t, resp.System, "goVersion")
	assert.Contains(t, resp.System, "goroutines")
}

func TestCheckHealthyWithoutProbes(t *testing.T) {
	h := NewHandler("engine", "")

	resp := h.Check(context.Background())
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Empty(t, resp.Checks)
}

func TestLivenessIgnoresDependencies(t *testing.T) {
	h := NewHandler("engine", "1.0.0")
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	h.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
}

func TestReadinessReportsFailure(t *testing.T) {
	h := NewHandler("engine", "1.0.0")
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "down", resp.Checks["store"].Error)
}

func TestAddCheckReplaces(t *testing.T) {
	h := NewHandler("engine", "")
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("down") })
	h.AddCheck("store", func(ctx context.Context) error { return nil })

	resp := h.Check(context.Background())
	assert.Equal(t, StatusHealthy, resp.Status)
}
