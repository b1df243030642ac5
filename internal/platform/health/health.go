// Package health exposes liveness and readiness probes for the engine
// service. Readiness runs the registered backend checks (execution store,
// workflow store, broker) and reports them alongside a host snapshot.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status of the service or one of its checks.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Checker probes one dependency. A nil return means healthy.
type Checker func(ctx context.Context) error

// Check is the outcome of a single dependency probe.
type Check struct {
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Response is the readiness document: overall status, per-check outcomes,
// and a best-effort host snapshot.
type Response struct {
	Status        Status                 `json:"status"`
	Service       string                 `json:"service"`
	Version       string                 `json:"version,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	UptimeSeconds int64                  `json:"uptimeSeconds"`
	Checks        map[string]Check       `json:"checks,omitempty"`
	System        map[string]interface{} `json:"system,omitempty"`
}

// Handler holds the check registry for one service instance.
type Handler struct {
	service   string
	version   string
	startedAt time.Time

	mu     sync.RWMutex
	checks map[string]Checker
}

func NewHandler(service, version string) *Handler {
	return &Handler{
		service:   service,
		version:   version,
		startedAt: time.Now(),
		checks:    make(map[string]Checker),
	}
}

// AddCheck registers a named dependency probe. Re-registering a name
// replaces the previous checker.
func (h *Handler) AddCheck(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
}

// Check runs every registered probe concurrently and aggregates the result.
// Any failing probe marks the whole response unhealthy.
func (h *Handler) Check(ctx context.Context) *Response {
	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	resp := &Response{
		Status:        StatusHealthy,
		Service:       h.service,
		Version:       h.version,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Checks:        make(map[string]Check, len(checks)),
		System:        hostSnapshot(),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, checker := range checks {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			start := time.Now()
			err := checker(ctx)

			outcome := Check{Status: StatusHealthy, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				outcome.Status = StatusUnhealthy
				outcome.Error = err.Error()
			}

			mu.Lock()
			resp.Checks[name] = outcome
			if outcome.Status == StatusUnhealthy {
				resp.Status = StatusUnhealthy
			}
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	return resp
}

// LivenessHandler answers that the process is up. It never touches
// dependencies, so a wedged backend cannot get the pod restarted.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive", "service": h.service})
	}
}

// ReadinessHandler runs the dependency checks with a bounded deadline and
// returns 503 when any of them fails.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp := h.Check(ctx)

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == StatusHealthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// hostSnapshot mirrors the debug bundle's system section. Probe failures
// leave fields absent rather than failing the response.
func hostSnapshot() map[string]interface{} {
	snap := map[string]interface{}{
		"goVersion":  goruntime.Version(),
		"goroutines": goruntime.NumGoroutine(),
		"numCpu":     goruntime.NumCPU(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap["memoryUsedPercent"] = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap["cpuPercent"] = percents[0]
	}
	return snap
}
