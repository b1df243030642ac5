package engine

import (
	"context"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/flowgrid/flowgrid/internal/platform/logger"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// inspectorSessionCap bounds retained sessions; the oldest are dropped first.
const inspectorSessionCap = 100

// NodeTiming is one node run's timing as recorded by the inspector.
type NodeTiming struct {
	NodeID       string    `json:"nodeId"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	DurationMs   int64     `json:"durationMs"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// InspectorEvent is one entry of an execution's event log.
type InspectorEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	NodeID    string                 `json:"nodeId,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// HTTPLog records one outbound HTTP call made by a node.
type HTTPLog struct {
	Timestamp  time.Time `json:"timestamp"`
	NodeID     string    `json:"nodeId"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	StatusCode int       `json:"statusCode"`
	DurationMs int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
}

// DebugBundle is the post-mortem snapshot exported for one execution.
type DebugBundle struct {
	ExecutionID int64                  `json:"executionId"`
	ExportedAt  time.Time              `json:"exportedAt"`
	Workflow    *model.Workflow        `json:"workflow,omitempty"`
	Execution   *Execution             `json:"execution,omitempty"`
	Events      []InspectorEvent       `json:"events"`
	Timings     []NodeTiming           `json:"timings"`
	HTTPLogs    []HTTPLog              `json:"httpLogs"`
	System      map[string]interface{} `json:"system"`
}

type inspectorSession struct {
	mu       sync.Mutex
	events   []InspectorEvent
	timings  []NodeTiming
	httpLogs []HTTPLog
}

// Inspector collects per-execution diagnostics when dev mode is enabled.
// Disabled, every method is a cheap no-op, so the scheduler calls it
// unconditionally.
type Inspector struct {
	enabled bool

	mu       sync.Mutex
	sessions map[int64]*inspectorSession
	order    []int64
}

// NewInspector creates an inspector; enabled follows the engine's dev mode.
func NewInspector(enabled bool) *Inspector {
	return &Inspector{
		enabled:  enabled,
		sessions: make(map[int64]*inspectorSession),
	}
}

// Enabled reports whether dev mode diagnostics are collected.
func (i *Inspector) Enabled() bool {
	return i.enabled
}

// openSession starts collecting for an execution.
func (i *Inspector) openSession(executionID int64) {
	if !i.enabled {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.sessions[executionID]; ok {
		return
	}
	i.sessions[executionID] = &inspectorSession{}
	i.order = append(i.order, executionID)
	for len(i.order) > inspectorSessionCap {
		delete(i.sessions, i.order[0])
		i.order = i.order[1:]
	}
}

func (i *Inspector) session(executionID int64) *inspectorSession {
	if !i.enabled {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessions[executionID]
}

// Log appends one event to the execution's event log.
func (i *Inspector) Log(executionID int64, level, nodeID, msg string, data map[string]interface{}) {
	s := i.session(executionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, InspectorEvent{
		Timestamp: nowUTC(),
		Level:     level,
		NodeID:    nodeID,
		Message:   msg,
		Data:      data,
	})
}

// RecordTiming appends one node run's timing.
func (i *Inspector) RecordTiming(executionID int64, t NodeTiming) {
	s := i.session(executionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timings = append(s.timings, t)
}

// RecordHTTP appends one outbound HTTP call.
func (i *Inspector) RecordHTTP(executionID int64, entry HTTPLog) {
	s := i.session(executionID)
	if s == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = nowUTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpLogs = append(s.httpLogs, entry)
}

// Events returns a copy of the execution's event log.
func (i *Inspector) Events(executionID int64) []InspectorEvent {
	s := i.session(executionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InspectorEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Timings returns a copy of the execution's node timings.
func (i *Inspector) Timings(executionID int64) []NodeTiming {
	s := i.session(executionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NodeTiming, len(s.timings))
	copy(out, s.timings)
	return out
}

// Bundle assembles the debug bundle for one execution. Workflow settings are
// redacted; sensitive values never leave the process in a bundle.
func (i *Inspector) Bundle(executionID int64, wf *model.Workflow, exec *Execution) *DebugBundle {
	b := &DebugBundle{
		ExecutionID: executionID,
		ExportedAt:  nowUTC(),
		Execution:   exec,
		System:      systemSnapshot(),
	}
	if wf != nil {
		b.Workflow = redactWorkflow(wf)
	}

	s := i.session(executionID)
	if s != nil {
		s.mu.Lock()
		b.Events = append([]InspectorEvent(nil), s.events...)
		b.Timings = append([]NodeTiming(nil), s.timings...)
		b.HTTPLogs = append([]HTTPLog(nil), s.httpLogs...)
		s.mu.Unlock()
	}
	if b.Events == nil {
		b.Events = []InspectorEvent{}
	}
	if b.Timings == nil {
		b.Timings = []NodeTiming{}
	}
	if b.HTTPLogs == nil {
		b.HTTPLogs = []HTTPLog{}
	}
	return b
}

// wrap mirrors a logger's output into the execution's event log so executor
// log lines land in the bundle. Outside dev mode the logger passes through
// untouched.
func (i *Inspector) wrap(log logger.Logger, executionID int64) logger.Logger {
	if !i.enabled {
		return log
	}
	return &inspectLogger{log: log, inspector: i, executionID: executionID}
}

type inspectLogger struct {
	log         logger.Logger
	inspector   *Inspector
	executionID int64
}

func (l *inspectLogger) mirror(level, msg string, fields []interface{}) {
	nodeID := ""
	data := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if key == "node_id" || key == "nodeId" {
			if id, ok := fields[i+1].(string); ok {
				nodeID = id
				continue
			}
		}
		data[key] = fields[i+1]
	}
	if len(data) == 0 {
		data = nil
	}
	l.inspector.Log(l.executionID, level, nodeID, msg, data)
}

func (l *inspectLogger) Debug(msg string, fields ...interface{}) {
	l.log.Debug(msg, fields...)
}

func (l *inspectLogger) Info(msg string, fields ...interface{}) {
	l.mirror("INFO", msg, fields)
	l.log.Info(msg, fields...)
}

func (l *inspectLogger) Warn(msg string, fields ...interface{}) {
	l.mirror("WARN", msg, fields)
	l.log.Warn(msg, fields...)
}

func (l *inspectLogger) Error(msg string, fields ...interface{}) {
	l.mirror("ERROR", msg, fields)
	l.log.Error(msg, fields...)
}

func (l *inspectLogger) Fatal(msg string, fields ...interface{}) {
	l.log.Fatal(msg, fields...)
}

func (l *inspectLogger) WithFields(fields map[string]interface{}) logger.Logger {
	return &inspectLogger{
		log:         l.log.WithFields(fields),
		inspector:   l.inspector,
		executionID: l.executionID,
	}
}

func (l *inspectLogger) WithContext(ctx context.Context) logger.Logger {
	return &inspectLogger{
		log:         l.log.WithContext(ctx),
		inspector:   l.inspector,
		executionID: l.executionID,
	}
}

// redactWorkflow copies the workflow with sensitive settings blanked.
func redactWorkflow(wf *model.Workflow) *model.Workflow {
	c := *wf
	if wf.Settings != nil {
		c.Settings = make(model.Settings, len(wf.Settings))
		for k, v := range wf.Settings {
			if sensitiveKey(k) {
				c.Settings[k] = "[redacted]"
				continue
			}
			c.Settings[k] = v
		}
	}
	return &c
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range []string{"secret", "password", "token", "credential", "apikey", "api_key"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// systemSnapshot captures host state for the bundle. Probe failures leave
// fields absent rather than failing the export.
func systemSnapshot() map[string]interface{} {
	snap := map[string]interface{}{
		"goVersion":  goruntime.Version(),
		"goroutines": goruntime.NumGoroutine(),
		"numCpu":     goruntime.NumCPU(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap["memoryUsedPercent"] = vm.UsedPercent
		snap["memoryTotal"] = vm.Total
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap["cpuPercent"] = percents[0]
	}
	if info, err := host.Info(); err == nil {
		snap["os"] = info.OS
		snap["platform"] = info.Platform
		snap["uptimeSeconds"] = info.Uptime
	}
	return snap
}
