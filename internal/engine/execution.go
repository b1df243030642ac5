// Package engine drives workflow executions: it validates graphs, schedules
// ready nodes onto a worker pool, coordinates fan-in barriers, and records
// everything through an execution store.
package engine

import "time"

func nowUTC() time.Time {
	return time.Now().UTC()
}

// Status of an execution or of a single node run.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// NodeExecution is one node run. Retried nodes and merge arrivals produce one
// entry per run, so the list reads as a chronological trace.
type NodeExecution struct {
	NodeID     string                 `json:"nodeId"`
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Status     Status                 `json:"status"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt time.Time              `json:"finishedAt"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Duration of the node run.
func (n NodeExecution) Duration() time.Duration {
	return n.FinishedAt.Sub(n.StartedAt)
}

// Execution is the record of one workflow run. The scheduler is its only
// writer; once the status turns terminal the record never changes again.
type Execution struct {
	ID             int64                  `json:"id"`
	WorkflowID     string                 `json:"workflowId"`
	WorkflowName   string                 `json:"workflowName,omitempty"`
	Status         Status                 `json:"status"`
	TriggerType    string                 `json:"triggerType"`
	StartedAt      time.Time              `json:"startedAt"`
	FinishedAt     *time.Time             `json:"finishedAt,omitempty"`
	InputData      map[string]interface{} `json:"inputData,omitempty"`
	OutputData     map[string]interface{} `json:"outputData,omitempty"`
	ErrorMessage   string                 `json:"errorMessage,omitempty"`
	NodeExecutions []NodeExecution        `json:"nodeExecutions"`
}

// clone returns a copy that is safe to hand out while the scheduler keeps
// appending node executions. Payload maps are shared; they are immutable once
// recorded.
func (e *Execution) clone() *Execution {
	c := *e
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		c.FinishedAt = &t
	}
	c.NodeExecutions = make([]NodeExecution, len(e.NodeExecutions))
	copy(c.NodeExecutions, e.NodeExecutions)
	return &c
}

// NodeRuns returns the node execution entries for one node, in order.
func (e *Execution) NodeRuns(nodeID string) []NodeExecution {
	var runs []NodeExecution
	for _, n := range e.NodeExecutions {
		if n.NodeID == nodeID {
			runs = append(runs, n)
		}
	}
	return runs
}
