package sdk

import "time"

// ListOptions filters workflow listings.
type ListOptions struct {
	Active *bool
	Limit  int
}

// Workflow is the API representation of a workflow document. The graph is
// kept as raw maps so the SDK does not chase the engine's model package.
type Workflow struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Active      bool                     `json:"active"`
	Nodes       []map[string]interface{} `json:"nodes"`
	Connections []map[string]interface{} `json:"connections"`
	Settings    map[string]interface{}   `json:"settings,omitempty"`
	CreatedAt   time.Time                `json:"createdAt"`
	UpdatedAt   time.Time                `json:"updatedAt"`
}

// WorkflowList is the envelope of GET /api/v1/workflows.
type WorkflowList struct {
	Workflows []Workflow `json:"workflows"`
	Count     int        `json:"count"`
}

// RunRequest shapes POST /api/v1/workflows/{id}/run.
type RunRequest struct {
	Input          map[string]interface{} `json:"input,omitempty"`
	DryRun         bool                   `json:"dryRun,omitempty"`
	StepMode       bool                   `json:"stepMode,omitempty"`
	TimeoutSeconds int                    `json:"timeoutSeconds,omitempty"`
	Wait           bool                   `json:"wait,omitempty"`
}

// RunAccepted is the async run response.
type RunAccepted struct {
	ExecutionID int64 `json:"executionId"`
}

// NodeExecution is one node run within an execution trace.
type NodeExecution struct {
	NodeID     string                 `json:"nodeId"`
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Status     string                 `json:"status"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt time.Time              `json:"finishedAt"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Execution is the record of one workflow run.
type Execution struct {
	ID             int64                  `json:"id"`
	WorkflowID     string                 `json:"workflowId"`
	WorkflowName   string                 `json:"workflowName,omitempty"`
	Status         string                 `json:"status"`
	TriggerType    string                 `json:"triggerType"`
	StartedAt      time.Time              `json:"startedAt"`
	FinishedAt     *time.Time             `json:"finishedAt,omitempty"`
	InputData      map[string]interface{} `json:"inputData,omitempty"`
	OutputData     map[string]interface{} `json:"outputData,omitempty"`
	ErrorMessage   string                 `json:"errorMessage,omitempty"`
	NodeExecutions []NodeExecution        `json:"nodeExecutions"`
}

// ExecutionList is the envelope of GET /api/v1/executions.
type ExecutionList struct {
	Executions []Execution `json:"executions"`
	Count      int         `json:"count"`
}

// NodeType describes one registered executor.
type NodeType struct {
	Type        string `json:"Type"`
	Name        string `json:"Name"`
	Description string `json:"Description"`
	Category    string `json:"Category"`
	IsTrigger   bool   `json:"IsTrigger"`
}

// NodeTypeList is the envelope of GET /api/v1/node-types.
type NodeTypeList struct {
	NodeTypes []NodeType `json:"nodeTypes"`
	Count     int        `json:"count"`
}

// Credential is a stored credential. Listing returns masked data.
type Credential struct {
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// CredentialList is the envelope of GET /api/v1/credentials.
type CredentialList struct {
	Credentials []Credential `json:"credentials"`
	Count       int          `json:"count"`
}
