// Package runtime defines the node execution contract: the Executor
// interface, the context handed to executors, and the registry mapping node
// types to implementations.
package runtime

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowgrid/flowgrid/internal/platform/logger"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// Executor runs one node type. Implementations must be safe for concurrent
// use; one instance serves every node of its type across executions.
type Executor interface {
	// Type returns the node type identifier ("if", "merge", "httpRequest", ...).
	Type() string

	// Metadata describes the node type for discovery APIs.
	Metadata() Metadata

	// Execute runs the node. Input payloads are composed by the scheduler;
	// Parameters holds the resolved parameter tree while Node.Parameters
	// stays raw for executors that evaluate conditions themselves.
	Execute(ctx context.Context, in *ExecutionInput) (*ExecutionOutput, error)
}

// ExecutionInput is everything an executor sees for one node run.
type ExecutionInput struct {
	Node       model.Node
	Parameters map[string]interface{}
	Input      map[string]interface{}
	Context    Context
}

// ExecutionOutput is the result of one node run. Data is published on the
// "main" handle unless Handles is set, in which case each entry is published
// on its own handle (how if/switch activate a single branch).
type ExecutionOutput struct {
	Data    map[string]interface{}
	Handles map[string]map[string]interface{}
}

// MainOutput wraps a payload as a plain single-handle output.
func MainOutput(data map[string]interface{}) *ExecutionOutput {
	return &ExecutionOutput{Data: data}
}

// HandleOutput publishes a payload on one named handle.
func HandleOutput(handle string, data map[string]interface{}) *ExecutionOutput {
	return &ExecutionOutput{Handles: map[string]map[string]interface{}{handle: data}}
}

// Merge modes accepted by the fan-in barrier.
const (
	MergeWaitAll     = "waitAll"
	MergeWaitAny     = "waitAny"
	MergeAppend      = "append"
	MergeDeep        = "merge"
	MergePassThrough = "passThrough"
)

// Reserved output keys. The scheduler consumes these; user executors must
// not produce them.
const (
	KeyMergeMode      = "_mergeMode"
	KeyInputsReceived = "_inputsReceived"
	KeyStopExecution  = "_stopExecution"
	KeyExclusive      = "_exclusive"
	KeyTimedOut       = "_timedOut"
	KeyCancelled      = "_cancelled"
	KeyBranchCount    = "_branchCount"
)

// BarrierSpec configures a fan-in barrier. Every branch arriving at the same
// merge node must carry an identical spec.
type BarrierSpec struct {
	InputCount int
	Mode       string
	Timeout    time.Duration
	OutputKey  string
	WaitForAll bool
}

// Barrier is the rendezvous point for branches arriving at a merge node.
// Arrive blocks according to the spec's mode and returns the caller's output
// payload. A timeout returns a TIMEOUT NodeError alongside the partial
// payload.
type Barrier interface {
	Arrive(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)
}

// Context is the execution-scoped surface executors work against. All
// methods are safe for concurrent use.
type Context interface {
	// ExecutionID is the monotonic id of the running execution.
	ExecutionID() int64

	// Workflow returns the graph being executed. Read-only.
	Workflow() *model.Workflow

	// InitialInput returns the trigger payload. Read-only.
	InitialInput() map[string]interface{}

	// Var and SetVar access workflow-level variables ($vars).
	Var(name string) (interface{}, bool)
	SetVar(name string, value interface{})

	// NodeOutput returns a previously recorded node output.
	NodeOutput(nodeID string) (map[string]interface{}, bool)

	// Resolve replaces templates and references in a parameter tree against
	// the given input payload.
	Resolve(params map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error)

	// EvaluateCondition evaluates a condition expression against the given
	// input payload. Empty expressions are falsy; only syntax errors fail.
	EvaluateCondition(expr string, input map[string]interface{}) (bool, error)

	// Barrier returns the fan-in barrier for a merge node, creating it on
	// first use. Returns an error when a later arrival carries a spec that
	// diverges from the one the barrier was created with.
	Barrier(nodeID string, spec BarrierSpec) (Barrier, error)

	// RateLimiter returns the token bucket for a rateLimit node, creating
	// it on first use. The limiter is shared across dispatches of that node
	// within the execution.
	RateLimiter(nodeID string, rps float64, burst int) *rate.Limiter

	// RunHandle executes the subgraph wired to one of a structural node's
	// container handles (loop body, try/catch, retry task) and returns the
	// merged leaf output.
	RunHandle(ctx context.Context, nodeID, handle string, input map[string]interface{}) (map[string]interface{}, error)

	// RunSubgraph executes an inline subgraph within the current execution.
	RunSubgraph(ctx context.Context, sg model.Subgraph, input map[string]interface{}) (map[string]interface{}, error)

	// Cancelled is closed when the execution is cancelled.
	Cancelled() <-chan struct{}

	// Logger is the execution-scoped structured logger.
	Logger() logger.Logger
}

// Metadata describes a node type for the discovery API.
type Metadata struct {
	Type        string
	Name        string
	Description string
	Category    string
	Inputs      []Port
	Outputs     []Port
	IsTrigger   bool

	// Blocking marks executors that spend their time waiting: on barriers,
	// subgraphs, sleeps, or rate-limit tokens. The scheduler runs them off
	// the bounded worker pool so they cannot starve it, and the default node
	// timeout does not apply to them.
	Blocking bool
}

// Port names an input or output handle.
type Port struct {
	Name        string
	Description string
}
