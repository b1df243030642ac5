package nodes

import (
	"context"
	"time"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// RetryNode re-runs its task subgraph on retryable failures.
type RetryNode struct{}

// NewRetryNode creates a new retry node
func NewRetryNode() *RetryNode {
	return &RetryNode{}
}

// Type returns the node type
func (n *RetryNode) Type() string {
	return "retry"
}

// Metadata returns node metadata
func (n *RetryNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "retry",
		Name:        "Retry",
		Description: "Re-run the task subgraph with backoff until it succeeds",
		Category:    "core",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleTask, Description: "Task subgraph entry"},
			{Name: model.HandleMain, Description: "Output of the successful attempt"},
		},
		Blocking: true,
	}
}

// Execute runs the task up to maxAttempts times. Only TRANSIENT and TIMEOUT
// failures are retried; the retryOn predicate, when set, can stop earlier
// by evaluating false against {error: {kind, message}}.
func (n *RetryNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	maxAttempts := runtime.IntParam(in.Parameters, "maxAttempts", 3)
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := runtime.Backoff{
		Strategy: runtime.StringParam(in.Parameters, "backoff", runtime.BackoffFixed),
		Initial:  time.Duration(runtime.IntParam(in.Parameters, "initialDelayMs", 1000)) * time.Millisecond,
		Max:      time.Duration(runtime.IntParam(in.Parameters, "maxDelayMs", 30000)) * time.Millisecond,
	}
	predicate := runtime.StringParam(in.Node.Parameters, "retryOn", "")

	var lastErr *runtime.NodeError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := in.Context.RunHandle(ctx, in.Node.ID, model.HandleTask, runtime.CopyPayload(in.Input))
		if err == nil {
			return runtime.MainOutput(out), nil
		}

		ne := runtime.Classify(err)
		lastErr = ne
		if ne.Kind == runtime.ErrCancelled || !ne.Retryable() {
			return nil, ne
		}
		if predicate != "" && !n.wantsRetry(in, predicate, ne) {
			return nil, ne
		}

		in.Context.Logger().Warn("task attempt failed",
			"node_id", in.Node.ID, "attempt", attempt, "kind", string(ne.Kind), "error", ne.Message)

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, runtime.CancelledError("retry cancelled")
			case <-in.Context.Cancelled():
				return nil, runtime.CancelledError("retry cancelled")
			case <-time.After(backoff.Delay(attempt)):
			}
		}
	}

	return nil, lastErr
}

// wantsRetry evaluates the retryOn predicate against the raised error. An
// unparseable predicate stops retrying, mirroring how conditions fail closed.
func (n *RetryNode) wantsRetry(in *runtime.ExecutionInput, predicate string, ne *runtime.NodeError) bool {
	errInput := map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    string(ne.Kind),
			"message": ne.Message,
		},
	}
	keep, err := in.Context.EvaluateCondition(predicate, errInput)
	if err != nil {
		in.Context.Logger().Warn("retryOn predicate failed",
			"node_id", in.Node.ID, "error", err)
		return false
	}
	return keep
}

func init() {
	runtime.Register(NewRetryNode())
}
