package nodes

import (
	"context"
	"fmt"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// RateLimitNode spaces out dispatches through itself with a token bucket.
// Only the worker running this node blocks; the scheduler keeps dispatching
// everything else.
type RateLimitNode struct{}

// NewRateLimitNode creates a new rateLimit node
func NewRateLimitNode() *RateLimitNode {
	return &RateLimitNode{}
}

// Type returns the node type
func (n *RateLimitNode) Type() string {
	return "rateLimit"
}

// Metadata returns node metadata
func (n *RateLimitNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "rateLimit",
		Name:        "Rate Limit",
		Description: "Enforce a minimum spacing between downstream dispatches",
		Category:    "core",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input unchanged, released on schedule"},
		},
		Blocking: true,
	}
}

// Execute waits for a token, then passes the input through unchanged. The
// limiter is shared across all dispatches of this node in the execution, so
// loop iterations flowing through it keep the configured spacing.
func (n *RateLimitNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	rps := runtime.FloatParam(in.Parameters, "rps", 0)
	if rps <= 0 {
		if intervalMs := runtime.FloatParam(in.Parameters, "interval", 0); intervalMs > 0 {
			rps = 1000.0 / intervalMs
		}
	}
	if rps <= 0 {
		return nil, runtime.ConfigError(
			fmt.Sprintf("rateLimit needs rps or interval, got rps=%v interval=%v",
				in.Parameters["rps"], in.Parameters["interval"]), nil)
	}

	limiter := in.Context.RateLimiter(in.Node.ID, rps, 1)
	if err := limiter.Wait(ctx); err != nil {
		return nil, runtime.CancelledError("rate limit wait interrupted")
	}

	return runtime.MainOutput(runtime.CopyPayload(in.Input)), nil
}

func init() {
	runtime.Register(NewRateLimitNode())
}
