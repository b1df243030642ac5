package nodes

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// maxLoopIterations bounds a single loop node's batches so an unbounded
// items reference cannot spin an execution forever.
const maxLoopIterations = 10000

// LoopNode iterates items through the subgraph wired to its body handle.
type LoopNode struct{}

// NewLoopNode creates a new loop node
func NewLoopNode() *LoopNode {
	return &LoopNode{}
}

// Type returns the node type
func (n *LoopNode) Type() string {
	return "loop"
}

// Metadata returns node metadata
func (n *LoopNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "loop",
		Name:        "Loop",
		Description: "Run the body subgraph once per item or batch",
		Category:    "core",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleBody, Description: "Body subgraph entry, one run per batch"},
			{Name: model.HandleMain, Description: "Ordered body outputs at results"},
		},
		Blocking: true,
	}
}

// Execute runs the body once per batch. Batches keep item order in the
// aggregated results even when run concurrently.
func (n *LoopNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	itemsRaw, present := in.Parameters["items"]
	if !present || itemsRaw == nil {
		return runtime.MainOutput(map[string]interface{}{"results": []interface{}{}}), nil
	}
	items, ok := itemsRaw.([]interface{})
	if !ok {
		return nil, runtime.ConfigError(fmt.Sprintf("items must be a list, got %T", itemsRaw), nil)
	}

	batchSize := runtime.IntParam(in.Parameters, "batchSize", 1)
	if batchSize < 1 {
		batchSize = 1
	}
	concurrent := runtime.BoolParam(in.Parameters, "parallel", false)

	batches := splitBatches(items, batchSize)
	if len(batches) > maxLoopIterations {
		return nil, runtime.ConfigError(
			fmt.Sprintf("loop would run %d iterations, cap is %d", len(batches), maxLoopIterations), nil)
	}

	results := make([]interface{}, len(batches))
	if concurrent {
		var wg sync.WaitGroup
		errs := make([]error, len(batches))
		for i, batch := range batches {
			wg.Add(1)
			go func(i int, batch []interface{}) {
				defer wg.Done()
				out, err := in.Context.RunHandle(ctx, in.Node.ID, model.HandleBody, n.bodyInput(batch, batchSize, i))
				results[i], errs[i] = out, err
			}(i, batch)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
	} else {
		for i, batch := range batches {
			select {
			case <-ctx.Done():
				return nil, runtime.CancelledError("loop cancelled")
			case <-in.Context.Cancelled():
				return nil, runtime.CancelledError("loop cancelled")
			default:
			}
			out, err := in.Context.RunHandle(ctx, in.Node.ID, model.HandleBody, n.bodyInput(batch, batchSize, i))
			if err != nil {
				return nil, err
			}
			results[i] = out
		}
	}

	return runtime.MainOutput(map[string]interface{}{"results": results}), nil
}

// bodyInput shapes what one body run sees: the single item for unit batches,
// the batch slice otherwise, always with the batch index.
func (n *LoopNode) bodyInput(batch []interface{}, batchSize, index int) map[string]interface{} {
	if batchSize == 1 {
		return map[string]interface{}{"item": batch[0], "index": index}
	}
	return map[string]interface{}{"items": batch, "index": index}
}

func splitBatches(items []interface{}, size int) [][]interface{} {
	var batches [][]interface{}
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}

func init() {
	runtime.Register(NewLoopNode())
}
