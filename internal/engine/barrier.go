package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
)

// mergeBarrier is the rendezvous for branches arriving at one merge node.
// One barrier exists per (execution, node); the first arriving branch creates
// it, later branches attach. Internally one mutex plus a release channel
// cover all arrival bookkeeping.
type mergeBarrier struct {
	spec     runtime.BarrierSpec
	cancelCh <-chan struct{}

	mu        sync.Mutex
	arrivals  []map[string]interface{}
	released  bool
	releaseCh chan struct{}
	timedOut  bool
	cancelled bool
	timer     *time.Timer
}

func newMergeBarrier(spec runtime.BarrierSpec, cancelCh <-chan struct{}) *mergeBarrier {
	if spec.InputCount < 1 {
		spec.InputCount = 1
	}
	if spec.Mode == "" {
		spec.Mode = runtime.MergeWaitAll
	}
	if spec.OutputKey == "" {
		spec.OutputKey = "merged"
	}
	return &mergeBarrier{
		spec:      spec,
		cancelCh:  cancelCh,
		releaseCh: make(chan struct{}),
	}
}

// Arrive attaches one branch's payload and blocks according to the mode.
// Exclusive barriers (waitForAll=false) never block: the first branch wins
// and later branches are told to stop. In waiting modes the caller blocks
// until inputCount branches arrived, the timeout fired, or the execution was
// cancelled; arrivals past inputCount are ignored.
func (b *mergeBarrier) Arrive(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	if !b.spec.WaitForAll {
		return b.arriveExclusive(payload)
	}

	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return b.stopOutput(), nil
	}
	b.arrivals = append(b.arrivals, payload)
	seq := len(b.arrivals)

	if b.spec.Mode == runtime.MergeWaitAny {
		out := b.waitAnyOutput(payload, seq)
		if seq >= b.spec.InputCount {
			b.releaseLocked()
		}
		b.mu.Unlock()
		return out, nil
	}

	if seq >= b.spec.InputCount {
		b.releaseLocked()
		out, err := b.callerOutput(seq)
		b.mu.Unlock()
		return out, err
	}

	if seq == 1 && b.spec.Timeout > 0 {
		b.timer = time.AfterFunc(b.spec.Timeout, b.expire)
	}
	b.mu.Unlock()

	select {
	case <-b.releaseCh:
	case <-b.cancelCh:
		b.cancel()
	case <-ctx.Done():
		b.cancel()
	}

	b.mu.Lock()
	out, err := b.callerOutput(seq)
	b.mu.Unlock()
	return out, err
}

func (b *mergeBarrier) arriveExclusive(payload map[string]interface{}) (map[string]interface{}, error) {
	b.mu.Lock()
	b.arrivals = append(b.arrivals, payload)
	first := len(b.arrivals) == 1
	if first {
		b.releaseLocked()
	}
	b.mu.Unlock()

	if !first {
		return b.stopOutput(), nil
	}
	out := runtime.CopyPayload(payload)
	out[runtime.KeyMergeMode] = b.spec.Mode
	out[runtime.KeyExclusive] = true
	out[runtime.KeyInputsReceived] = 1
	return out, nil
}

// expire fires on the timeout timer.
func (b *mergeBarrier) expire() {
	b.mu.Lock()
	if !b.released {
		b.timedOut = true
		b.releaseLocked()
	}
	b.mu.Unlock()
}

// cancel releases every waiter with the cancellation marker set.
func (b *mergeBarrier) cancel() {
	b.mu.Lock()
	if !b.released {
		b.cancelled = true
		b.releaseLocked()
	}
	b.mu.Unlock()
}

// releaseLocked opens the barrier. Caller holds the lock.
func (b *mergeBarrier) releaseLocked() {
	if b.released {
		return
	}
	b.released = true
	if b.timer != nil {
		b.timer.Stop()
	}
	close(b.releaseCh)
}

// callerOutput builds one blocked caller's result after release. Caller
// holds the lock.
func (b *mergeBarrier) callerOutput(seq int) (map[string]interface{}, error) {
	out := b.combinedOutput(seq)
	received := len(b.arrivals)

	switch {
	case b.cancelled:
		out[runtime.KeyCancelled] = true
		return out, runtime.CancelledError("execution cancelled while waiting at merge barrier")
	case b.timedOut:
		out[runtime.KeyTimedOut] = true
		return out, runtime.TimeoutError(fmt.Sprintf(
			"merge barrier timed out after %s with %d of %d inputs",
			b.spec.Timeout, received, b.spec.InputCount,
		), nil)
	default:
		return out, nil
	}
}

// combinedOutput shapes the released payload for the given arrival. Caller
// holds the lock.
func (b *mergeBarrier) combinedOutput(seq int) map[string]interface{} {
	received := len(b.arrivals)
	out := make(map[string]interface{})

	switch b.spec.Mode {
	case runtime.MergeAppend, runtime.MergeWaitAll:
		payloads := make([]interface{}, 0, received)
		for _, p := range b.arrivals {
			payloads = append(payloads, p)
		}
		out[b.spec.OutputKey] = payloads
	case runtime.MergeDeep:
		merged := make(map[string]interface{})
		for _, p := range b.arrivals {
			deepMerge(merged, p)
		}
		out[b.spec.OutputKey] = merged
	case runtime.MergePassThrough:
		if seq != 1 {
			return b.stopOutput()
		}
		for _, p := range b.arrivals {
			for k, v := range p {
				out[k] = v
			}
		}
	default:
		out[b.spec.OutputKey] = b.arrivals
	}

	out[runtime.KeyMergeMode] = b.spec.Mode
	out[runtime.KeyInputsReceived] = received
	return out
}

// waitAnyOutput shapes one waitAny arrival: nobody blocks, everyone carries
// their own payload, and every arrival after the first is pruned downstream.
func (b *mergeBarrier) waitAnyOutput(payload map[string]interface{}, seq int) map[string]interface{} {
	out := map[string]interface{}{
		b.spec.OutputKey:          payload,
		runtime.KeyMergeMode:      b.spec.Mode,
		runtime.KeyInputsReceived: seq,
	}
	if seq > 1 {
		out[runtime.KeyStopExecution] = true
	}
	return out
}

func (b *mergeBarrier) stopOutput() map[string]interface{} {
	return map[string]interface{}{
		runtime.KeyStopExecution: true,
		runtime.KeyMergeMode:     b.spec.Mode,
	}
}

// deepMerge overlays src onto dst recursively; later values win at leaves.
func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		if sub, ok := v.(map[string]interface{}); ok {
			if existing, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(existing, sub)
				continue
			}
			branch := make(map[string]interface{})
			deepMerge(branch, sub)
			dst[k] = branch
			continue
		}
		dst[k] = v
	}
}
