package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
)

func arriveAll(t *testing.T, b *mergeBarrier, payloads []map[string]interface{}) []map[string]interface{} {
	t.Helper()
	outs := make([]map[string]interface{}, len(payloads))
	errs := make([]error, len(payloads))

	var wg sync.WaitGroup
	for i, p := range payloads {
		wg.Add(1)
		go func(i int, p map[string]interface{}) {
			defer wg.Done()
			outs[i], errs[i] = b.Arrive(context.Background(), p)
		}(i, p)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "arrival %d", i)
	}
	return outs
}

func TestBarrierWaitAllCollectsEveryPayload(t *testing.T) {
	b := newMergeBarrier(runtime.BarrierSpec{
		InputCount: 3,
		Mode:       runtime.MergeWaitAll,
		WaitForAll: true,
	}, nil)

	outs := arriveAll(t, b, []map[string]interface{}{
		{"n": 1}, {"n": 2}, {"n": 3},
	})

	for _, out := range outs {
		merged, ok := out["merged"].([]interface{})
		require.True(t, ok)
		assert.Len(t, merged, 3)
		assert.Equal(t, runtime.MergeWaitAll, out[runtime.KeyMergeMode])
		assert.Equal(t, 3, out[runtime.KeyInputsReceived])
	}
}

func TestBarrierAppendKeepsArrivalOrder(t *testing.T) {
	b := newMergeBarrier(runtime.BarrierSpec{
		InputCount: 2,
		Mode:       runtime.MergeAppend,
		OutputKey:  "items",
		WaitForAll: true,
	}, nil)

	firstDone := make(chan map[string]interface{}, 1)
	go func() {
		out, err := b.Arrive(context.Background(), map[string]interface{}{"n": 1})
		require.NoError(t, err)
		firstDone <- out
	}()
	// Give the first arrival time to register, so the order is deterministic.
	time.Sleep(20 * time.Millisecond)

	second, err := b.Arrive(context.Background(), map[string]interface{}{"n": 2})
	require.NoError(t, err)

	var first map[string]interface{}
	select {
	case first = <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("first arrival never released")
	}

	for _, out := range []map[string]interface{}{first, second} {
		items, ok := out["items"].([]interface{})
		require.True(t, ok)
		require.Len(t, items, 2)
		assert.Equal(t, map[string]interface{}{"n": 1}, items[0])
		assert.Equal(t, map[string]interface{}{"n": 2}, items[1])
	}
}

func TestBarrierWaitAnyDoesNotBlock(t *testing.T) {
	b := newMergeBarrier(runtime.BarrierSpec{
		InputCount: 2,
		Mode:       runtime.MergeWaitAny,
		OutputKey:  "winner",
		WaitForAll: true,
	}, nil)

	first, err := b.Arrive(context.Background(), map[string]interface{}{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"n": 1}, first["winner"])
	_, stoppedMarker := first[runtime.KeyStopExecution]
	assert.False(t, stoppedMarker)

	second, err := b.Arrive(context.Background(), map[string]interface{}{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, true, second[runtime.KeyStopExecution])
}

func TestBarrierDeepMergeOverlays(t *testing.T) {
	b := newMergeBarrier(runtime.BarrierSpec{
		InputCount: 2,
		Mode:       runtime.MergeDeep,
		OutputKey:  "merged",
		WaitForAll: true,
	}, nil)

	outs := arriveAll(t, b, []map[string]interface{}{
		{"user": map[string]interface{}{"name": "ada"}},
		{"user": map[string]interface{}{"role": "admin"}},
	})

	merged, ok := outs[0]["merged"].(map[string]interface{})
	require.True(t, ok)
	user, ok := merged["user"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ada", user["name"])
	assert.Equal(t, "admin", user["role"])
}

func TestBarrierPassThroughHandsPayloadToFirstArrival(t *testing.T) {
	b := newMergeBarrier(runtime.BarrierSpec{
		InputCount: 2,
		Mode:       runtime.MergePassThrough,
		WaitForAll: true,
	}, nil)

	outs := arriveAll(t, b, []map[string]interface{}{
		{"n": 1}, {"n": 2},
	})

	var winners, stopped int
	for _, out := range outs {
		if v, ok := out[runtime.KeyStopExecution].(bool); ok && v {
			stopped++
			continue
		}
		winners++
		assert.Contains(t, out, "n")
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, stopped)
}

func TestBarrierExclusiveFirstWins(t *testing.T) {
	b := newMergeBarrier(runtime.BarrierSpec{
		InputCount: 2,
		Mode:       runtime.MergePassThrough,
		WaitForAll: false,
	}, nil)

	first, err := b.Arrive(context.Background(), map[string]interface{}{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, first["n"])
	assert.Equal(t, true, first[runtime.KeyExclusive])

	second, err := b.Arrive(context.Background(), map[string]interface{}{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, true, second[runtime.KeyStopExecution])
}

func TestBarrierTimeoutReturnsPartialPayload(t *testing.T) {
	b := newMergeBarrier(runtime.BarrierSpec{
		InputCount: 3,
		Mode:       runtime.MergeWaitAll,
		Timeout:    50 * time.Millisecond,
		WaitForAll: true,
	}, nil)

	out, err := b.Arrive(context.Background(), map[string]interface{}{"n": 1})
	require.Error(t, err)

	ne, ok := runtime.AsNodeError(err)
	require.True(t, ok)
	assert.Equal(t, runtime.ErrTimeout, ne.Kind)

	assert.Equal(t, true, out[runtime.KeyTimedOut])
	partial, ok := out["merged"].([]interface{})
	require.True(t, ok)
	assert.Len(t, partial, 1)
}

func TestBarrierCancellationReleasesWaiters(t *testing.T) {
	cancelCh := make(chan struct{})
	b := newMergeBarrier(runtime.BarrierSpec{
		InputCount: 2,
		Mode:       runtime.MergeWaitAll,
		WaitForAll: true,
	}, cancelCh)

	done := make(chan error, 1)
	go func() {
		_, err := b.Arrive(context.Background(), map[string]interface{}{"n": 1})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(cancelCh)

	select {
	case err := <-done:
		ne, ok := runtime.AsNodeError(err)
		require.True(t, ok)
		assert.Equal(t, runtime.ErrCancelled, ne.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released by cancellation")
	}
}

func TestBarrierLateArrivalIsStopped(t *testing.T) {
	b := newMergeBarrier(runtime.BarrierSpec{
		InputCount: 1,
		Mode:       runtime.MergeWaitAll,
		WaitForAll: true,
	}, nil)

	_, err := b.Arrive(context.Background(), map[string]interface{}{"n": 1})
	require.NoError(t, err)

	late, err := b.Arrive(context.Background(), map[string]interface{}{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, true, late[runtime.KeyStopExecution])
}

func TestBarrierSpecDivergenceRejected(t *testing.T) {
	r := &run{executionID: 1}
	ec := newExecutionContext(r, nil, nil, nil)

	_, err := ec.Barrier("join", runtime.BarrierSpec{InputCount: 2, Mode: runtime.MergeWaitAll, WaitForAll: true})
	require.NoError(t, err)

	_, err = ec.Barrier("join", runtime.BarrierSpec{InputCount: 3, Mode: runtime.MergeWaitAll, WaitForAll: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diverging")
}

func TestDeepMergeFunc(t *testing.T) {
	dst := map[string]interface{}{
		"a": 1,
		"nested": map[string]interface{}{
			"x": "old",
			"y": "keep",
		},
	}
	deepMerge(dst, map[string]interface{}{
		"b": 2,
		"nested": map[string]interface{}{
			"x": "new",
			"z": "add",
		},
	})

	assert.Equal(t, 1, dst["a"])
	assert.Equal(t, 2, dst["b"])
	nested := dst["nested"].(map[string]interface{})
	assert.Equal(t, "new", nested["x"])
	assert.Equal(t, "keep", nested["y"])
	assert.Equal(t, "add", nested["z"])
}
