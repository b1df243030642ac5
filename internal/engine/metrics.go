package engine

import (
	"time"

	"github.com/flowgrid/flowgrid/internal/platform/metrics"
)

// observeMetrics feeds the Prometheus collectors from the event bus, so the
// scheduler itself stays free of instrumentation. Durations are derived from
// the started/finished event pairs.
func (e *Engine) observeMetrics(m *metrics.Metrics) {
	if m == nil {
		return
	}
	ch, _ := e.events.Subscribe(256)

	go func() {
		execStart := make(map[int64]time.Time)
		nodeStart := make(map[nodeKey]time.Time)

		for evt := range ch {
			pool := e.pool.Metrics()
			m.WorkersActive.Set(float64(pool.ActiveTasks))
			m.QueueDepth.Set(float64(pool.SubmittedTasks - pool.CompletedTasks - pool.ActiveTasks))

			switch evt.Type {
			case EventExecutionStarted:
				execStart[evt.ExecutionID] = evt.Timestamp
				m.ExecutionsRunning.Inc()

			case EventExecutionFinished, EventExecutionCancelled:
				m.ExecutionsRunning.Dec()
				m.ExecutionsTotal.WithLabelValues(evt.TriggerType, string(evt.Status)).Inc()
				if start, ok := execStart[evt.ExecutionID]; ok {
					m.ExecutionDuration.Observe(evt.Timestamp.Sub(start).Seconds())
					delete(execStart, evt.ExecutionID)
				}

			case EventNodeStarted:
				nodeStart[nodeKey{evt.ExecutionID, evt.NodeID}] = evt.Timestamp

			case EventNodeSucceeded, EventNodeFailed:
				m.NodeExecutionsTotal.WithLabelValues(evt.NodeType, string(evt.Status)).Inc()
				key := nodeKey{evt.ExecutionID, evt.NodeID}
				if start, ok := nodeStart[key]; ok {
					m.NodeDuration.WithLabelValues(evt.NodeType).Observe(evt.Timestamp.Sub(start).Seconds())
					delete(nodeStart, key)
				}
			}
		}
	}()
}

type nodeKey struct {
	executionID int64
	nodeID      string
}
