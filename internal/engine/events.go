package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType labels an execution lifecycle event.
type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionFinished  EventType = "execution.finished"
	EventExecutionCancelled EventType = "execution.cancelled"
	EventNodeStarted        EventType = "node.started"
	EventNodeSucceeded      EventType = "node.succeeded"
	EventNodeFailed         EventType = "node.failed"
)

// Event is one execution lifecycle notification. Events fan out to the
// websocket hub, the Kafka sink, and the dev-mode inspector.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	ExecutionID int64                  `json:"executionId"`
	WorkflowID  string                 `json:"workflowId"`
	NodeID      string                 `json:"nodeId,omitempty"`
	NodeType    string                 `json:"nodeType,omitempty"`
	TriggerType string                 `json:"triggerType,omitempty"`
	Status      Status                 `json:"status,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Events is an in-process fan-out bus. Emit never blocks; a subscriber that
// cannot keep up loses events rather than stalling the scheduler.
type Events struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewEvents creates an empty event bus.
func NewEvents() *Events {
	return &Events{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener with the given channel buffer and returns
// the channel plus an unsubscribe function. The channel is closed on
// unsubscribe.
func (e *Events) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
		e.mu.Unlock()
	}
}

// Emit delivers an event to every subscriber, dropping it for slow ones.
func (e *Events) Emit(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = nowUTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
