// Package model defines the workflow graph: nodes, connections, settings,
// and the structural validation the engine runs before executing anything.
package model

import (
	"strings"
	"time"
)

// TriggerType identifies how an execution was started.
type TriggerType string

const (
	TriggerManual   TriggerType = "MANUAL"
	TriggerSchedule TriggerType = "SCHEDULE"
	TriggerWebhook  TriggerType = "WEBHOOK"
	TriggerFile     TriggerType = "FILE"
)

// Handle names used by the core node types. Connections reference handles by
// name; anything a node type does not declare flows over HandleMain.
const (
	HandleMain  = "main"
	HandleTrue  = "true"
	HandleFalse = "false"
	HandleBody  = "body"
	HandleTry   = "try"
	HandleCatch = "catch"
	HandleTask  = "task"
)

// Position is the node's canvas placement. The engine never reads it; it is
// carried so stored workflows survive a round trip.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a single step in a workflow graph.
type Node struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Disabled   bool                   `json:"disabled"`
	Position   Position               `json:"position"`
	Parameters map[string]interface{} `json:"parameters"`
	Notes      string                 `json:"notes"`
}

// IsTrigger reports whether the node can start an execution. Trigger types
// share the "Trigger" suffix (manualTrigger, scheduleTrigger, ...).
func (n Node) IsTrigger() bool {
	return strings.HasSuffix(n.Type, "Trigger")
}

// Connection wires a source node's output handle to a target node's input
// handle.
type Connection struct {
	ID             string `json:"id"`
	SourceNodeID   string `json:"sourceNodeId"`
	SourceHandleID string `json:"sourceHandleId"`
	TargetNodeID   string `json:"targetNodeId"`
	TargetHandleID string `json:"targetHandleId"`
}

// SourceHandle returns the connection's source handle, defaulting to
// HandleMain when unset.
func (c Connection) SourceHandle() string {
	if c.SourceHandleID == "" {
		return HandleMain
	}
	return c.SourceHandleID
}

// TargetHandle returns the connection's target handle, defaulting to
// HandleMain when unset.
func (c Connection) TargetHandle() string {
	if c.TargetHandleID == "" {
		return HandleMain
	}
	return c.TargetHandleID
}

// Settings is the workflow-level settings object. It is schemaless so stored
// workflows round-trip without loss; the engine reads the keys it knows
// through the typed accessors below.
type Settings map[string]interface{}

// TimeoutSeconds returns the workflow execution timeout, or 0 when unset.
func (s Settings) TimeoutSeconds() int {
	return s.intValue("timeoutSeconds")
}

// MaxParallel returns the worker-pool override, or 0 to use the engine
// default.
func (s Settings) MaxParallel() int {
	return s.intValue("maxParallel")
}

func (s Settings) intValue(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Workflow is the executable graph plus its storage metadata.
type Workflow struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	Settings    Settings     `json:"settings"`
	Active      bool         `json:"active"`
	TriggerType TriggerType  `json:"triggerType"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Subgraph is an inline graph fragment, as embedded in a parallel node's
// branches parameter. It has no trigger; execution seeds its entry nodes
// directly.
type Subgraph struct {
	ID          string       `json:"id"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// NodeByID looks up a node by id.
func (w *Workflow) NodeByID(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Triggers returns the workflow's trigger nodes in declaration order.
func (w *Workflow) Triggers() []Node {
	var triggers []Node
	for _, n := range w.Nodes {
		if n.IsTrigger() {
			triggers = append(triggers, n)
		}
	}
	return triggers
}

// Incoming returns the connections targeting a node, in connection order.
// Connection order is load-bearing: input composition overlays payloads in
// this order.
func (w *Workflow) Incoming(nodeID string) []Connection {
	var conns []Connection
	for _, c := range w.Connections {
		if c.TargetNodeID == nodeID {
			conns = append(conns, c)
		}
	}
	return conns
}

// Outgoing returns the connections leaving a node, in connection order.
func (w *Workflow) Outgoing(nodeID string) []Connection {
	var conns []Connection
	for _, c := range w.Connections {
		if c.SourceNodeID == nodeID {
			conns = append(conns, c)
		}
	}
	return conns
}

// OutgoingFrom returns the connections leaving a node on one handle.
func (w *Workflow) OutgoingFrom(nodeID, handle string) []Connection {
	var conns []Connection
	for _, c := range w.Connections {
		if c.SourceNodeID == nodeID && c.SourceHandle() == handle {
			conns = append(conns, c)
		}
	}
	return conns
}
