package model

import "fmt"

// Validate checks the structural invariants a workflow must satisfy before
// it can execute: unique node ids, resolvable connection endpoints, at least
// one trigger, and no cycles except those mediated by a loop node. It is a
// pure function; calling it twice yields the same result.
func Validate(w *Workflow) error {
	var issues []string

	nodeSet := make(map[string]Node, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			issues = append(issues, "node with empty id")
			continue
		}
		if _, dup := nodeSet[n.ID]; dup {
			issues = append(issues, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodeSet[n.ID] = n
	}

	for _, c := range w.Connections {
		if _, ok := nodeSet[c.SourceNodeID]; !ok {
			issues = append(issues, fmt.Sprintf("connection %s: source node %q not found", c.ID, c.SourceNodeID))
		}
		if _, ok := nodeSet[c.TargetNodeID]; !ok {
			issues = append(issues, fmt.Sprintf("connection %s: target node %q not found", c.ID, c.TargetNodeID))
		}
		if c.SourceNodeID != "" && c.SourceNodeID == c.TargetNodeID {
			issues = append(issues, fmt.Sprintf("connection %s: self-loop on node %q", c.ID, c.SourceNodeID))
		}
	}

	if len(w.Triggers()) == 0 {
		issues = append(issues, "workflow has no trigger node")
	}

	if cycle := findCycle(w, nodeSet); cycle != "" {
		issues = append(issues, fmt.Sprintf("workflow contains a cycle through node %q", cycle))
	}

	if len(issues) > 0 {
		return &ValidationError{WorkflowID: w.ID, Issues: issues}
	}
	return nil
}

// findCycle runs a DFS over the graph with loop nodes removed. Loops are the
// only sanctioned way to re-enter earlier nodes, so any cycle that survives
// their removal is an error. Returns an id on the offending cycle, or "".
func findCycle(w *Workflow, nodeSet map[string]Node) string {
	isLoop := func(id string) bool {
		n, ok := nodeSet[id]
		return ok && n.Type == "loop"
	}

	adj := make(map[string][]string)
	for _, c := range w.Connections {
		if isLoop(c.SourceNodeID) || isLoop(c.TargetNodeID) {
			continue
		}
		adj[c.SourceNodeID] = append(adj[c.SourceNodeID], c.TargetNodeID)
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var dfs func(id string) string
	dfs = func(id string) string {
		visited[id] = true
		recStack[id] = true

		for _, next := range adj[id] {
			if !visited[next] {
				if hit := dfs(next); hit != "" {
					return hit
				}
			} else if recStack[next] {
				return next
			}
		}

		recStack[id] = false
		return ""
	}

	for _, n := range w.Nodes {
		if !visited[n.ID] {
			if hit := dfs(n.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}
