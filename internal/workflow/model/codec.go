package model

import (
	"encoding/json"
	"fmt"
)

// Decode parses a persisted workflow document. The input is expected to be
// the canonical JSON format; use ValidateSchema first when the bytes come
// from outside the system. Numbers decode as float64, the numeric type the
// expression layer computes with.
func Decode(data []byte) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	normalize(&w)
	return &w, nil
}

// Encode serializes a workflow in canonical form: every field emitted, object
// keys sorted, RFC 3339 timestamps. Encoding a decoded document reproduces
// it byte for byte modulo whitespace and key order.
func Encode(w *Workflow) ([]byte, error) {
	normalize(w)
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	return data, nil
}

// EncodeIndent is Encode with indentation, for exports meant to be read.
func EncodeIndent(w *Workflow) ([]byte, error) {
	normalize(w)
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	return data, nil
}

// normalize replaces nil collections and defaults the trigger type so
// hand-built workflows encode the same shape as decoded ones. An encoded
// document always satisfies the import schema.
func normalize(w *Workflow) {
	if w.TriggerType == "" {
		w.TriggerType = TriggerManual
	}
	if w.Nodes == nil {
		w.Nodes = []Node{}
	}
	if w.Connections == nil {
		w.Connections = []Connection{}
	}
	if w.Settings == nil {
		w.Settings = Settings{}
	}
	for i := range w.Nodes {
		if w.Nodes[i].Parameters == nil {
			w.Nodes[i].Parameters = map[string]interface{}{}
		}
	}
}
