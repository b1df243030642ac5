package model

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// workflowSchema is the JSON Schema for the persisted workflow format. It
// gates imports from outside the system; Validate still runs afterwards for
// the graph-level invariants a schema cannot express.
const workflowSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "nodes", "connections", "triggerType"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "active": {"type": "boolean"},
    "triggerType": {"enum": ["MANUAL", "SCHEDULE", "WEBHOOK", "FILE"]},
    "settings": {"type": "object"},
    "createdAt": {"type": "string", "format": "date-time"},
    "updatedAt": {"type": "string", "format": "date-time"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "disabled": {"type": "boolean"},
          "notes": {"type": "string"},
          "parameters": {"type": "object"},
          "position": {
            "type": "object",
            "properties": {
              "x": {"type": "number"},
              "y": {"type": "number"}
            }
          }
        }
      }
    },
    "connections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["sourceNodeId", "targetNodeId"],
        "properties": {
          "id": {"type": "string"},
          "sourceNodeId": {"type": "string", "minLength": 1},
          "sourceHandleId": {"type": "string"},
          "targetNodeId": {"type": "string", "minLength": 1},
          "targetHandleId": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = gojsonschema.NewStringLoader(workflowSchema)

// ValidateSchema checks raw JSON against the workflow schema and reports
// every violation as a ValidationError.
func ValidateSchema(raw []byte) error {
	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ValidationError{Issues: []string{fmt.Sprintf("not a workflow document: %v", err)}}
	}
	if result.Valid() {
		return nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return &ValidationError{Issues: issues}
}
