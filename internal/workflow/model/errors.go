package model

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports every structural problem found in a workflow.
// It is returned before any execution record is created.
type ValidationError struct {
	WorkflowID string
	Issues     []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("workflow %s invalid: %s", e.WorkflowID, e.Issues[0])
	}
	return fmt.Sprintf("workflow %s invalid: %d issues: %s",
		e.WorkflowID, len(e.Issues), strings.Join(e.Issues, "; "))
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
