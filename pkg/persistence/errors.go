package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrVersionNotFound indicates the requested workflow version does not exist.
	ErrVersionNotFound = errors.New("workflow version not found")

	// ErrActiveWorkflowNotFound indicates no active version exists for the workflow id.
	ErrActiveWorkflowNotFound = errors.New("active workflow version not found")

	// ErrDraftWorkflowNotFound indicates no draft version exists for the workflow id.
	ErrDraftWorkflowNotFound = errors.New("draft workflow version not found")

	// ErrWorkflowNotFound indicates no versions exist at all for the workflow id.
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// VersionError wraps storage errors with the operation and target.
type VersionError struct {
	Op         string
	WorkflowID string
	Version    int64
	Err        error
}

func (e *VersionError) Error() string {
	if e.Version != 0 {
		return fmt.Sprintf("%s failed for workflow %s version %d: %v", e.Op, e.WorkflowID, e.Version, e.Err)
	}

	return fmt.Sprintf("%s failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *VersionError) Unwrap() error {
	return e.Err
}

func (e *VersionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewVersionError creates a version error with context.
func NewVersionError(op, workflowID string, version int64, err error) *VersionError {
	return &VersionError{Op: op, WorkflowID: workflowID, Version: version, Err: err}
}

// IsNotFound checks whether an error indicates any flavor of missing
// workflow or version.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, ErrActiveWorkflowNotFound) ||
		errors.Is(err, ErrDraftWorkflowNotFound) ||
		errors.Is(err, ErrWorkflowNotFound)
}
