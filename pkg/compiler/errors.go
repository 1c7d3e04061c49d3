// Package compiler lowers a workflow definition into an activity graph and
// performs the static checks that gate activation.
package compiler

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedReference marks a parameter or condition referencing an
	// activity that does not precede it on every execution path.
	ErrUnresolvedReference = errors.New("unresolved reference")

	// ErrUnreachableNode marks a non-entry node with no path from any
	// trigger entry.
	ErrUnreachableNode = errors.New("unreachable node")

	// ErrUnboundedLoop marks a back-edge whose loop entry carries no exit
	// condition.
	ErrUnboundedLoop = errors.New("unbounded loop")

	// ErrDuplicateActivity marks two activities sharing an id.
	ErrDuplicateActivity = errors.New("duplicate activity id")

	// ErrMissingTrigger marks a definition with no trigger entry at all.
	ErrMissingTrigger = errors.New("missing trigger binding")

	// ErrConflictingTriggers marks an activity declaring more than one
	// event trigger.
	ErrConflictingTriggers = errors.New("conflicting event triggers")
)

// Error is a compile failure locating the offending activity. Compile
// errors block activation entirely; a graph is never partially installed.
type Error struct {
	WorkflowID string
	ActivityID string
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("failed to compile workflow %s: %v", e.WorkflowID, e.Err)
	if e.ActivityID != "" {
		msg += fmt.Sprintf(" (activity %s)", e.ActivityID)
	}

	if e.Detail != "" {
		msg += ": " + e.Detail
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}
