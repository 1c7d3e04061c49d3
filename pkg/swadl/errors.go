// Package swadl validates and parses SWADL workflow documents, the YAML
// dialect in which chat-bot automations are described.
package swadl

import (
	"fmt"
	"strings"
)

// Finding is one schema violation, located by a dotted document path.
type Finding struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError aggregates every schema violation found in a document.
// Validation never stops at the first finding.
type ValidationError struct {
	Findings []Finding
}

func (e *ValidationError) Error() string {
	if len(e.Findings) == 0 {
		return "document is not valid"
	}

	parts := make([]string, len(e.Findings))
	for i, f := range e.Findings {
		if f.Path == "" {
			parts[i] = f.Message
		} else {
			parts[i] = f.Path + ": " + f.Message
		}
	}

	return fmt.Sprintf("document is not valid: %s", strings.Join(parts, "; "))
}

// ParseError reports a structural inconsistency: a field of the wrong
// type, a missing activity id, or an unknown activity kind.
type ParseError struct {
	Path    string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	msg := e.Message
	if e.Err != nil && msg == "" {
		msg = e.Err.Error()
	}

	if e.Path != "" {
		return fmt.Sprintf("failed to parse document at %s: %s", e.Path, msg)
	}

	return "failed to parse document: " + msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
