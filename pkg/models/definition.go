// Package models defines the core domain models for SWADL workflow definitions
// and their compiled execution state.
package models

import "time"

// Definition is the parsed, in-memory form of a SWADL document. It is
// immutable once handed to the compiler.
type Definition struct {
	ID         string         `json:"id"         validate:"required,min=1"`
	Variables  map[string]any `json:"variables,omitempty"`
	Activities []ActivitySpec `json:"activities" validate:"required,min=1,dive"`
	Properties Properties     `json:"properties"`
}

// ActivitySpec is one step of a workflow: an opaque named operation with
// typed parameters, an optional trigger binding and an optional condition.
type ActivitySpec struct {
	ID        string          `json:"id"   validate:"required,min=1"`
	Kind      string          `json:"kind" validate:"required,min=1"`
	On        *TriggerBinding `json:"on,omitempty"`
	Condition string          `json:"if,omitempty"`
	Retry     *RetryPolicy    `json:"retry,omitempty"`
	Params    map[string]any  `json:"params,omitempty"`
}

// RetryPolicy bounds how often a failing activity is re-attempted.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" validate:"min=0"`
	Interval    time.Duration `json:"interval"     validate:"min=0"`
}

// Properties carries free-form workflow properties. Publish defaults to
// true when absent, matching the source dialect.
type Properties struct {
	Publish *bool `json:"publish,omitempty"`
}

// ShouldPublish reports whether a deploy/update of this definition also
// publishes it.
func (p Properties) ShouldPublish() bool {
	return p.Publish == nil || *p.Publish
}

// ActivityByID returns the activity with the given id, if any.
func (d *Definition) ActivityByID(id string) (ActivitySpec, bool) {
	for _, a := range d.Activities {
		if a.ID == id {
			return a, true
		}
	}

	return ActivitySpec{}, false
}
