// Package registry holds the vocabulary of activity kinds a workflow may
// use. Each kind registers a JSON Schema for its parameters; the schema
// validator and the compiler dispatch on the kind name, and invocation is
// delegated to an external collaborator.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
)

// Kind describes one registered activity kind.
type Kind struct {
	Name        string
	Description string
	// Schema is a JSON Schema (as a Go value tree) describing the kind's
	// parameters. A nil schema accepts any parameters.
	Schema map[string]any
}

type Registry struct {
	logger *slog.Logger
	kinds  map[string]Kind
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("module", "registry"),
		kinds:  make(map[string]Kind),
	}
}

// Register adds or replaces a kind.
func (r *Registry) Register(kind Kind) error {
	if kind.Name == "" {
		return fmt.Errorf("activity kind name is required")
	}

	r.kinds[kind.Name] = kind
	r.logger.Debug("Registered activity kind", "kind", kind.Name)

	return nil
}

// Known reports whether a kind is registered.
func (r *Registry) Known(name string) bool {
	_, ok := r.kinds[name]

	return ok
}

// Schema returns the parameter schema for a kind.
func (r *Registry) Schema(name string) (map[string]any, bool) {
	kind, ok := r.kinds[name]
	if !ok {
		return nil, false
	}

	return kind.Schema, true
}

// Kinds returns all registered kind names, sorted.
func (r *Registry) Kinds() []string {
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
