// Package template renders `${...}` expressions inside activity parameters
// and conditions against a process instance's variable store, using JSONata.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	jsonata "github.com/blues/jsonata-go"
)

var exprPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// referencePattern matches the leading identifier of a dotted path inside
// an expression, e.g. "ask" in "ask.outputs.accepted".
var referencePattern = regexp.MustCompile(`(?:^|[^\w.$])([A-Za-z_][\w-]*)\.`)

// Scope keys reserved for the engine; they never name an activity.
const (
	ScopeVariables = "variables"
	ScopeEvent     = "event"
	ScopeOutputs   = "outputs"
)

// NeedsTemplating reports whether a string contains expressions that have
// to be rendered before use.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "${")
}

// Render evaluates every `${...}` segment of input against scope. A string
// that is exactly one expression yields the evaluated value with its type
// preserved; mixed content is concatenated as a string.
func Render(input string, scope map[string]any) (any, error) {
	if !NeedsTemplating(input) {
		return input, nil
	}

	if m := exprPattern.FindStringSubmatch(input); m != nil && m[0] == input {
		return eval(m[1], scope)
	}

	var evalErr error

	rendered := exprPattern.ReplaceAllStringFunc(input, func(segment string) string {
		expr := exprPattern.FindStringSubmatch(segment)[1]

		value, err := eval(expr, scope)
		if err != nil {
			evalErr = err

			return segment
		}

		if value == nil {
			return ""
		}

		return fmt.Sprintf("%v", value)
	})

	if evalErr != nil {
		return nil, evalErr
	}

	return rendered, nil
}

// RenderParams renders every string found in a parameter map, descending
// into nested maps and slices. The input map is not modified.
func RenderParams(params map[string]any, scope map[string]any) (map[string]any, error) {
	rendered, err := renderValue(params, scope)
	if err != nil {
		return nil, err
	}

	out, _ := rendered.(map[string]any)

	return out, nil
}

func renderValue(value any, scope map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := renderValue(item, scope)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", k, err)
			}

			out[k] = r
		}

		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := renderValue(item, scope)
			if err != nil {
				return nil, err
			}

			out[i] = r
		}

		return out, nil
	default:
		return value, nil
	}
}

// EvaluateBool evaluates a condition expression. An undefined result is
// false, not an error, so conditions may reference outputs of skipped
// activities.
func EvaluateBool(expr string, scope map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	if m := exprPattern.FindStringSubmatch(expr); m != nil && m[0] == expr {
		expr = m[1]
	}

	value, err := eval(expr, scope)
	if err != nil {
		return false, err
	}

	switch v := value.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	case string:
		return v == "true", nil
	default:
		return false, fmt.Errorf("condition %q evaluated to non-boolean %T", expr, value)
	}
}

// References returns the activity ids referenced by expressions in input,
// excluding the reserved scope names. Used by the compiler for static
// dependency checks.
func References(input string) []string {
	seen := make(map[string]struct{})

	for _, m := range exprPattern.FindAllStringSubmatch(input, -1) {
		for _, ref := range referencePattern.FindAllStringSubmatch(m[1], -1) {
			id := ref[1]
			if id == ScopeVariables || id == ScopeEvent {
				continue
			}

			seen[id] = struct{}{}
		}
	}

	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}

	return refs
}

// ReferencesIn walks a parameter value like RenderParams does and collects
// all referenced activity ids.
func ReferencesIn(value any) []string {
	seen := make(map[string]struct{})
	collectReferences(value, seen)

	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}

	return refs
}

func collectReferences(value any, seen map[string]struct{}) {
	switch v := value.(type) {
	case string:
		for _, id := range References(v) {
			seen[id] = struct{}{}
		}
	case map[string]any:
		for _, item := range v {
			collectReferences(item, seen)
		}
	case []any:
		for _, item := range v {
			collectReferences(item, seen)
		}
	}
}

func eval(expr string, scope map[string]any) (any, error) {
	compiled, err := jsonata.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expr, err)
	}

	value, err := compiled.Eval(scope)
	if err != nil {
		if errors.Is(err, jsonata.ErrUndefined) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expr, err)
	}

	return value, nil
}
