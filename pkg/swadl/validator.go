package swadl

import (
	"fmt"
	"log/slog"

	"github.com/chatops/swadl/pkg/registry"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// topLevelSchema validates the required shape of any SWADL document before
// per-kind parameter schemas are consulted.
var topLevelSchema = map[string]any{
	"type":     "object",
	"required": []any{"id", "activities"},
	"properties": map[string]any{
		"id":        map[string]any{"type": "string", "minLength": 1},
		"variables": map[string]any{"type": "object"},
		"activities": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":          "object",
				"minProperties": 1,
				"maxProperties": 1,
			},
		},
		"properties": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"publish": map[string]any{"type": "boolean"},
			},
		},
	},
}

// reserved activity fields handled by the parser, not by kind schemas.
var reservedActivityFields = map[string]struct{}{
	"id":    {},
	"on":    {},
	"if":    {},
	"retry": {},
}

// Validator checks a raw document against the structural schema and the
// registered per-kind parameter schemas. It is side-effect free and always
// collects every finding before failing.
type Validator struct {
	logger   *slog.Logger
	registry *registry.Registry
}

func NewValidator(logger *slog.Logger, reg *registry.Registry) *Validator {
	return &Validator{
		logger:   logger.With("module", "swadl_validator"),
		registry: reg,
	}
}

// Validate returns nil for a well-formed document, or a *ValidationError
// listing every violation.
func (v *Validator) Validate(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return &ValidationError{Findings: []Finding{{Message: "not a YAML document: " + err.Error()}}}
	}

	findings := validateAgainst(topLevelSchema, doc, "")

	if root, ok := doc.(map[string]any); ok {
		findings = append(findings, v.validateActivities(root)...)
	}

	if len(findings) > 0 {
		return &ValidationError{Findings: findings}
	}

	return nil
}

func (v *Validator) validateActivities(root map[string]any) []Finding {
	activities, ok := root["activities"].([]any)
	if !ok {
		return nil
	}

	var findings []Finding

	for i, entry := range activities {
		item, ok := entry.(map[string]any)
		if !ok || len(item) != 1 {
			continue // already reported by the top-level schema
		}

		for kind, body := range item {
			path := fmt.Sprintf("activities.%d.%s", i, kind)

			params, ok := body.(map[string]any)
			if !ok {
				findings = append(findings, Finding{Path: path, Message: "activity body must be a mapping"})

				continue
			}

			if id, ok := params["id"].(string); !ok || id == "" {
				findings = append(findings, Finding{Path: path, Message: "activity id is required"})
			}

			schema, known := v.registry.Schema(kind)
			if !known {
				// unknown kinds are rejected by the parser, not here
				continue
			}

			if schema == nil {
				continue
			}

			bare := make(map[string]any, len(params))
			for key, value := range params {
				if _, reserved := reservedActivityFields[key]; !reserved {
					bare[key] = value
				}
			}

			findings = append(findings, validateAgainst(schema, bare, path)...)
		}
	}

	return findings
}

func validateAgainst(schema map[string]any, doc any, basePath string) []Finding {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return []Finding{{Path: basePath, Message: err.Error()}}
	}

	if result.Valid() {
		return nil
	}

	findings := make([]Finding, 0, len(result.Errors()))

	for _, desc := range result.Errors() {
		path := desc.Field()
		if path == "(root)" {
			path = ""
		}

		if basePath != "" {
			if path == "" {
				path = basePath
			} else {
				path = basePath + "." + path
			}
		}

		findings = append(findings, Finding{Path: path, Message: desc.Description()})
	}

	return findings
}
