package swadl

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/registry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Parser deserializes a validated document into a workflow definition.
// Unknown fields are ignored for forward compatibility; unknown activity
// kinds and structural type mismatches are hard parse errors. Parsing is
// deterministic: identical bytes yield structurally identical definitions.
type Parser struct {
	logger   *slog.Logger
	registry *registry.Registry
	validate *validator.Validate
}

func NewParser(logger *slog.Logger, reg *registry.Registry) *Parser {
	return &Parser{
		logger:   logger.With("module", "swadl_parser"),
		registry: reg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type document struct {
	ID         string         `yaml:"id"`
	Variables  map[string]any `yaml:"variables"`
	Activities []yaml.Node    `yaml:"activities"`
	Properties struct {
		Publish *bool `yaml:"publish"`
	} `yaml:"properties"`
}

// Parse builds a Definition from raw document bytes.
func (p *Parser) Parse(raw []byte) (*models.Definition, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return nil, &ParseError{Message: "structural type mismatch", Err: err}
		}

		return nil, &ParseError{Message: "not a YAML document", Err: err}
	}

	def := &models.Definition{
		ID:         doc.ID,
		Variables:  doc.Variables,
		Activities: make([]models.ActivitySpec, 0, len(doc.Activities)),
		Properties: models.Properties{Publish: doc.Properties.Publish},
	}

	for i, node := range doc.Activities {
		spec, err := p.parseActivity(i, node)
		if err != nil {
			return nil, err
		}

		def.Activities = append(def.Activities, spec)
	}

	if err := p.validate.Struct(def); err != nil {
		return nil, &ParseError{Message: "definition is incomplete", Err: err}
	}

	return def, nil
}

func (p *Parser) parseActivity(index int, node yaml.Node) (models.ActivitySpec, error) {
	path := fmt.Sprintf("activities.%d", index)

	var item map[string]yaml.Node
	if err := node.Decode(&item); err != nil {
		return models.ActivitySpec{}, &ParseError{Path: path, Message: "activity must be a single-key mapping", Err: err}
	}

	if len(item) != 1 {
		return models.ActivitySpec{}, &ParseError{Path: path, Message: "activity must be a single-key mapping"}
	}

	for kind, bodyNode := range item {
		if !p.registry.Known(kind) {
			return models.ActivitySpec{}, &ParseError{Path: path, Message: fmt.Sprintf("unknown activity kind %q", kind)}
		}

		var body map[string]any
		if err := bodyNode.Decode(&body); err != nil {
			return models.ActivitySpec{}, &ParseError{Path: path + "." + kind, Message: "activity body must be a mapping", Err: err}
		}

		return p.buildSpec(path+"."+kind, kind, body)
	}

	return models.ActivitySpec{}, &ParseError{Path: path, Message: "empty activity entry"}
}

func (p *Parser) buildSpec(path, kind string, body map[string]any) (models.ActivitySpec, error) {
	spec := models.ActivitySpec{Kind: kind, Params: make(map[string]any)}

	for key, value := range body {
		switch key {
		case "id":
			id, ok := value.(string)
			if !ok || id == "" {
				return spec, &ParseError{Path: path, Message: "activity id must be a non-empty string"}
			}

			spec.ID = id
		case "if":
			cond, ok := value.(string)
			if !ok {
				return spec, &ParseError{Path: path + ".if", Message: "condition must be a string"}
			}

			spec.Condition = cond
		case "on":
			binding, err := parseBinding(path+".on", value)
			if err != nil {
				return spec, err
			}

			spec.On = binding
		case "retry":
			policy, err := parseRetry(path+".retry", value)
			if err != nil {
				return spec, err
			}

			spec.Retry = policy
		default:
			spec.Params[key] = value
		}
	}

	if spec.ID == "" {
		return spec, &ParseError{Path: path, Message: "activity id is required"}
	}

	return spec, nil
}

func parseRetry(path string, value any) (*models.RetryPolicy, error) {
	body, ok := value.(map[string]any)
	if !ok {
		return nil, &ParseError{Path: path, Message: "retry must be a mapping"}
	}

	policy := &models.RetryPolicy{}

	if attempts, present := body["max-attempts"]; present {
		n, ok := attempts.(int)
		if !ok || n < 0 {
			return nil, &ParseError{Path: path + ".max-attempts", Message: "max-attempts must be a non-negative integer"}
		}

		policy.MaxAttempts = n
	}

	if interval, present := body["interval"]; present {
		raw, ok := interval.(string)
		if !ok {
			return nil, &ParseError{Path: path + ".interval", Message: "interval must be a duration string"}
		}

		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, &ParseError{Path: path + ".interval", Message: "invalid duration", Err: err}
		}

		policy.Interval = d
	}

	return policy, nil
}

func parseBinding(path string, value any) (*models.TriggerBinding, error) {
	body, ok := value.(map[string]any)
	if !ok {
		return nil, &ParseError{Path: path, Message: "trigger binding must be a mapping"}
	}

	if len(body) != 1 {
		return nil, &ParseError{Path: path, Message: "trigger binding must declare exactly one construct"}
	}

	binding := &models.TriggerBinding{}

	for construct, inner := range body {
		switch construct {
		case "message-received":
			params, err := bindingParams(path, construct, inner)
			if err != nil {
				return nil, err
			}

			content, _ := params["content"].(string)
			binding.MessageReceived = &models.MessageReceivedTrigger{Content: content}
		case "form-replied":
			params, err := bindingParams(path, construct, inner)
			if err != nil {
				return nil, err
			}

			formID, _ := params["form-id"].(string)
			if formID == "" {
				return nil, &ParseError{Path: path + ".form-replied", Message: "form-id is required"}
			}

			binding.FormReplied = &models.FormRepliedTrigger{FormID: formID}
		case "timer-fired":
			params, err := bindingParams(path, construct, inner)
			if err != nil {
				return nil, err
			}

			trigger := &models.TimerFiredTrigger{}
			if at, ok := params["at"].(string); ok {
				trigger.At = at
			}

			if after, ok := params["after"].(string); ok {
				d, err := time.ParseDuration(after)
				if err != nil {
					return nil, &ParseError{Path: path + ".timer-fired.after", Message: "invalid duration", Err: err}
				}

				trigger.After = d
			}

			if (trigger.At == "") == (trigger.After == 0) {
				return nil, &ParseError{Path: path + ".timer-fired", Message: "exactly one of at or after is required"}
			}

			binding.TimerFired = trigger
		case "activity-completed":
			ref, err := activityRef(path, construct, inner)
			if err != nil {
				return nil, err
			}

			binding.ActivityCompleted = ref
		case "activity-failed":
			ref, err := activityRef(path, construct, inner)
			if err != nil {
				return nil, err
			}

			binding.ActivityFailed = ref
		case "one-of":
			nested, err := bindingList(path+".one-of", inner)
			if err != nil {
				return nil, err
			}

			binding.OneOf = nested
		case "all-of":
			nested, err := bindingList(path+".all-of", inner)
			if err != nil {
				return nil, err
			}

			binding.AllOf = nested
		default:
			return nil, &ParseError{Path: path, Message: fmt.Sprintf("unknown trigger construct %q", construct)}
		}
	}

	return binding, nil
}

func bindingParams(path, construct string, value any) (map[string]any, error) {
	if value == nil {
		return map[string]any{}, nil
	}

	params, ok := value.(map[string]any)
	if !ok {
		return nil, &ParseError{Path: path + "." + construct, Message: "trigger parameters must be a mapping"}
	}

	return params, nil
}

func activityRef(path, construct string, value any) (*models.ActivityRef, error) {
	params, err := bindingParams(path, construct, value)
	if err != nil {
		return nil, err
	}

	id, _ := params["activity-id"].(string)
	if id == "" {
		return nil, &ParseError{Path: path + "." + construct, Message: "activity-id is required"}
	}

	return &models.ActivityRef{ActivityID: id}, nil
}

func bindingList(path string, value any) ([]models.TriggerBinding, error) {
	items, ok := value.([]any)
	if !ok || len(items) == 0 {
		return nil, &ParseError{Path: path, Message: "must be a non-empty list of trigger bindings"}
	}

	bindings := make([]models.TriggerBinding, 0, len(items))

	for i, item := range items {
		nested, err := parseBinding(fmt.Sprintf("%s.%d", path, i), item)
		if err != nil {
			return nil, err
		}

		bindings = append(bindings, *nested)
	}

	return bindings, nil
}
