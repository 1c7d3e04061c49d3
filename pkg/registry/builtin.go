package registry

import "log/slog"

// Builtin returns a registry pre-loaded with the standard chat-bot
// activity vocabulary. Invocation of these kinds is still external; only
// their parameter shapes are known here.
func Builtin(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)

	for _, kind := range builtinKinds {
		_ = r.Register(kind)
	}

	return r
}

var builtinKinds = []Kind{
	{
		Name:        "send-message",
		Description: "Send a message to a stream",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content":   map[string]any{"type": "string"},
				"stream-id": map[string]any{"type": "string"},
			},
			"required": []any{"content"},
		},
	},
	{
		Name:        "send-form",
		Description: "Send an interactive form and name it for reply correlation",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"form-id": map[string]any{"type": "string"},
				"fields":  map[string]any{"type": "array"},
			},
			"required": []any{"form-id"},
		},
	},
	{
		Name:        "create-room",
		Description: "Create a chat room",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"room-name":        map[string]any{"type": "string"},
				"room-description": map[string]any{"type": "string"},
				"user-ids":         map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
				"public":           map[string]any{"type": "boolean"},
			},
		},
	},
	{
		Name:        "create-user",
		Description: "Create a directory user",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"username":     map[string]any{"type": "string"},
				"email":        map[string]any{"type": "string"},
				"display-name": map[string]any{"type": "string"},
			},
			"required": []any{"username"},
		},
	},
	{
		Name:        "update-user",
		Description: "Update a directory user",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user-id":      map[string]any{"type": "string"},
				"display-name": map[string]any{"type": "string"},
				"status":       map[string]any{"type": "string"},
			},
			"required": []any{"user-id"},
		},
	},
	{
		Name:        "add-user-role",
		Description: "Grant a role to a user",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user-id": map[string]any{"type": "string"},
				"role":    map[string]any{"type": "string"},
			},
			"required": []any{"user-id", "role"},
		},
	},
	{
		Name:        "get-user",
		Description: "Look up a directory user",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user-id":  map[string]any{"type": "string"},
				"username": map[string]any{"type": "string"},
			},
		},
	},
	{
		Name:        "execute-script",
		Description: "Run a named script with arguments",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"script": map[string]any{"type": "string"},
				"args":   map[string]any{"type": "array"},
			},
			"required": []any{"script"},
		},
	},
}
