package registry

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(slog.Default())

	err := r.Register(Kind{Name: "custom-op", Schema: map[string]any{"type": "object"}})
	require.NoError(t, err)

	assert.True(t, r.Known("custom-op"))
	assert.False(t, r.Known("missing-op"))

	schema, ok := r.Schema("custom-op")
	require.True(t, ok)
	assert.Equal(t, "object", schema["type"])
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r := NewRegistry(slog.Default())
	assert.Error(t, r.Register(Kind{}))
}

func TestBuiltinVocabulary(t *testing.T) {
	r := Builtin(slog.Default())

	for _, name := range []string{"send-message", "create-room", "create-user", "execute-script"} {
		assert.True(t, r.Known(name), name)
	}

	kinds := r.Kinds()
	assert.IsIncreasing(t, kinds)
	assert.Contains(t, kinds, "send-form")
}
