package swadl

import (
	"log/slog"
	"testing"

	"github.com/chatops/swadl/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()

	return NewValidator(slog.Default(), registry.Builtin(slog.Default()))
}

func TestValidateAcceptsWellFormedDocument(t *testing.T) {
	assert.NoError(t, newValidator(t).Validate([]byte(getUserDoc)))
}

func TestValidateCollectsAllFindings(t *testing.T) {
	doc := `
activities:
  - send-message:
      content: 42
  - create-user:
      id: mk
`
	// three violations at once: missing workflow id, missing activity id on
	// the first activity, wrong content type; create-user is also missing
	// its required username
	err := newValidator(t).Validate([]byte(doc))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.GreaterOrEqual(t, len(verr.Findings), 3)
}

func TestValidateRequiresActivities(t *testing.T) {
	err := newValidator(t).Validate([]byte("id: empty\nactivities: []\n"))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestValidateRejectsNonYAML(t *testing.T) {
	err := newValidator(t).Validate([]byte("\t{{not yaml"))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestValidateKindParameterSchema(t *testing.T) {
	doc := `
id: bad-params
activities:
  - add-user-role:
      id: grant
      user-id: "123"
`
	// role is required by the add-user-role schema
	err := newValidator(t).Validate([]byte(doc))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestValidateIsSideEffectFree(t *testing.T) {
	v := newValidator(t)
	raw := []byte(getUserDoc)

	require.NoError(t, v.Validate(raw))
	require.NoError(t, v.Validate(raw))
}

func TestFromYAML(t *testing.T) {
	reg := registry.Builtin(slog.Default())

	def, err := FromYAML(slog.Default(), reg, []byte(getUserDoc))
	require.NoError(t, err)
	assert.Equal(t, "get-user", def.ID)

	_, err = FromYAML(slog.Default(), reg, []byte("id: x\n"))
	require.Error(t, err)
}
