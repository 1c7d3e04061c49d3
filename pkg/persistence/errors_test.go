package persistence

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionErrorWrapsSentinels(t *testing.T) {
	err := NewVersionError("FindByVersion", "wf", 100, ErrVersionNotFound)

	require.ErrorIs(t, err, ErrVersionNotFound)
	assert.Contains(t, err.Error(), "FindByVersion")
	assert.Contains(t, err.Error(), "wf")
	assert.Contains(t, err.Error(), "100")
}

func TestVersionErrorWithoutVersion(t *testing.T) {
	err := NewVersionError("ListVersions", "wf", 0, ErrWorkflowNotFound)

	assert.Equal(t, "ListVersions failed for workflow wf: workflow not found", err.Error())
}

func TestVersionErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewVersionError("Save", "wf", 100, cause)

	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrVersionNotFound))
	assert.True(t, IsNotFound(NewVersionError("FindDraft", "wf", 0, ErrDraftWorkflowNotFound)))
	assert.True(t, IsNotFound(ErrActiveWorkflowNotFound))
	assert.False(t, IsNotFound(errors.New("boom")))
}
