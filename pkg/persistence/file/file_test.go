package file

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/persistence"
)

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()

	p, err := NewPersistence(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	return p
}

func versioned(workflowID string, version int64, published, active bool) *models.VersionedWorkflow {
	return &models.VersionedWorkflow{
		WorkflowID: workflowID,
		Version:    version,
		SWADL:      "id: " + workflowID,
		Published:  published,
		Active:     active,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestSaveAndFindByVersion(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, versioned("wf", 100, true, true)))

	got, err := p.FindByVersion(ctx, "wf", 100)
	require.NoError(t, err)
	assert.Equal(t, "wf", got.WorkflowID)
	assert.Equal(t, int64(100), got.Version)
	assert.True(t, got.Active)
}

func TestSaveUpsertsExistingVersion(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, versioned("wf", 100, true, true)))

	updated := versioned("wf", 100, true, false)
	require.NoError(t, p.Save(ctx, updated))

	got, err := p.FindByVersion(ctx, "wf", 100)
	require.NoError(t, err)
	assert.False(t, got.Active)

	versions, err := p.ListVersions(ctx, "wf")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestFindByVersionMissing(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.FindByVersion(context.Background(), "wf", 42)
	require.ErrorIs(t, err, persistence.ErrVersionNotFound)
	assert.True(t, persistence.IsNotFound(err))
}

func TestListVersionsSortedAscending(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, versioned("wf", 300, true, true)))
	require.NoError(t, p.Save(ctx, versioned("wf", 100, true, false)))
	require.NoError(t, p.Save(ctx, versioned("wf", 200, true, false)))

	versions, err := p.ListVersions(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, int64(100), versions[0].Version)
	assert.Equal(t, int64(200), versions[1].Version)
	assert.Equal(t, int64(300), versions[2].Version)
}

func TestListVersionsUnknownWorkflow(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.ListVersions(context.Background(), "missing")
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestFindLatestAndActiveAndDraft(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, versioned("wf", 100, true, false)))
	require.NoError(t, p.Save(ctx, versioned("wf", 200, true, true)))
	require.NoError(t, p.Save(ctx, versioned("wf", 300, false, false)))

	latest, err := p.FindLatest(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, int64(300), latest.Version)

	active, err := p.FindActive(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, int64(200), active.Version)

	draft, err := p.FindDraft(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, int64(300), draft.Version)
}

func TestFindActiveWhenNoneActive(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, versioned("wf", 100, false, false)))

	_, err := p.FindActive(ctx, "wf")
	require.ErrorIs(t, err, persistence.ErrActiveWorkflowNotFound)
}

func TestFindDraftWhenAllPublished(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, versioned("wf", 100, true, true)))

	_, err := p.FindDraft(ctx, "wf")
	require.ErrorIs(t, err, persistence.ErrDraftWorkflowNotFound)
}

func TestDeleteByVersion(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, versioned("wf", 100, true, true)))
	require.NoError(t, p.Save(ctx, versioned("wf", 200, true, false)))

	require.NoError(t, p.DeleteByVersion(ctx, "wf", 100))

	_, err := p.FindByVersion(ctx, "wf", 100)
	require.ErrorIs(t, err, persistence.ErrVersionNotFound)

	versions, err := p.ListVersions(ctx, "wf")
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	require.ErrorIs(t, p.DeleteByVersion(ctx, "wf", 100), persistence.ErrVersionNotFound)
}

func TestDeleteAll(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, versioned("wf", 100, true, true)))
	require.NoError(t, p.Save(ctx, versioned("wf", 200, true, false)))

	require.NoError(t, p.DeleteAll(ctx, "wf"))

	_, err := p.ListVersions(ctx, "wf")
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	require.ErrorIs(t, p.DeleteAll(ctx, "wf"), persistence.ErrWorkflowNotFound)
}

func TestListWorkflowIDs(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, versioned("beta", 100, true, true)))
	require.NoError(t, p.Save(ctx, versioned("alpha", 100, true, true)))

	ids, err := p.ListWorkflowIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, ids)
}

func TestHealthCheck(t *testing.T) {
	p := newTestPersistence(t)

	require.NoError(t, p.HealthCheck(context.Background()))
}
