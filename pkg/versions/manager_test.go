package versions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatops/swadl/pkg/compiler"
	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/persistence"
	"github.com/chatops/swadl/pkg/persistence/file"
	"github.com/chatops/swadl/pkg/registry"
	"github.com/chatops/swadl/pkg/swadl"
)

const publishedDoc = `
id: onboard
activities:
  - send-message:
      id: greet
      on:
        message-received:
          content: /onboard
      content: welcome
`

const publishedDocV2 = `
id: onboard
activities:
  - send-message:
      id: greet
      on:
        message-received:
          content: /onboard
      content: welcome aboard
`

const draftDoc = `
id: onboard
properties:
  publish: false
activities:
  - send-message:
      id: greet
      on:
        message-received:
          content: /onboard
      content: draft greeting
`

const brokenDoc = `
id: onboard
activities:
  - send-message:
      id: greet
      content: never reached
`

// fakeDeployer records install/uninstall calls against the engine surface.
type fakeDeployer struct {
	mu         sync.Mutex
	nextID     int
	installed  map[string]string // deploymentID -> workflowID
	uninstalls []string
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{installed: make(map[string]string)}
}

func (f *fakeDeployer) Install(_ *compiler.Graph, workflowID string, _ int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("dep-%d", f.nextID)
	f.installed[id] = workflowID

	return id, nil
}

func (f *fakeDeployer) Uninstall(deploymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.installed, deploymentID)
	f.uninstalls = append(f.uninstalls, deploymentID)

	return nil
}

func (f *fakeDeployer) UninstallWorkflow(workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, wf := range f.installed {
		if wf == workflowID {
			delete(f.installed, id)
			f.uninstalls = append(f.uninstalls, id)
		}
	}

	return nil
}

func (f *fakeDeployer) installedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.installed)
}

func newTestManager(t *testing.T) (*Manager, *fakeDeployer) {
	t.Helper()

	store, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	deployer := newFakeDeployer()
	m := NewManager(slog.Default(), store, registry.Builtin(slog.Default()), deployer)

	// Deterministic version clock at microsecond resolution.
	base := time.UnixMicro(1674651222294886)
	var ticks int64
	m.now = func() time.Time {
		ticks++

		return base.Add(time.Duration(ticks) * time.Second)
	}

	return m, deployer
}

func TestDeployPublishesAndActivates(t *testing.T) {
	m, deployer := newTestManager(t)
	ctx := context.Background()

	wf, err := m.Deploy(ctx, []byte(publishedDoc), Meta{Description: "initial", CreatedBy: "alice"})
	require.NoError(t, err)

	assert.Equal(t, "onboard", wf.WorkflowID)
	assert.True(t, wf.Published)
	assert.True(t, wf.Active)
	assert.NotEmpty(t, wf.DeploymentID)
	assert.Positive(t, wf.Version)
	assert.Equal(t, 1, deployer.installedCount())

	stored, err := m.GetVersion(ctx, "onboard", wf.Version)
	require.NoError(t, err)
	assert.Equal(t, "initial", stored.Description)
	assert.Equal(t, "alice", stored.CreatedBy)
}

func TestDeploySecondVersionDeactivatesFirst(t *testing.T) {
	m, deployer := newTestManager(t)
	ctx := context.Background()

	first, err := m.Deploy(ctx, []byte(publishedDoc), Meta{})
	require.NoError(t, err)

	second, err := m.Deploy(ctx, []byte(publishedDocV2), Meta{})
	require.NoError(t, err)
	assert.Greater(t, second.Version, first.Version)

	// Exactly one deployment routes, exactly one version is active.
	assert.Equal(t, 1, deployer.installedCount())

	all, err := m.ListVersions(ctx, "onboard")
	require.NoError(t, err)
	require.Len(t, all, 2)

	activeCount := 0
	for _, v := range all {
		if v.Active {
			activeCount++
			assert.Equal(t, second.Version, v.Version)
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestDeployDraftIsStoredButNotRouted(t *testing.T) {
	m, deployer := newTestManager(t)
	ctx := context.Background()

	wf, err := m.Deploy(ctx, []byte(draftDoc), Meta{})
	require.NoError(t, err)

	assert.False(t, wf.Published)
	assert.False(t, wf.Active)
	assert.Empty(t, wf.DeploymentID)
	assert.Zero(t, deployer.installedCount())
}

func TestDeployWithExistingDraftIsRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	draft, err := m.Deploy(ctx, []byte(draftDoc), Meta{})
	require.NoError(t, err)

	_, err = m.Deploy(ctx, []byte(publishedDoc), Meta{})
	require.ErrorIs(t, err, ErrIllegalArgument)
	assert.Contains(t, err.Error(),
		fmt.Sprintf("version %d of workflow has not been published yet", draft.Version))
}

func TestDeployInvalidDocumentLeavesNoState(t *testing.T) {
	m, deployer := newTestManager(t)
	ctx := context.Background()

	// First activity has no trigger, so compilation fails.
	_, err := m.Deploy(ctx, []byte(brokenDoc), Meta{})
	require.ErrorIs(t, err, compiler.ErrMissingTrigger)

	_, err = m.ListVersions(ctx, "onboard")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, deployer.installedCount())
}

func TestUpdatePublishedWorkflowIsForbidden(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Deploy(ctx, []byte(publishedDoc), Meta{})
	require.NoError(t, err)

	_, err = m.Update(ctx, []byte(publishedDocV2), Meta{})
	require.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.Contains(t, err.Error(), "update on a published workflow is forbidden")
}

func TestUpdateUnknownWorkflow(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Update(context.Background(), []byte(publishedDoc), Meta{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateDraftKeepsVersion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	draft, err := m.Deploy(ctx, []byte(draftDoc), Meta{})
	require.NoError(t, err)

	updated, err := m.Update(ctx, []byte(draftDoc), Meta{Description: "second pass"})
	require.NoError(t, err)

	assert.Equal(t, draft.Version, updated.Version)
	assert.False(t, updated.Published)
	assert.Equal(t, "second pass", updated.Description)
}

func TestUpdateDraftWithPublishActivates(t *testing.T) {
	m, deployer := newTestManager(t)
	ctx := context.Background()

	draft, err := m.Deploy(ctx, []byte(draftDoc), Meta{})
	require.NoError(t, err)

	published, err := m.Update(ctx, []byte(publishedDoc), Meta{})
	require.NoError(t, err)

	assert.Equal(t, draft.Version, published.Version)
	assert.True(t, published.Published)
	assert.True(t, published.Active)
	assert.Equal(t, 1, deployer.installedCount())

	// Published now, so further deploys are allowed again.
	_, err = m.Deploy(ctx, []byte(publishedDocV2), Meta{})
	require.NoError(t, err)
}

// activeCountingStore observes the store after every write and records
// the highest number of simultaneously active versions it ever saw.
type activeCountingStore struct {
	persistence.Persistence
	workflowID string
	maxActive  int
}

func (s *activeCountingStore) Save(ctx context.Context, workflow *models.VersionedWorkflow) error {
	if err := s.Persistence.Save(ctx, workflow); err != nil {
		return err
	}

	active := 0

	if all, err := s.Persistence.ListVersions(ctx, s.workflowID); err == nil {
		for _, v := range all {
			if v.Active {
				active++
			}
		}
	}

	if active > s.maxActive {
		s.maxActive = active
	}

	return nil
}

func TestActivationNeverOverlapsActiveVersions(t *testing.T) {
	inner, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	store := &activeCountingStore{Persistence: inner, workflowID: "onboard"}
	deployer := newFakeDeployer()
	m := NewManager(slog.Default(), store, registry.Builtin(slog.Default()), deployer)

	base := time.UnixMicro(1674651222294886)
	var ticks int64
	m.now = func() time.Time {
		ticks++

		return base.Add(time.Duration(ticks) * time.Second)
	}

	ctx := context.Background()

	first, err := m.Deploy(ctx, []byte(publishedDoc), Meta{})
	require.NoError(t, err)

	_, err = m.Deploy(ctx, []byte(publishedDocV2), Meta{})
	require.NoError(t, err)

	require.NoError(t, m.SetActiveVersion(ctx, "onboard", first.Version))

	// Redeploy and rollback each rewrite two records; no intermediate
	// state may hold two active versions.
	assert.LessOrEqual(t, store.maxActive, 1)
	assert.Equal(t, 1, deployer.installedCount())
}

func TestSetActiveVersionRollsBack(t *testing.T) {
	m, deployer := newTestManager(t)
	ctx := context.Background()

	first, err := m.Deploy(ctx, []byte(publishedDoc), Meta{})
	require.NoError(t, err)

	second, err := m.Deploy(ctx, []byte(publishedDocV2), Meta{})
	require.NoError(t, err)

	require.NoError(t, m.SetActiveVersion(ctx, "onboard", first.Version))

	active, err := m.GetVersion(ctx, "onboard", first.Version)
	require.NoError(t, err)
	assert.True(t, active.Active)

	former, err := m.GetVersion(ctx, "onboard", second.Version)
	require.NoError(t, err)
	assert.False(t, former.Active)

	assert.Equal(t, 1, deployer.installedCount())
}

func TestSetActiveVersionMissing(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Deploy(ctx, []byte(publishedDoc), Meta{})
	require.NoError(t, err)

	err = m.SetActiveVersion(ctx, "onboard", 12345)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "version 12345 of the workflow onboard does not exist")
}

func TestSetActiveVersionOnDraft(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	draft, err := m.Deploy(ctx, []byte(draftDoc), Meta{})
	require.NoError(t, err)

	err = m.SetActiveVersion(ctx, "onboard", draft.Version)
	require.ErrorIs(t, err, ErrIllegalArgument)
	assert.Contains(t, err.Error(),
		fmt.Sprintf("version %d of the workflow onboard is in draft mode", draft.Version))
}

func TestDeleteVersionUnroutesActive(t *testing.T) {
	m, deployer := newTestManager(t)
	ctx := context.Background()

	wf, err := m.Deploy(ctx, []byte(publishedDoc), Meta{})
	require.NoError(t, err)

	require.NoError(t, m.DeleteVersion(ctx, "onboard", wf.Version))
	assert.Zero(t, deployer.installedCount())

	_, err = m.GetVersion(ctx, "onboard", wf.Version)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteWholeWorkflow(t *testing.T) {
	m, deployer := newTestManager(t)
	ctx := context.Background()

	_, err := m.Deploy(ctx, []byte(publishedDoc), Meta{})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "onboard"))
	assert.Zero(t, deployer.installedCount())

	_, err = m.ListVersions(ctx, "onboard")
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, m.Delete(ctx, "onboard"), ErrNotFound)
}

func TestListWorkflows(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Deploy(ctx, []byte(publishedDoc), Meta{})
	require.NoError(t, err)

	ids, err := m.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"onboard"}, ids)
}

func TestDeployRejectsDocumentFailingValidation(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Deploy(context.Background(), []byte("activities: nope"), Meta{})

	var verr *swadl.ValidationError
	require.ErrorAs(t, err, &verr)
}
