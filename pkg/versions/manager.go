// Package versions manages the workflow version lifecycle: drafts,
// published versions and the single active version routed by the engine.
package versions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatops/swadl/pkg/compiler"
	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/persistence"
	"github.com/chatops/swadl/pkg/protocol"
	"github.com/chatops/swadl/pkg/registry"
	"github.com/chatops/swadl/pkg/swadl"
)

// Meta carries caller-supplied deployment metadata.
type Meta struct {
	Description string
	CreatedBy   string
}

// Manager owns the version lifecycle. Validation and compilation failures
// never touch stored state; at every transition at most one version of a
// workflow id is active, and activation requires a published version.
type Manager struct {
	logger   *slog.Logger
	store    persistence.Persistence
	registry *registry.Registry
	compiler *compiler.Compiler
	deployer protocol.GraphDeployer

	// now is the version clock; versions are microsecond timestamps and
	// strictly monotonic per workflow id.
	now func() time.Time
}

func NewManager(logger *slog.Logger, store persistence.Persistence, reg *registry.Registry, deployer protocol.GraphDeployer) *Manager {
	return &Manager{
		logger:   logger.With("module", "versions"),
		store:    store,
		registry: reg,
		compiler: compiler.New(logger),
		deployer: deployer,
		now:      time.Now,
	}
}

// Deploy validates, parses and compiles a document and stores it as a new
// version. While an unpublished draft exists the workflow cannot take new
// versions. With `properties.publish: false` the new version is stored as
// a draft and not routed; otherwise it becomes the active version and the
// previous active version is deactivated in the same transition.
func (m *Manager) Deploy(ctx context.Context, source []byte, meta Meta) (*models.VersionedWorkflow, error) {
	def, graph, err := m.build(source)
	if err != nil {
		return nil, err
	}

	if draft, err := m.store.FindDraft(ctx, def.ID); err == nil {
		return nil, fmt.Errorf("version %d of workflow has not been published yet: %w",
			draft.Version, ErrIllegalArgument)
	}

	version, err := m.nextVersion(ctx, def.ID)
	if err != nil {
		return nil, err
	}

	workflow := &models.VersionedWorkflow{
		WorkflowID:  def.ID,
		Version:     version,
		SWADL:       string(source),
		Description: meta.Description,
		CreatedBy:   meta.CreatedBy,
		CreatedAt:   m.now().UTC(),
		UpdatedAt:   m.now().UTC(),
	}

	if !def.Properties.ShouldPublish() {
		if err := m.store.Save(ctx, workflow); err != nil {
			return nil, err
		}

		m.logger.Info("draft stored", "workflow_id", def.ID, "version", version)

		return workflow, nil
	}

	if err := m.activate(ctx, workflow, graph); err != nil {
		return nil, err
	}

	return workflow, nil
}

// Update replaces the content of the latest version, which must be an
// unpublished draft. With `properties.publish: true` (the default) the
// draft is published and activated in the same call.
func (m *Manager) Update(ctx context.Context, source []byte, meta Meta) (*models.VersionedWorkflow, error) {
	def, graph, err := m.build(source)
	if err != nil {
		return nil, err
	}

	latest, err := m.store.FindLatest(ctx, def.ID)
	if err != nil {
		return nil, fmt.Errorf("workflow %s does not exist: %w", def.ID, ErrNotFound)
	}

	if latest.Published {
		return nil, fmt.Errorf("update on a published workflow is forbidden: %w", ErrUnsupportedOperation)
	}

	latest.SWADL = string(source)
	if meta.Description != "" {
		latest.Description = meta.Description
	}
	if meta.CreatedBy != "" {
		latest.CreatedBy = meta.CreatedBy
	}
	latest.UpdatedAt = m.now().UTC()

	if !def.Properties.ShouldPublish() {
		if err := m.store.Save(ctx, latest); err != nil {
			return nil, err
		}

		m.logger.Info("draft updated", "workflow_id", def.ID, "version", latest.Version)

		return latest, nil
	}

	if err := m.activate(ctx, latest, graph); err != nil {
		return nil, err
	}

	return latest, nil
}

// SetActiveVersion routes an older published version again. The target
// must exist and be published.
func (m *Manager) SetActiveVersion(ctx context.Context, workflowID string, version int64) error {
	target, err := m.store.FindByVersion(ctx, workflowID, version)
	if err != nil {
		return fmt.Errorf("version %d of the workflow %s does not exist: %w",
			version, workflowID, ErrNotFound)
	}

	if !target.Published {
		return fmt.Errorf("version %d of the workflow %s is in draft mode: %w",
			version, workflowID, ErrIllegalArgument)
	}

	def, graph, err := m.build([]byte(target.SWADL))
	if err != nil {
		return err
	}

	if def.ID != workflowID {
		return fmt.Errorf("stored document identifies as %s: %w", def.ID, ErrIllegalArgument)
	}

	return m.activate(ctx, target, graph)
}

// DeleteVersion removes one version. An active version is un-routed from
// the engine first.
func (m *Manager) DeleteVersion(ctx context.Context, workflowID string, version int64) error {
	target, err := m.store.FindByVersion(ctx, workflowID, version)
	if err != nil {
		return fmt.Errorf("version %d of the workflow %s does not exist: %w",
			version, workflowID, ErrNotFound)
	}

	if target.Active && target.DeploymentID != "" {
		if err := m.deployer.Uninstall(target.DeploymentID); err != nil {
			m.logger.Warn("failed to uninstall deployment",
				"workflow_id", workflowID, "deployment_id", target.DeploymentID, "error", err)
		}
	}

	if err := m.store.DeleteByVersion(ctx, workflowID, version); err != nil {
		return err
	}

	m.logger.Info("version deleted", "workflow_id", workflowID, "version", version)

	return nil
}

// Delete removes a workflow id entirely: every stored version and every
// routed deployment.
func (m *Manager) Delete(ctx context.Context, workflowID string) error {
	if _, err := m.store.ListVersions(ctx, workflowID); err != nil {
		return fmt.Errorf("workflow %s does not exist: %w", workflowID, ErrNotFound)
	}

	if err := m.deployer.UninstallWorkflow(workflowID); err != nil {
		m.logger.Warn("failed to uninstall workflow", "workflow_id", workflowID, "error", err)
	}

	if err := m.store.DeleteAll(ctx, workflowID); err != nil {
		return err
	}

	m.logger.Info("workflow deleted", "workflow_id", workflowID)

	return nil
}

// GetVersion reads one stored version.
func (m *Manager) GetVersion(ctx context.Context, workflowID string, version int64) (*models.VersionedWorkflow, error) {
	workflow, err := m.store.FindByVersion(ctx, workflowID, version)
	if err != nil {
		return nil, fmt.Errorf("version %d of the workflow %s does not exist: %w",
			version, workflowID, ErrNotFound)
	}

	return workflow, nil
}

// ListVersions lists all stored versions of a workflow id, oldest first.
func (m *Manager) ListVersions(ctx context.Context, workflowID string) ([]*models.VersionedWorkflow, error) {
	workflows, err := m.store.ListVersions(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow %s does not exist: %w", workflowID, ErrNotFound)
	}

	return workflows, nil
}

// ListWorkflows lists the known workflow ids.
func (m *Manager) ListWorkflows(ctx context.Context) ([]string, error) {
	return m.store.ListWorkflowIDs(ctx)
}

// Restore reinstalls every active version at boot, so routing survives a
// restart. Versions whose stored document no longer compiles are logged
// and skipped rather than blocking startup.
func (m *Manager) Restore(ctx context.Context) error {
	ids, err := m.store.ListWorkflowIDs(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		active, err := m.store.FindActive(ctx, id)
		if err != nil {
			continue
		}

		_, graph, err := m.build([]byte(active.SWADL))
		if err != nil {
			m.logger.Error("stored active version no longer compiles, skipping",
				"workflow_id", id, "version", active.Version, "error", err)

			continue
		}

		deploymentID, err := m.deployer.Install(graph, active.WorkflowID, active.Version)
		if err != nil {
			return err
		}

		active.DeploymentID = deploymentID
		if err := m.store.Save(ctx, active); err != nil {
			return err
		}

		m.logger.Info("restored active version", "workflow_id", id, "version", active.Version)
	}

	return nil
}

// build validates, parses and compiles a document without touching any
// stored state.
func (m *Manager) build(source []byte) (*models.Definition, *compiler.Graph, error) {
	def, err := swadl.FromYAML(m.logger, m.registry, source)
	if err != nil {
		return nil, nil, err
	}

	graph, err := m.compiler.Compile(def)
	if err != nil {
		return nil, nil, err
	}

	return def, graph, nil
}

// activate installs the compiled graph, deactivates the previously
// active version and marks the new one published and active. The
// previous version is written first: at no intermediate state, including
// a crash between the two writes, do two versions carry the active flag.
func (m *Manager) activate(ctx context.Context, workflow *models.VersionedWorkflow, graph *compiler.Graph) error {
	previous, err := m.store.FindActive(ctx, workflow.WorkflowID)
	if err != nil || previous.Version == workflow.Version {
		previous = nil
	}

	deploymentID, err := m.deployer.Install(graph, workflow.WorkflowID, workflow.Version)
	if err != nil {
		return err
	}

	var previousDeploymentID string

	if previous != nil {
		previousDeploymentID = previous.DeploymentID

		previous.Active = false
		previous.DeploymentID = ""
		previous.UpdatedAt = m.now().UTC()

		if err := m.store.Save(ctx, previous); err != nil {
			if uerr := m.deployer.Uninstall(deploymentID); uerr != nil {
				m.logger.Warn("failed to roll back deployment", "deployment_id", deploymentID, "error", uerr)
			}

			return err
		}
	}

	workflow.Published = true
	workflow.Active = true
	workflow.DeploymentID = deploymentID
	workflow.UpdatedAt = m.now().UTC()

	if err := m.store.Save(ctx, workflow); err != nil {
		if uerr := m.deployer.Uninstall(deploymentID); uerr != nil {
			m.logger.Warn("failed to roll back deployment", "deployment_id", deploymentID, "error", uerr)
		}

		if previous != nil {
			previous.Active = true
			previous.DeploymentID = previousDeploymentID
			previous.UpdatedAt = m.now().UTC()

			if rerr := m.store.Save(ctx, previous); rerr != nil {
				m.logger.Warn("failed to restore previous active version",
					"workflow_id", workflow.WorkflowID, "version", previous.Version, "error", rerr)
			}
		}

		return err
	}

	if previousDeploymentID != "" {
		if err := m.deployer.Uninstall(previousDeploymentID); err != nil {
			m.logger.Warn("failed to uninstall previous version",
				"workflow_id", workflow.WorkflowID, "version", previous.Version, "error", err)
		}
	}

	m.logger.Info("version activated", "workflow_id", workflow.WorkflowID, "version", workflow.Version)

	return nil
}

// nextVersion derives a strictly increasing microsecond version number.
func (m *Manager) nextVersion(ctx context.Context, workflowID string) (int64, error) {
	version := m.now().UnixMicro()

	if latest, err := m.store.FindLatest(ctx, workflowID); err == nil && version <= latest.Version {
		version = latest.Version + 1
	}

	return version, nil
}
