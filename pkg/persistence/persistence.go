// Package persistence provides the storage abstraction for versioned
// workflow definitions.
package persistence

import (
	"context"

	"github.com/chatops/swadl/pkg/models"
)

// Persistence stores versioned workflows. A workflow id owns many
// versions; at most one is active and at most one (the latest) may be an
// unpublished draft. Save upserts by (workflow id, version).
type Persistence interface {
	Save(ctx context.Context, workflow *models.VersionedWorkflow) error
	FindActive(ctx context.Context, workflowID string) (*models.VersionedWorkflow, error)
	FindLatest(ctx context.Context, workflowID string) (*models.VersionedWorkflow, error)
	FindDraft(ctx context.Context, workflowID string) (*models.VersionedWorkflow, error)
	FindByVersion(ctx context.Context, workflowID string, version int64) (*models.VersionedWorkflow, error)
	ListVersions(ctx context.Context, workflowID string) ([]*models.VersionedWorkflow, error)
	ListWorkflowIDs(ctx context.Context) ([]string, error)
	DeleteByVersion(ctx context.Context, workflowID string, version int64) error
	DeleteAll(ctx context.Context, workflowID string) error
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
