// Package postgres provides PostgreSQL persistence for versioned
// workflows. One row per (workflow id, version).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	// PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/persistence"
	"github.com/chatops/swadl/pkg/persistence/sqlbase"
)

const versionColumns = `workflow_id, version, swadl, published, active, deployment_id, description, created_by, created_at, updated_at`

// Persistence implements persistence.Persistence on PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPersistence connects, pings and migrates the database.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())
	if err := migrationManager.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{db: database, logger: logger}, nil
}

func (p *Persistence) Save(ctx context.Context, workflow *models.VersionedWorkflow) error {
	upsertSQL := `
		INSERT INTO workflow_versions (` + versionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (workflow_id, version) DO UPDATE SET
			swadl = EXCLUDED.swadl,
			published = EXCLUDED.published,
			active = EXCLUDED.active,
			deployment_id = EXCLUDED.deployment_id,
			description = EXCLUDED.description,
			created_by = EXCLUDED.created_by,
			updated_at = EXCLUDED.updated_at
	`

	_, err := p.db.ExecContext(ctx, upsertSQL,
		workflow.WorkflowID, workflow.Version, workflow.SWADL,
		workflow.Published, workflow.Active, workflow.DeploymentID,
		workflow.Description, workflow.CreatedBy,
		workflow.CreatedAt, workflow.UpdatedAt)
	if err != nil {
		return persistence.NewVersionError("Save", workflow.WorkflowID, workflow.Version, err)
	}

	return nil
}

func (p *Persistence) FindActive(ctx context.Context, workflowID string) (*models.VersionedWorkflow, error) {
	workflow, err := p.findOne(ctx, "FindActive", workflowID,
		"SELECT "+versionColumns+" FROM workflow_versions WHERE workflow_id = $1 AND active", workflowID)
	if err != nil {
		if errors.Is(err, persistence.ErrVersionNotFound) {
			return nil, p.missing(ctx, "FindActive", workflowID, persistence.ErrActiveWorkflowNotFound)
		}

		return nil, err
	}

	return workflow, nil
}

func (p *Persistence) FindLatest(ctx context.Context, workflowID string) (*models.VersionedWorkflow, error) {
	workflow, err := p.findOne(ctx, "FindLatest", workflowID,
		"SELECT "+versionColumns+" FROM workflow_versions WHERE workflow_id = $1 ORDER BY version DESC LIMIT 1", workflowID)
	if err != nil {
		if errors.Is(err, persistence.ErrVersionNotFound) {
			return nil, persistence.NewVersionError("FindLatest", workflowID, 0, persistence.ErrWorkflowNotFound)
		}

		return nil, err
	}

	return workflow, nil
}

func (p *Persistence) FindDraft(ctx context.Context, workflowID string) (*models.VersionedWorkflow, error) {
	workflow, err := p.findOne(ctx, "FindDraft", workflowID,
		"SELECT "+versionColumns+" FROM workflow_versions WHERE workflow_id = $1 AND NOT published", workflowID)
	if err != nil {
		if errors.Is(err, persistence.ErrVersionNotFound) {
			return nil, p.missing(ctx, "FindDraft", workflowID, persistence.ErrDraftWorkflowNotFound)
		}

		return nil, err
	}

	return workflow, nil
}

func (p *Persistence) FindByVersion(ctx context.Context, workflowID string, version int64) (*models.VersionedWorkflow, error) {
	row := p.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM workflow_versions WHERE workflow_id = $1 AND version = $2",
		workflowID, version)

	workflow, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewVersionError("FindByVersion", workflowID, version, persistence.ErrVersionNotFound)
		}

		return nil, persistence.NewVersionError("FindByVersion", workflowID, version, err)
	}

	return workflow, nil
}

func (p *Persistence) ListVersions(ctx context.Context, workflowID string) ([]*models.VersionedWorkflow, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT "+versionColumns+" FROM workflow_versions WHERE workflow_id = $1 ORDER BY version ASC",
		workflowID)
	if err != nil {
		return nil, persistence.NewVersionError("ListVersions", workflowID, 0, err)
	}
	defer func() { _ = rows.Close() }()

	var versions []*models.VersionedWorkflow

	for rows.Next() {
		workflow, err := scanVersion(rows)
		if err != nil {
			return nil, persistence.NewVersionError("ListVersions", workflowID, 0, err)
		}

		versions = append(versions, workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewVersionError("ListVersions", workflowID, 0, err)
	}

	if len(versions) == 0 {
		return nil, persistence.NewVersionError("ListVersions", workflowID, 0, persistence.ErrWorkflowNotFound)
	}

	return versions, nil
}

func (p *Persistence) ListWorkflowIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT DISTINCT workflow_id FROM workflow_versions ORDER BY workflow_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workflow id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list workflow ids: %w", err)
	}

	return ids, nil
}

func (p *Persistence) DeleteByVersion(ctx context.Context, workflowID string, version int64) error {
	result, err := p.db.ExecContext(ctx,
		"DELETE FROM workflow_versions WHERE workflow_id = $1 AND version = $2",
		workflowID, version)
	if err != nil {
		return persistence.NewVersionError("DeleteByVersion", workflowID, version, err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return persistence.NewVersionError("DeleteByVersion", workflowID, version, err)
	}

	if removed == 0 {
		return persistence.NewVersionError("DeleteByVersion", workflowID, version, persistence.ErrVersionNotFound)
	}

	return nil
}

func (p *Persistence) DeleteAll(ctx context.Context, workflowID string) error {
	result, err := p.db.ExecContext(ctx, "DELETE FROM workflow_versions WHERE workflow_id = $1", workflowID)
	if err != nil {
		return persistence.NewVersionError("DeleteAll", workflowID, 0, err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return persistence.NewVersionError("DeleteAll", workflowID, 0, err)
	}

	if removed == 0 {
		return persistence.NewVersionError("DeleteAll", workflowID, 0, persistence.ErrWorkflowNotFound)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// findOne runs a query expected to match at most one version. Zero rows
// map to ErrVersionNotFound for the caller to refine.
func (p *Persistence) findOne(ctx context.Context, op, workflowID, query string, args ...any) (*models.VersionedWorkflow, error) {
	workflow, err := scanVersion(p.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewVersionError(op, workflowID, 0, persistence.ErrVersionNotFound)
		}

		return nil, persistence.NewVersionError(op, workflowID, 0, err)
	}

	return workflow, nil
}

// missing distinguishes "workflow unknown" from "workflow known but no
// matching version", matching the file adapter's behavior.
func (p *Persistence) missing(ctx context.Context, op, workflowID string, sentinel error) error {
	var count int

	err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workflow_versions WHERE workflow_id = $1", workflowID).Scan(&count)
	if err != nil {
		return persistence.NewVersionError(op, workflowID, 0, err)
	}

	if count == 0 {
		return persistence.NewVersionError(op, workflowID, 0, persistence.ErrWorkflowNotFound)
	}

	return persistence.NewVersionError(op, workflowID, 0, sentinel)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (*models.VersionedWorkflow, error) {
	var workflow models.VersionedWorkflow

	err := row.Scan(&workflow.WorkflowID, &workflow.Version, &workflow.SWADL,
		&workflow.Published, &workflow.Active, &workflow.DeploymentID,
		&workflow.Description, &workflow.CreatedBy,
		&workflow.CreatedAt, &workflow.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &workflow, nil
}
