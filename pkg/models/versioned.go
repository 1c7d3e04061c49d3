package models

import "time"

// VersionedWorkflow is the persisted record of one version of a workflow.
// Versions are monotonically increasing per workflow id. At most one
// version per id may be active, and only published versions can be active.
type VersionedWorkflow struct {
	WorkflowID   string    `json:"workflow_id" validate:"required"`
	Version      int64     `json:"version"     validate:"required,gt=0"`
	SWADL        string    `json:"swadl"       validate:"required"`
	Published    bool      `json:"published"`
	Active       bool      `json:"active"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
