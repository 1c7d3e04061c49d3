// Package file provides file-based persistence for versioned workflows.
// Each workflow id owns a directory; each version is one JSON document.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/persistence"
)

// Persistence implements persistence.Persistence on the file system.
type Persistence struct {
	root string
}

// NewPersistence creates a file persistence rooted at the given directory.
// Accepts plain paths and file:// URLs.
func NewPersistence(root string) (*Persistence, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	if err := os.MkdirAll(filepath.Join(cleanRoot, "workflows"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workflow root: %w", err)
	}

	return &Persistence{root: cleanRoot}, nil
}

func (fp *Persistence) workflowDir(workflowID string) string {
	return filepath.Join(fp.root, "workflows", workflowID)
}

func (fp *Persistence) versionPath(workflowID string, version int64) string {
	return filepath.Join(fp.workflowDir(workflowID), strconv.FormatInt(version, 10)+".json")
}

func (fp *Persistence) Save(_ context.Context, workflow *models.VersionedWorkflow) error {
	if err := os.MkdirAll(fp.workflowDir(workflow.WorkflowID), 0o755); err != nil {
		return persistence.NewVersionError("Save", workflow.WorkflowID, workflow.Version, err)
	}

	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return persistence.NewVersionError("Save", workflow.WorkflowID, workflow.Version, err)
	}

	path := fp.versionPath(workflow.WorkflowID, workflow.Version)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return persistence.NewVersionError("Save", workflow.WorkflowID, workflow.Version, err)
	}

	return nil
}

func (fp *Persistence) FindActive(ctx context.Context, workflowID string) (*models.VersionedWorkflow, error) {
	versions, err := fp.ListVersions(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	for _, v := range versions {
		if v.Active {
			return v, nil
		}
	}

	return nil, persistence.NewVersionError("FindActive", workflowID, 0, persistence.ErrActiveWorkflowNotFound)
}

func (fp *Persistence) FindLatest(ctx context.Context, workflowID string) (*models.VersionedWorkflow, error) {
	versions, err := fp.ListVersions(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	return versions[len(versions)-1], nil
}

func (fp *Persistence) FindDraft(ctx context.Context, workflowID string) (*models.VersionedWorkflow, error) {
	versions, err := fp.ListVersions(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	for _, v := range versions {
		if !v.Published {
			return v, nil
		}
	}

	return nil, persistence.NewVersionError("FindDraft", workflowID, 0, persistence.ErrDraftWorkflowNotFound)
}

func (fp *Persistence) FindByVersion(_ context.Context, workflowID string, version int64) (*models.VersionedWorkflow, error) {
	data, err := os.ReadFile(fp.versionPath(workflowID, version))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewVersionError("FindByVersion", workflowID, version, persistence.ErrVersionNotFound)
		}

		return nil, persistence.NewVersionError("FindByVersion", workflowID, version, err)
	}

	var workflow models.VersionedWorkflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, persistence.NewVersionError("FindByVersion", workflowID, version, err)
	}

	return &workflow, nil
}

// ListVersions returns all versions sorted ascending. A workflow id with
// no versions is reported as not found.
func (fp *Persistence) ListVersions(ctx context.Context, workflowID string) ([]*models.VersionedWorkflow, error) {
	entries, err := os.ReadDir(fp.workflowDir(workflowID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewVersionError("ListVersions", workflowID, 0, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewVersionError("ListVersions", workflowID, 0, err)
	}

	versions := make([]*models.VersionedWorkflow, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		version, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}

		workflow, err := fp.FindByVersion(ctx, workflowID, version)
		if err != nil {
			return nil, err
		}

		versions = append(versions, workflow)
	}

	if len(versions) == 0 {
		return nil, persistence.NewVersionError("ListVersions", workflowID, 0, persistence.ErrWorkflowNotFound)
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })

	return versions, nil
}

func (fp *Persistence) ListWorkflowIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fp.root, "workflows"))
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow root: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}

	sort.Strings(ids)

	return ids, nil
}

func (fp *Persistence) DeleteByVersion(_ context.Context, workflowID string, version int64) error {
	err := os.Remove(fp.versionPath(workflowID, version))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return persistence.NewVersionError("DeleteByVersion", workflowID, version, persistence.ErrVersionNotFound)
		}

		return persistence.NewVersionError("DeleteByVersion", workflowID, version, err)
	}

	// Drop the directory once the last version is gone.
	if entries, err := os.ReadDir(fp.workflowDir(workflowID)); err == nil && len(entries) == 0 {
		_ = os.Remove(fp.workflowDir(workflowID))
	}

	return nil
}

func (fp *Persistence) DeleteAll(_ context.Context, workflowID string) error {
	if _, err := os.Stat(fp.workflowDir(workflowID)); errors.Is(err, fs.ErrNotExist) {
		return persistence.NewVersionError("DeleteAll", workflowID, 0, persistence.ErrWorkflowNotFound)
	}

	if err := os.RemoveAll(fp.workflowDir(workflowID)); err != nil {
		return persistence.NewVersionError("DeleteAll", workflowID, 0, err)
	}

	return nil
}

// HealthCheck verifies the root directory is still there.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. Nothing to do for files.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}
