// Package redis provides Redis backed persistence for versioned
// workflows. Versions live in one hash per workflow id, keyed by version
// number, with a set indexing the known workflow ids.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/persistence"
)

const (
	workflowKeyPrefix = "swadl:workflows:"
	workflowIndexKey  = "swadl:workflow_ids"
)

// Persistence implements persistence.Persistence on Redis.
type Persistence struct {
	client *redis.Client
}

// NewPersistence connects to the Redis instance named by a redis:// URL.
func NewPersistence(url string) (*Persistence, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	return &Persistence{client: redis.NewClient(opts)}, nil
}

func workflowKey(workflowID string) string {
	return workflowKeyPrefix + workflowID
}

func (rp *Persistence) Save(ctx context.Context, workflow *models.VersionedWorkflow) error {
	data, err := json.Marshal(workflow)
	if err != nil {
		return persistence.NewVersionError("Save", workflow.WorkflowID, workflow.Version, err)
	}

	pipe := rp.client.TxPipeline()
	pipe.HSet(ctx, workflowKey(workflow.WorkflowID), strconv.FormatInt(workflow.Version, 10), data)
	pipe.SAdd(ctx, workflowIndexKey, workflow.WorkflowID)

	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.NewVersionError("Save", workflow.WorkflowID, workflow.Version, err)
	}

	return nil
}

func (rp *Persistence) FindActive(ctx context.Context, workflowID string) (*models.VersionedWorkflow, error) {
	versions, err := rp.ListVersions(ctx, workflowID)
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

func (rp *Persistence) FindLatest(ctx context.Context, workflowID string) (*models.VersionedWorkflow, error) {
	versions, err := rp.ListVersions(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	return versions[len(versions)-1], nil
}

func (rp *Persistence) FindDraft(ctx context.Context, workflowID string) (*models.VersionedWorkflow, error) {
	versions, err := rp.ListVersions(ctx, workflowID)
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

func (rp *Persistence) FindByVersion(ctx context.Context, workflowID string, version int64) (*models.VersionedWorkflow, error) {
	data, err := rp.client.HGet(ctx, workflowKey(workflowID), strconv.FormatInt(version, 10)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
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
func (rp *Persistence) ListVersions(ctx context.Context, workflowID string) ([]*models.VersionedWorkflow, error) {
	fields, err := rp.client.HGetAll(ctx, workflowKey(workflowID)).Result()
	if err != nil {
		return nil, persistence.NewVersionError("ListVersions", workflowID, 0, err)
	}

	if len(fields) == 0 {
		return nil, persistence.NewVersionError("ListVersions", workflowID, 0, persistence.ErrWorkflowNotFound)
	}

	versions := make([]*models.VersionedWorkflow, 0, len(fields))

	for _, raw := range fields {
		var workflow models.VersionedWorkflow
		if err := json.Unmarshal([]byte(raw), &workflow); err != nil {
			return nil, persistence.NewVersionError("ListVersions", workflowID, 0, err)
		}

		versions = append(versions, &workflow)
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })

	return versions, nil
}

func (rp *Persistence) ListWorkflowIDs(ctx context.Context) ([]string, error) {
	ids, err := rp.client.SMembers(ctx, workflowIndexKey).Result()
	if err != nil {
		return nil, err
	}

	sort.Strings(ids)

	return ids, nil
}

func (rp *Persistence) DeleteByVersion(ctx context.Context, workflowID string, version int64) error {
	removed, err := rp.client.HDel(ctx, workflowKey(workflowID), strconv.FormatInt(version, 10)).Result()
	if err != nil {
		return persistence.NewVersionError("DeleteByVersion", workflowID, version, err)
	}

	if removed == 0 {
		return persistence.NewVersionError("DeleteByVersion", workflowID, version, persistence.ErrVersionNotFound)
	}

	// Drop the index entry once the last version is gone.
	if remaining, err := rp.client.HLen(ctx, workflowKey(workflowID)).Result(); err == nil && remaining == 0 {
		_ = rp.client.SRem(ctx, workflowIndexKey, workflowID).Err()
	}

	return nil
}

func (rp *Persistence) DeleteAll(ctx context.Context, workflowID string) error {
	removed, err := rp.client.Del(ctx, workflowKey(workflowID)).Result()
	if err != nil {
		return persistence.NewVersionError("DeleteAll", workflowID, 0, err)
	}

	if removed == 0 {
		return persistence.NewVersionError("DeleteAll", workflowID, 0, persistence.ErrWorkflowNotFound)
	}

	return rp.client.SRem(ctx, workflowIndexKey, workflowID).Err()
}

func (rp *Persistence) HealthCheck(ctx context.Context) error {
	return rp.client.Ping(ctx).Err()
}

func (rp *Persistence) Close(_ context.Context) error {
	return rp.client.Close()
}
