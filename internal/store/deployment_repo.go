package store

import (
	"context"
	"encoding/json"

	"github.com/more-free/marathon-core/internal/coreerr"
)

// DeploymentRecord is the persisted state of one deployment: its id,
// the app ids it touches and its status. It does not hold the plan's
// steps.
type DeploymentRecord struct {
	ID          string   `json:"id"`
	AffectedIDs []string `json:"affectedIds"`
	Status      string   `json:"status"` // "running", "canceled", "failed", "success"
}

// DeploymentRepo persists deployment records under deployments/<id>.
// The executor writes a record here before executing a plan and
// updates its status when the plan ends.
type DeploymentRepo struct {
	client *Client
	root   string
}

func NewDeploymentRepo(client *Client, root string) *DeploymentRepo {
	return &DeploymentRepo{client: client, root: root}
}

func (r *DeploymentRepo) path(id string) string { return r.root + "/" + sanitize(id) }

func (r *DeploymentRepo) Put(ctx context.Context, rec DeploymentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return coreerr.Wrap(coreerr.Unknown, "marshal deployment record", err)
	}
	return r.client.SetJSON(ctx, r.path(rec.ID), data)
}

func (r *DeploymentRepo) Get(ctx context.Context, id string) (DeploymentRecord, error) {
	data, err := r.client.GetJSON(ctx, r.path(id))
	if err != nil {
		return DeploymentRecord{}, coreerr.UnknownDeploymentErr(id)
	}
	var rec DeploymentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return DeploymentRecord{}, coreerr.Wrap(coreerr.Unknown, "unmarshal deployment record", err)
	}
	return rec, nil
}

func (r *DeploymentRepo) Delete(ctx context.Context, id string) error {
	return r.client.Delete(ctx, r.path(id))
}

func (r *DeploymentRepo) List(ctx context.Context) ([]DeploymentRecord, error) {
	ids, err := r.client.Children(ctx, r.root)
	if err != nil {
		return nil, err
	}
	out := make([]DeploymentRecord, 0, len(ids))
	for _, encoded := range ids {
		rec, err := r.Get(ctx, unsanitize(encoded))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
