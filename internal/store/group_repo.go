package store

import (
	"context"
	"encoding/json"

	"github.com/more-free/marathon-core/internal/coreerr"
	"github.com/more-free/marathon-core/internal/group"
)

// GroupRepo persists the entire tree as one JSON document at
// groups/root. Each Put replaces the whole document in one write, so
// it is never partially written; GroupRepo does not serialize
// concurrent writers.
type GroupRepo struct {
	client *Client
	path   string
}

func NewGroupRepo(client *Client, root string) *GroupRepo {
	return &GroupRepo{client: client, path: root + "/root"}
}

func (r *GroupRepo) Put(ctx context.Context, g *group.Group) error {
	data, err := json.Marshal(g)
	if err != nil {
		return coreerr.Wrap(coreerr.Unknown, "marshal group tree", err)
	}
	return r.client.SetJSON(ctx, r.path, data)
}

func (r *GroupRepo) Get(ctx context.Context) (*group.Group, error) {
	data, err := r.client.GetJSON(ctx, r.path)
	if err != nil {
		return nil, err
	}
	var g group.Group
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, coreerr.Wrap(coreerr.Unknown, "unmarshal group tree", err)
	}
	return &g, nil
}
