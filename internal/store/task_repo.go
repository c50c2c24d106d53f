package store

import (
	"context"
	"encoding/json"

	"github.com/more-free/marathon-core/internal/coreerr"
	"github.com/more-free/marathon-core/internal/task"
)

// TaskRepo persists tasks under tasks/<appId>/<taskId> and implements
// tracker.Store directly so the tracker never depends on Zookeeper
// types.
type TaskRepo struct {
	client *Client
	root   string
}

func NewTaskRepo(client *Client, root string) *TaskRepo {
	return &TaskRepo{client: client, root: root}
}

func (r *TaskRepo) appDir(appID string) string { return r.root + "/" + sanitize(appID) }

func (r *TaskRepo) taskPath(appID, taskID string) string {
	return r.appDir(appID) + "/" + sanitize(taskID)
}

func (r *TaskRepo) PutTask(ctx context.Context, appID string, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return coreerr.Wrap(coreerr.Unknown, "marshal task", err)
	}
	return r.client.SetJSON(ctx, r.taskPath(appID, t.ID), data)
}

func (r *TaskRepo) DeleteTask(ctx context.Context, appID, taskID string) error {
	return r.client.Delete(ctx, r.taskPath(appID, taskID))
}

func (r *TaskRepo) ListAppTasks(ctx context.Context, appID string) ([]*task.Task, error) {
	ids, err := r.client.Children(ctx, r.appDir(appID))
	if err != nil {
		return nil, err
	}
	return r.loadTasks(ctx, appID, ids)
}

func (r *TaskRepo) ListAllTasks(ctx context.Context) ([]*task.Task, error) {
	appDirs, err := r.client.Children(ctx, r.root)
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	for _, encoded := range appDirs {
		appID := unsanitize(encoded)
		tasks, err := r.ListAppTasks(ctx, appID)
		if err != nil {
			continue
		}
		out = append(out, tasks...)
	}
	return out, nil
}

func (r *TaskRepo) loadTasks(ctx context.Context, appID string, taskIDs []string) ([]*task.Task, error) {
	out := make([]*task.Task, 0, len(taskIDs))
	for _, encoded := range taskIDs {
		data, err := r.client.GetJSON(ctx, r.appDir(appID)+"/"+encoded)
		if err != nil {
			continue
		}
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}
