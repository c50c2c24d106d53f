package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/more-free/marathon-core/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	byApp map[string]map[string]*task.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{byApp: make(map[string]map[string]*task.Task)}
}

func (f *fakeStore) PutTask(_ context.Context, appID string, t *task.Task) error {
	if f.byApp[appID] == nil {
		f.byApp[appID] = make(map[string]*task.Task)
	}
	f.byApp[appID][t.ID] = t.Copy()
	return nil
}

func (f *fakeStore) DeleteTask(_ context.Context, appID, taskID string) error {
	delete(f.byApp[appID], taskID)
	return nil
}

func (f *fakeStore) ListAppTasks(_ context.Context, appID string) ([]*task.Task, error) {
	var out []*task.Task
	for _, t := range f.byApp[appID] {
		out = append(out, t.Copy())
	}
	return out, nil
}

func (f *fakeStore) ListAllTasks(_ context.Context) ([]*task.Task, error) {
	var out []*task.Task
	for _, m := range f.byApp {
		for _, t := range m {
			out = append(out, t.Copy())
		}
	}
	return out, nil
}

func TestTrackerPutAndGet(t *testing.T) {
	tr := New(newFakeStore())
	tk := &task.Task{ID: "t1", AppID: "/a", Host: "host-a", LastKnownStatus: task.StateStaging}

	require.NoError(t, tr.Put(context.Background(), tk))
	got, ok := tr.Get("/a", "t1")
	require.True(t, ok)
	assert.Equal(t, task.StateStaging, got.LastKnownStatus)
}

func TestTrackerUpdateStatusTransitions(t *testing.T) {
	tr := New(newFakeStore())
	tk := &task.Task{ID: "t1", AppID: "/a", Host: "host-a", LastKnownStatus: task.StateStaging}
	require.NoError(t, tr.Put(context.Background(), tk))

	healthy := true
	updated, err := tr.UpdateStatus(context.Background(), "/a", "t1", task.StateRunning, &healthy)
	require.NoError(t, err)
	assert.Equal(t, task.StateRunning, updated.LastKnownStatus)
	require.NotNil(t, updated.Healthy)
	assert.True(t, *updated.Healthy)

	running, staging := tr.CountByStatus("/a")
	assert.Equal(t, 1, running)
	assert.Equal(t, 0, staging)
}

func TestTrackerUpdateStatusUnknownTaskIsNoop(t *testing.T) {
	tr := New(newFakeStore())
	updated, err := tr.UpdateStatus(context.Background(), "/a", "missing", task.StateRunning, nil)
	require.NoError(t, err)
	assert.Nil(t, updated)
}

func TestTrackerRemove(t *testing.T) {
	tr := New(newFakeStore())
	tk := &task.Task{ID: "t1", AppID: "/a", Host: "host-a", LastKnownStatus: task.StateFailed}
	require.NoError(t, tr.Put(context.Background(), tk))

	require.NoError(t, tr.Remove(context.Background(), "/a", "t1"))
	_, ok := tr.Get("/a", "t1")
	assert.False(t, ok)
}

func TestTrackerLoadHydratesFromStore(t *testing.T) {
	store := newFakeStore()
	store.byApp["/a"] = map[string]*task.Task{
		"t1": {ID: "t1", AppID: "/a", Host: "host-a", LastKnownStatus: task.StateRunning, StagedAt: time.Unix(1, 0)},
	}
	tr := New(store)
	require.NoError(t, tr.Load(context.Background()))

	tasks := tr.TasksForApp("/a")
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestTrackerPlacementsForAppExcludesTerminal(t *testing.T) {
	tr := New(newFakeStore())
	require.NoError(t, tr.Put(context.Background(), &task.Task{ID: "t1", AppID: "/a", Host: "host-a", LastKnownStatus: task.StateRunning}))
	require.NoError(t, tr.Put(context.Background(), &task.Task{ID: "t2", AppID: "/a", Host: "host-b", LastKnownStatus: task.StateFinished}))

	placements := tr.PlacementsForApp("/a")
	require.Len(t, placements, 1)
	assert.Equal(t, "host-a", placements[0].Host)
}
