package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	mesos "github.com/mesos/mesos-go/api/v0/mesosproto"
	sched "github.com/mesos/mesos-go/api/v0/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/clock"
	"github.com/more-free/marathon-core/internal/events"
	"github.com/more-free/marathon-core/internal/health"
	"github.com/more-free/marathon-core/internal/id"
	"github.com/more-free/marathon-core/internal/queue"
	"github.com/more-free/marathon-core/internal/task"
	"github.com/more-free/marathon-core/internal/tracker"
)

// fakeDriver implements sched.SchedulerDriver, recording the calls
// the coordinator makes so tests can assert on them without a real
// resource master.
type fakeDriver struct {
	mu       sync.Mutex
	killed   []string
	declined []string
	launched int
}

func (f *fakeDriver) Start() (mesos.Status, error) { return 0, nil }
func (f *fakeDriver) Stop(bool) (mesos.Status, error) { return 0, nil }
func (f *fakeDriver) Abort() (mesos.Status, error) { return 0, nil }
func (f *fakeDriver) Join() (mesos.Status, error) { return 0, nil }
func (f *fakeDriver) Run() (mesos.Status, error) { return 0, nil }
func (f *fakeDriver) RequestResources([]*mesos.Request) (mesos.Status, error) { return 0, nil }
func (f *fakeDriver) ReviveOffers() (mesos.Status, error) { return 0, nil }
func (f *fakeDriver) SendFrameworkMessage(*mesos.ExecutorID, *mesos.SlaveID, string) (mesos.Status, error) {
	return 0, nil
}

func (f *fakeDriver) AcceptOffers(_ []*mesos.OfferID, _ []*mesos.Offer_Operation, _ *mesos.Filters) (mesos.Status, error) {
	return 0, nil
}

func (f *fakeDriver) LaunchTasks(_ []*mesos.OfferID, tasks []*mesos.TaskInfo, _ *mesos.Filters) (mesos.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched += len(tasks)
	return 0, nil
}

func (f *fakeDriver) KillTask(id *mesos.TaskID) (mesos.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id.GetValue())
	return 0, nil
}

func (f *fakeDriver) DeclineOffer(id *mesos.OfferID, _ *mesos.Filters) (mesos.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined = append(f.declined, id.GetValue())
	return 0, nil
}

func (f *fakeDriver) ReconcileTasks(statuses []*mesos.TaskStatus) (mesos.Status, error) {
	return 0, nil
}

var _ sched.SchedulerDriver = (*fakeDriver)(nil)

type fakeTaskStore struct {
	mu    sync.Mutex
	byApp map[string]map[string]*task.Task
}

func newFakeTaskStore() *fakeTaskStore { return &fakeTaskStore{byApp: make(map[string]map[string]*task.Task)} }

func (f *fakeTaskStore) PutTask(_ context.Context, appID string, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byApp[appID] == nil {
		f.byApp[appID] = make(map[string]*task.Task)
	}
	f.byApp[appID][t.ID] = t.Copy()
	return nil
}

func (f *fakeTaskStore) DeleteTask(_ context.Context, appID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byApp[appID], taskID)
	return nil
}

func (f *fakeTaskStore) ListAppTasks(_ context.Context, appID string) ([]*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.Task
	for _, t := range f.byApp[appID] {
		out = append(out, t.Copy())
	}
	return out, nil
}

func (f *fakeTaskStore) ListAllTasks(_ context.Context) ([]*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.Task
	for _, m := range f.byApp {
		for _, t := range m {
			out = append(out, t.Copy())
		}
	}
	return out, nil
}

type fakeApps struct {
	apps map[string]apptype.AppDefinition
}

func (f *fakeApps) GetApp(appID string) (apptype.AppDefinition, bool) {
	a, ok := f.apps[appID]
	return a, ok
}

func newCoordinator(apps *fakeApps) (*Coordinator, *fakeTaskStore) {
	store := newFakeTaskStore()
	tk := tracker.New(store)
	c := &Coordinator{
		Apps:        apps,
		Tasks:       tk,
		Queue:       queue.NewQueue(),
		RateLimiter: queue.NewRateLimiter(clock.NewFake(time.Unix(1000, 0))),
		Health:      health.NewManager(clock.NewFake(time.Unix(1000, 0)), nil),
		Publisher:   events.NewBus(),
		Clock:       clock.NewFake(time.Unix(1000, 0)),
	}
	return c, store
}

func TestKillStaleStagedTasksKillsOverdueOnly(t *testing.T) {
	apps := &fakeApps{apps: map[string]apptype.AppDefinition{}}
	c, store := newCoordinator(apps)

	stale := &task.Task{ID: "stale", AppID: "/a", LastKnownStatus: task.StateStaging, StagedAt: time.Unix(0, 0)}
	fresh := &task.Task{ID: "fresh", AppID: "/a", LastKnownStatus: task.StateStaging, StagedAt: time.Unix(999, 0)}
	require.NoError(t, store.PutTask(context.Background(), "/a", stale))
	require.NoError(t, store.PutTask(context.Background(), "/a", fresh))
	require.NoError(t, c.Tasks.Load(context.Background()))

	d := &fakeDriver{}
	c.killStaleStagedTasks(d)

	assert.Contains(t, d.killed, "stale")
	assert.NotContains(t, d.killed, "fresh")
}

func TestPruneStaleQueueEntriesDropsSupersededVersion(t *testing.T) {
	current := apptype.AppDefinition{ID: id.MustParse("/a"), Version: time.Unix(2, 0)}
	apps := &fakeApps{apps: map[string]apptype.AppDefinition{"/a": current}}
	c, _ := newCoordinator(apps)

	stale := apptype.AppDefinition{ID: id.MustParse("/a"), Version: time.Unix(1, 0)}
	c.Queue.AddN(stale, 2, time.Unix(1, 0))
	c.Queue.AddN(current, 1, time.Unix(2, 0))

	c.pruneStaleQueueEntries()

	remaining := c.Queue.All()
	require.Len(t, remaining, 1)
	assert.True(t, remaining[0].App.Version.Equal(current.Version))
}

func TestStatusUpdateResetsBackoffOnRunning(t *testing.T) {
	app := apptype.AppDefinition{ID: id.MustParse("/a"), Version: time.Unix(1, 0), BackoffSeconds: 5}
	apps := &fakeApps{apps: map[string]apptype.AppDefinition{"/a": app}}
	c, store := newCoordinator(apps)

	tk := &task.Task{ID: "t1", AppID: "/a", AppVersion: app.Version, LastKnownStatus: task.StateStaging}
	require.NoError(t, store.PutTask(context.Background(), "/a", tk))
	require.NoError(t, c.Tasks.Load(context.Background()))
	c.RateLimiter.AddDelay(app)
	require.True(t, c.RateLimiter.HasTimeLeft(app))

	d := &fakeDriver{}
	status := &mesos.TaskStatus{
		TaskId: &mesos.TaskID{Value: proto.String("t1")},
		State:  mesos.TaskState_TASK_RUNNING.Enum(),
	}
	c.StatusUpdate(d, status)

	assert.False(t, c.RateLimiter.HasTimeLeft(app))
	got, ok := c.Tasks.Get("/a", "t1")
	require.True(t, ok)
	assert.Equal(t, task.StateRunning, got.LastKnownStatus)
}

func TestStatusUpdateRemovesTerminalTask(t *testing.T) {
	app := apptype.AppDefinition{ID: id.MustParse("/a"), Version: time.Unix(1, 0)}
	apps := &fakeApps{apps: map[string]apptype.AppDefinition{"/a": app}}
	c, store := newCoordinator(apps)

	tk := &task.Task{ID: "t1", AppID: "/a", AppVersion: app.Version, LastKnownStatus: task.StateRunning}
	require.NoError(t, store.PutTask(context.Background(), "/a", tk))
	require.NoError(t, c.Tasks.Load(context.Background()))

	d := &fakeDriver{}
	status := &mesos.TaskStatus{
		TaskId: &mesos.TaskID{Value: proto.String("t1")},
		State:  mesos.TaskState_TASK_FINISHED.Enum(),
	}
	c.StatusUpdate(d, status)

	_, ok := c.Tasks.Get("/a", "t1")
	assert.False(t, ok)
}

// A task crashing outside any active deployment must be re-queued so
// the app converges back to its declared instance count.
func TestStatusUpdateRequeuesDeficitOnCrash(t *testing.T) {
	app := apptype.AppDefinition{ID: id.MustParse("/a"), Version: time.Unix(1, 0), Instances: 3}
	apps := &fakeApps{apps: map[string]apptype.AppDefinition{"/a": app}}
	c, store := newCoordinator(apps)

	tk := &task.Task{ID: "t1", AppID: "/a", AppVersion: app.Version, LastKnownStatus: task.StateRunning}
	require.NoError(t, store.PutTask(context.Background(), "/a", tk))
	require.NoError(t, c.Tasks.Load(context.Background()))

	d := &fakeDriver{}
	status := &mesos.TaskStatus{
		TaskId: &mesos.TaskID{Value: proto.String("t1")},
		State:  mesos.TaskState_TASK_FAILED.Enum(),
	}
	c.StatusUpdate(d, status)

	queued := c.Queue.All()
	require.Len(t, queued, 3)
	for _, qt := range queued {
		assert.True(t, qt.App.ID.Equal(app.ID))
	}
}

// An app with no configured health checks is healthy as soon as it is
// running; RunHealthChecks must still record that verdict against the
// tracked task so deployment executor's healthy-count logic sees it.
func TestRunHealthChecksRecordsHealthyWithNoConfiguredChecks(t *testing.T) {
	app := apptype.AppDefinition{ID: id.MustParse("/a"), Version: time.Unix(1, 0), Instances: 1}
	apps := &fakeApps{apps: map[string]apptype.AppDefinition{"/a": app}}
	c, store := newCoordinator(apps)

	tk := &task.Task{ID: "t1", AppID: "/a", AppVersion: app.Version, LastKnownStatus: task.StateRunning}
	require.NoError(t, store.PutTask(context.Background(), "/a", tk))
	require.NoError(t, c.Tasks.Load(context.Background()))

	c.RunHealthChecks(context.Background())

	got, ok := c.Tasks.Get("/a", "t1")
	require.True(t, ok)
	require.NotNil(t, got.Healthy)
	assert.True(t, *got.Healthy)
}

func TestStatusUpdateForUnknownTaskKillsIt(t *testing.T) {
	apps := &fakeApps{apps: map[string]apptype.AppDefinition{}}
	c, _ := newCoordinator(apps)

	d := &fakeDriver{}
	status := &mesos.TaskStatus{
		TaskId: &mesos.TaskID{Value: proto.String("ghost")},
		State:  mesos.TaskState_TASK_RUNNING.Enum(),
	}
	c.StatusUpdate(d, status)

	assert.Contains(t, d.killed, "ghost")
}
