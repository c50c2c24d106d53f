// Package scheduler implements the coordinator: the single logical
// actor that receives every resource-master callback and serializes
// its reaction against the task tracker, queue and health manager.
package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	log "github.com/golang/glog"
	"github.com/google/uuid"
	mesos "github.com/mesos/mesos-go/api/v0/mesosproto"
	sched "github.com/mesos/mesos-go/api/v0/scheduler"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/clock"
	"github.com/more-free/marathon-core/internal/events"
	"github.com/more-free/marathon-core/internal/health"
	"github.com/more-free/marathon-core/internal/offer"
	"github.com/more-free/marathon-core/internal/queue"
	"github.com/more-free/marathon-core/internal/store"
	"github.com/more-free/marathon-core/internal/task"
	"github.com/more-free/marathon-core/internal/tracker"
)

// AppLookup answers an app's current declared definition, the
// coordinator's read-only view into the live group tree.
type AppLookup interface {
	GetApp(appID string) (apptype.AppDefinition, bool)
}

// taskLaunchTimeout bounds how long a task may sit STAGING before the
// coordinator gives up on it and asks the driver to kill it.
const taskLaunchTimeout = 5 * time.Minute

// Coordinator implements sched.Scheduler. Every callback below takes
// mu before touching shared state, so only one callback body runs at
// a time, standing in front of the tracker, queue and health manager.
type Coordinator struct {
	Apps         AppLookup
	Tasks        *tracker.Tracker
	Queue        *queue.Queue
	RateLimiter  *queue.RateLimiter
	Health       *health.Manager
	FrameworkIDs *store.FrameworkIDStore
	Publisher    events.Publisher
	Clock        clock.Clock

	mu sync.Mutex
}

func (c *Coordinator) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}

func (c *Coordinator) Registered(driver sched.SchedulerDriver, frameworkID *mesos.FrameworkID, masterInfo *mesos.MasterInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Infoln("registered with master", masterInfo)

	if c.FrameworkIDs != nil {
		if err := c.FrameworkIDs.Put(context.Background(), frameworkID.GetValue()); err != nil {
			log.Errorln("failed to persist framework id:", err)
		}
	}
	if err := c.Tasks.Load(context.Background()); err != nil {
		log.Errorln("failed to hydrate task index:", err)
	}
	c.Publisher.Publish(events.Event{Kind: events.SchedulerRegistered, Payload: frameworkID.GetValue()})
}

func (c *Coordinator) Reregistered(driver sched.SchedulerDriver, masterInfo *mesos.MasterInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Infoln("re-registered with master", masterInfo)

	if err := c.Tasks.Load(context.Background()); err != nil {
		log.Errorln("failed to hydrate task index:", err)
	}
	c.Publisher.Publish(events.Event{Kind: events.SchedulerReregistered})
}

func (c *Coordinator) Disconnected(sched.SchedulerDriver) {
	log.Warningln("disconnected from master")
	c.Publisher.Publish(events.Event{Kind: events.SchedulerDisconnected})
}

// ResourceOffers runs the pre-flight-then-match sequence: kill
// overdue staged tasks, drop queue entries for superseded app
// versions, then hand each offer to the matcher in turn.
func (c *Coordinator) ResourceOffers(driver sched.SchedulerDriver, offers []*mesos.Offer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.killStaleStagedTasks(driver)
	c.pruneStaleQueueEntries()

	for _, o := range offers {
		bundle := offerBundle(o)
		host := o.GetHostname()
		attrs := offerAttributes(o)
		pending := c.Queue.All()

		launches, consumed, _ := offer.Match(bundle, host, attrs, pending, c.Tasks, c.RateLimiter, c.now())
		if len(launches) == 0 {
			driver.DeclineOffer(o.Id, &mesos.Filters{RefuseSeconds: proto.Float64(5)})
			continue
		}

		infos := make([]*mesos.TaskInfo, 0, len(launches))
		for _, l := range launches {
			taskID := uuid.NewString()
			infos = append(infos, buildTaskInfo(l, taskID, o.SlaveId))
			c.trackLaunch(l, taskID, host)
		}
		driver.LaunchTasks([]*mesos.OfferID{o.Id}, infos, &mesos.Filters{RefuseSeconds: proto.Float64(1)})

		for _, qt := range consumed {
			c.Queue.RemoveOne(qt.App.ID.String(), qt.App.Version)
		}
	}
}

func (c *Coordinator) trackLaunch(l offer.Launch, taskID, host string) {
	tk := &task.Task{
		ID:              taskID,
		AppID:           l.App.ID.String(),
		AppVersion:      l.App.Version,
		Host:            host,
		HostPorts:       l.HostPorts,
		StagedAt:        c.now(),
		LastKnownStatus: task.StateStaging,
	}
	if err := c.Tasks.Put(context.Background(), tk); err != nil {
		log.Errorln("failed to persist launched task:", err)
	}
}

func (c *Coordinator) killStaleStagedTasks(driver sched.SchedulerDriver) {
	cutoff := c.now().Add(-taskLaunchTimeout)
	for _, tk := range c.Tasks.AllTasks() {
		if tk.LastKnownStatus == task.StateStaging && tk.StagedAt.Before(cutoff) {
			driver.KillTask(&mesos.TaskID{Value: proto.String(tk.ID)})
		}
	}
}

// pruneStaleQueueEntries drops queued launches for an app version the
// group tree no longer declares as current — e.g. a deployment
// canceled or superseded the app before every instance was launched.
func (c *Coordinator) pruneStaleQueueEntries() {
	c.Queue.Retain(func(qt queue.QueuedTask) bool {
		current, ok := c.Apps.GetApp(qt.App.ID.String())
		return ok && current.Version.Equal(qt.App.Version)
	})
}

func (c *Coordinator) OfferRescinded(driver sched.SchedulerDriver, id *mesos.OfferID) {
	log.Infoln("offer rescinded:", id.GetValue())
}

// StatusUpdate forwards any attached health bit, updates the tracker,
// and reacts to the resulting state. An update for a task this
// coordinator no longer knows belongs to a stopped or never-launched
// app and is killed outright.
func (c *Coordinator) StatusUpdate(driver sched.SchedulerDriver, status *mesos.TaskStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	taskID := status.GetTaskId().GetValue()
	tk := c.findTask(taskID)
	if tk == nil {
		driver.KillTask(status.GetTaskId())
		return
	}
	app, ok := c.Apps.GetApp(tk.AppID)
	if !ok {
		driver.KillTask(status.GetTaskId())
		return
	}

	var healthy *bool
	if status.Healthy != nil {
		h := status.GetHealthy()
		healthy = &h
	}

	newState := taskStateFromMesos(status.GetState())
	updated, err := c.Tasks.UpdateStatus(context.Background(), tk.AppID, taskID, newState, healthy)
	if err != nil {
		log.Errorln("failed to apply status update:", err)
		return
	}
	if updated == nil {
		return
	}
	c.Publisher.Publish(events.Event{Kind: events.StatusUpdate, Payload: updated})

	switch {
	case newState == task.StateRunning:
		c.RateLimiter.Reset(app)
	case newState.IsTerminal():
		wasHealthy := updated.Healthy != nil && *updated.Healthy
		if newState.IsFailureForBackoff(wasHealthy) {
			c.RateLimiter.OnLaunchFailure(app)
		}
		c.Health.Forget(taskID)
		if err := c.Tasks.Remove(context.Background(), tk.AppID, taskID); err != nil {
			log.Errorln("failed to drop terminal task:", err)
		}
		c.requeueDeficit(app)
	}
}

// requeueDeficit compares the app's declared Instances against what
// the tracker still holds running or staging and enqueues launches
// for the shortfall, so a crashed task outside an active deployment
// still converges back to the declared count. The rate limiter's
// just-applied backoff delay (if any) makes HasTimeLeft skip the
// requeued entries until it expires.
func (c *Coordinator) requeueDeficit(app apptype.AppDefinition) {
	running, staging := c.Tasks.CountByStatus(app.ID.String())
	deficit := app.Instances - running - staging
	if deficit > 0 {
		c.Queue.AddN(app, deficit, c.now())
	}
}

// RunHealthChecks probes every non-terminal tracked task against its
// app's configured health checks and records the resulting verdict.
// Called on a ticker so health.Manager.RunCheck actually runs against
// live tasks instead of sitting unused.
func (c *Coordinator) RunHealthChecks(ctx context.Context) {
	for _, tk := range c.Tasks.AllTasks() {
		if tk.LastKnownStatus.IsTerminal() {
			continue
		}
		app, ok := c.Apps.GetApp(tk.AppID)
		if !ok {
			continue
		}
		healthy := c.Health.RunCheck(ctx, app, tk)
		if healthy == nil {
			continue
		}
		if _, err := c.Tasks.UpdateStatus(ctx, tk.AppID, tk.ID, tk.LastKnownStatus, healthy); err != nil {
			log.Errorln("failed to record health check result:", err)
		}
	}
}

func (c *Coordinator) findTask(taskID string) *task.Task {
	for _, tk := range c.Tasks.AllTasks() {
		if tk.ID == taskID {
			return tk
		}
	}
	return nil
}

func (c *Coordinator) FrameworkMessage(driver sched.SchedulerDriver, execID *mesos.ExecutorID, slaveID *mesos.SlaveID, msg string) {
	log.Infoln("framework message from", execID.GetValue(), "on", slaveID.GetValue())
}

func (c *Coordinator) SlaveLost(driver sched.SchedulerDriver, id *mesos.SlaveID) {
	log.Warningln("slave lost:", id.GetValue())
}

func (c *Coordinator) ExecutorLost(driver sched.SchedulerDriver, execID *mesos.ExecutorID, slaveID *mesos.SlaveID, status int) {
	log.Warningln("executor lost:", execID.GetValue(), "on", slaveID.GetValue(), "status", status)
}

// Error expunges the persisted framework id so a fresh registration
// doesn't try to resume a session the master has already discarded,
// then terminates — a newly elected leader starts clean.
func (c *Coordinator) Error(driver sched.SchedulerDriver, err string) {
	log.Errorln("scheduler error:", err)
	if c.FrameworkIDs != nil {
		_ = c.FrameworkIDs.Delete(context.Background())
	}
	os.Exit(1)
}

// ReconcileTasks asks the driver to reconcile every non-terminal
// tracked task (a call skipped when there is none), then follows with
// an empty-list reconcile so the
// master reports back any task it still holds that this coordinator
// has no record of.
func (c *Coordinator) ReconcileTasks(driver sched.SchedulerDriver) {
	c.mu.Lock()
	statuses := make([]*mesos.TaskStatus, 0)
	for _, tk := range c.Tasks.AllTasks() {
		if tk.LastKnownStatus.IsTerminal() {
			continue
		}
		statuses = append(statuses, &mesos.TaskStatus{
			TaskId: &mesos.TaskID{Value: proto.String(tk.ID)},
			State:  mesosState(tk.LastKnownStatus).Enum(),
		})
	}
	c.mu.Unlock()

	if len(statuses) > 0 {
		driver.ReconcileTasks(statuses)
	}
	driver.ReconcileTasks([]*mesos.TaskStatus{})
}
