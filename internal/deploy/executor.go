// Package deploy implements the deployment executor: it drives a
// plan.Plan's generations, one at a time, acquiring per-app advisory
// locks first and persisting a deployment record (id, affected app
// ids, status). The plan's steps are not persisted, and nothing
// resumes an interrupted deployment. Each step polls the task tracker
// and health view as a small Start/Scale/Restart/Stop state machine.
package deploy

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/clock"
	"github.com/more-free/marathon-core/internal/coreerr"
	"github.com/more-free/marathon-core/internal/events"
	"github.com/more-free/marathon-core/internal/plan"
	"github.com/more-free/marathon-core/internal/store"
	"github.com/more-free/marathon-core/internal/task"
)

// AppStore is the subset of the app repository the executor needs.
type AppStore interface {
	Put(ctx context.Context, app apptype.AppDefinition) error
	Delete(ctx context.Context, appID string) error
}

// LaunchQueue is the subset of internal/queue.Queue the executor uses
// to request new instance launches.
type LaunchQueue interface {
	AddN(app apptype.AppDefinition, n int, at time.Time)
}

// Driver issues kill requests against the resource master.
type Driver interface {
	KillTask(ctx context.Context, taskID string) error
}

// TaskView answers which tasks currently exist for an app.
type TaskView interface {
	TasksForApp(appID string) []*task.Task
}

// HealthView answers a task's last known health.
type HealthView interface {
	Status(taskID string) *bool
}

const pollInterval = 500 * time.Millisecond

// Executor runs deployment plans.
type Executor struct {
	Apps       AppStore
	Queue      LaunchQueue
	Driver     Driver
	Tasks      TaskView
	Health     HealthView
	Deployments *store.DeploymentRepo
	Locks      *LockManager
	Publisher  events.Publisher
	Clock      clock.Clock
}

// Run acquires locks for every app the plan touches, persists the
// deployment record, executes each generation in order, and finally
// records success, failure, or (if superseded) cancellation.
func (e *Executor) Run(ctx context.Context, deploymentID string, pl *plan.Plan, force bool) error {
	affected := affectedAppIDs(pl)

	superseded, err := e.Locks.Acquire(deploymentID, affected, force)
	if err != nil {
		return err
	}
	for _, supersededID := range superseded {
		if e.Locks.Cancel(supersededID) {
			e.Publisher.Publish(events.Event{Kind: events.DeploymentFailed, Payload: supersededID})
			if e.Deployments != nil {
				_ = e.Deployments.Put(ctx, store.DeploymentRecord{ID: supersededID, Status: "canceled"})
			}
		}
	}
	defer e.Locks.Release(deploymentID, affected)

	runCtx, cancel := context.WithCancel(ctx)
	e.Locks.RegisterCancel(deploymentID, cancel)
	defer e.Locks.UnregisterCancel(deploymentID)
	defer cancel()

	if e.Deployments != nil {
		if err := e.Deployments.Put(ctx, store.DeploymentRecord{ID: deploymentID, AffectedIDs: affected, Status: "running"}); err != nil {
			return err
		}
	}
	e.Publisher.Publish(events.Event{Kind: events.DeploymentInfo, Payload: deploymentID})

	for _, gen := range pl.Generations {
		if err := runCtx.Err(); err != nil {
			e.finish(ctx, deploymentID, "canceled")
			return err
		}
		if err := e.runGeneration(runCtx, gen); err != nil {
			e.Publisher.Publish(events.Event{Kind: events.DeploymentStepFailure, Payload: deploymentID})
			e.finish(ctx, deploymentID, "failed")
			return err
		}
		e.Publisher.Publish(events.Event{Kind: events.DeploymentStepSuccess, Payload: deploymentID})
	}

	e.finish(ctx, deploymentID, "success")
	e.Publisher.Publish(events.Event{Kind: events.DeploymentSuccess, Payload: deploymentID})
	return nil
}

func (e *Executor) finish(ctx context.Context, deploymentID, status string) {
	if e.Deployments == nil {
		return
	}
	_ = e.Deployments.Put(ctx, store.DeploymentRecord{ID: deploymentID, Status: status})
}

func affectedAppIDs(pl *plan.Plan) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, gen := range pl.Generations {
		for _, step := range gen {
			id := step.App.ID.String()
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

func (e *Executor) runGeneration(ctx context.Context, gen plan.Generation) error {
	var wg sync.WaitGroup
	errs := make([]error, len(gen))
	for i, step := range gen {
		wg.Add(1)
		go func(i int, step plan.Step) {
			defer wg.Done()
			errs[i] = e.runStep(ctx, step)
		}(i, step)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, step plan.Step) error {
	switch step.Action {
	case plan.ActionStart:
		return e.executeStart(ctx, step)
	case plan.ActionScale:
		return e.executeScale(ctx, step)
	case plan.ActionRestart:
		return e.executeRestart(ctx, step)
	case plan.ActionStop:
		return e.executeStop(ctx, step)
	default:
		return coreerr.Wrap(coreerr.Unknown, "unrecognized deployment action", nil)
	}
}

func (e *Executor) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock.Now()
}

func (e *Executor) executeStart(ctx context.Context, step plan.Step) error {
	if err := e.Apps.Put(ctx, step.App); err != nil {
		return err
	}
	e.Queue.AddN(step.App, step.App.Instances, e.now())
	return nil
}

func (e *Executor) executeStop(ctx context.Context, step plan.Step) error {
	tasks := liveTasks(e.Tasks.TasksForApp(step.App.ID.String()))
	var wg sync.WaitGroup
	for _, tk := range tasks {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			_ = e.Driver.KillTask(ctx, taskID)
		}(tk.ID)
	}
	wg.Wait()
	return e.Apps.Delete(ctx, step.App.ID.String())
}

func (e *Executor) executeScale(ctx context.Context, step plan.Step) error {
	if step.OldApp == nil {
		return coreerr.Wrap(coreerr.Unknown, "scale step missing prior app version", nil)
	}
	from := step.OldApp.Instances
	to := step.App.Instances
	if to > from {
		e.Queue.AddN(step.App, to-from, e.now())
		return nil
	}
	if to == from {
		return nil
	}

	toKill := selectTasksToKill(liveTasks(e.Tasks.TasksForApp(step.App.ID.String())), from-to, e.Health)
	var wg sync.WaitGroup
	for _, tk := range toKill {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			_ = e.Driver.KillTask(ctx, taskID)
		}(tk.ID)
	}
	wg.Wait()
	return e.waitForTerminal(ctx, step.App.ID.String(), taskIDs(toKill))
}

// selectTasksToKill picks n tasks preferring unhealthy, then oldest
// StagedAt, for a scale-down step.
func selectTasksToKill(tasks []*task.Task, n int, health HealthView) []*task.Task {
	sorted := append([]*task.Task{}, tasks...)
	sort.Slice(sorted, func(i, j int) bool {
		hi, hj := health.Status(sorted[i].ID), health.Status(sorted[j].ID)
		iUnhealthy := hi != nil && !*hi
		jUnhealthy := hj != nil && !*hj
		if iUnhealthy != jUnhealthy {
			return iUnhealthy
		}
		return sorted[i].StagedAt.Before(sorted[j].StagedAt)
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

func (e *Executor) waitForTerminal(ctx context.Context, appID string, ids []string) error {
	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
		for _, tk := range e.Tasks.TasksForApp(appID) {
			if _, waiting := pending[tk.ID]; waiting && tk.LastKnownStatus.IsTerminal() {
				delete(pending, tk.ID)
			}
		}
		for id := range pending {
			if !taskStillExists(e.Tasks.TasksForApp(appID), id) {
				delete(pending, id)
			}
		}
	}
	return nil
}

func taskStillExists(tasks []*task.Task, taskID string) bool {
	for _, tk := range tasks {
		if tk.ID == taskID {
			return true
		}
	}
	return false
}

func liveTasks(tasks []*task.Task) []*task.Task {
	out := make([]*task.Task, 0, len(tasks))
	for _, tk := range tasks {
		if !tk.LastKnownStatus.IsTerminal() {
			out = append(out, tk)
		}
	}
	return out
}

func taskIDs(tasks []*task.Task) []string {
	out := make([]string, len(tasks))
	for i, tk := range tasks {
		out[i] = tk.ID
	}
	return out
}

// executeRestart drives a rolling replacement: launch new-version
// instances up to the maximumOverCapacity bound, and kill old-version
// instances as soon as doing so would not break the
// minimumHealthCapacity bound, until every instance runs the new
// version.
func (e *Executor) executeRestart(ctx context.Context, step plan.Step) error {
	if step.OldApp == nil {
		return coreerr.Wrap(coreerr.Unknown, "restart step missing prior app version", nil)
	}
	app := step.App
	old := *step.OldApp
	n := app.Instances
	minHealthy := int(math.Ceil(app.UpgradeStrategy.MinimumHealthCapacity * float64(n)))
	maxOver := int(math.Floor(app.UpgradeStrategy.MaximumOverCapacity * float64(n)))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tasks := liveTasks(e.Tasks.TasksForApp(app.ID.String()))
		oldTasks := filterByVersion(tasks, old.Version)
		newTasks := filterByVersion(tasks, app.Version)
		healthyNew := countHealthy(newTasks, e.Health)

		if len(oldTasks) == 0 && len(newTasks) >= n && healthyNew >= n {
			return nil
		}

		total := len(oldTasks) + len(newTasks)
		capacity := n + maxOver - total
		if capacity > 0 && len(newTasks) < n {
			toLaunch := capacity
			if remaining := n - len(newTasks); remaining < toLaunch {
				toLaunch = remaining
			}
			e.Queue.AddN(app, toLaunch, e.now())
		}

		killable := selectKillableOld(oldTasks, healthyNew, minHealthy)
		var wg sync.WaitGroup
		for _, tk := range killable {
			wg.Add(1)
			go func(taskID string) {
				defer wg.Done()
				_ = e.Driver.KillTask(ctx, taskID)
			}(tk.ID)
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func filterByVersion(tasks []*task.Task, version time.Time) []*task.Task {
	out := make([]*task.Task, 0, len(tasks))
	for _, tk := range tasks {
		if tk.AppVersion.Equal(version) {
			out = append(out, tk)
		}
	}
	return out
}

func countHealthy(tasks []*task.Task, health HealthView) int {
	count := 0
	for _, tk := range tasks {
		if h := health.Status(tk.ID); h != nil && *h {
			count++
		}
	}
	return count
}

// selectKillableOld picks as many old tasks as can be removed while
// keeping (healthyNew + remaining old) >= minHealthy, oldest first.
func selectKillableOld(oldTasks []*task.Task, healthyNew, minHealthy int) []*task.Task {
	sorted := append([]*task.Task{}, oldTasks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StagedAt.Before(sorted[j].StagedAt) })

	remaining := len(sorted)
	var kill []*task.Task
	for _, tk := range sorted {
		if healthyNew+remaining-1 < minHealthy {
			break
		}
		kill = append(kill, tk)
		remaining--
	}
	return kill
}
