// Package tracker maintains the authoritative in-memory task index: a
// per-app-locked index backed by a pluggable Store, keeping task-state
// persistence separate from the app/group repository.
package tracker

import (
	"context"
	"sync"

	"github.com/more-free/marathon-core/internal/offer"
	"github.com/more-free/marathon-core/internal/task"
)

// Store persists the task index. internal/store's ZK-backed
// implementation satisfies this; tests use an in-memory fake.
type Store interface {
	PutTask(ctx context.Context, appID string, t *task.Task) error
	DeleteTask(ctx context.Context, appID, taskID string) error
	ListAppTasks(ctx context.Context, appID string) ([]*task.Task, error)
	ListAllTasks(ctx context.Context) ([]*task.Task, error)
}

// Tracker is the authoritative index of observed tasks, keyed by app
// then task id. Reads take the shared RWMutex; writes additionally
// take the per-app lock so that concurrent status updates for
// different apps never block each other.
type Tracker struct {
	store Store

	mu    sync.RWMutex
	byApp map[string]map[string]*task.Task

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(store Store) *Tracker {
	return &Tracker{
		store: store,
		byApp: make(map[string]map[string]*task.Task),
		locks: make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) appLock(appID string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	l, ok := t.locks[appID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[appID] = l
	}
	return l
}

// Load hydrates the in-memory index from the store, called on
// (re)registration with the resource master.
func (t *Tracker) Load(ctx context.Context) error {
	tasks, err := t.store.ListAllTasks(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byApp = make(map[string]map[string]*task.Task)
	for _, tk := range tasks {
		t.index(tk)
	}
	return nil
}

func (t *Tracker) index(tk *task.Task) {
	m, ok := t.byApp[tk.AppID]
	if !ok {
		m = make(map[string]*task.Task)
		t.byApp[tk.AppID] = m
	}
	m[tk.ID] = tk
}

// Put persists and indexes a new or updated task record.
func (t *Tracker) Put(ctx context.Context, tk *task.Task) error {
	lock := t.appLock(tk.AppID)
	lock.Lock()
	defer lock.Unlock()

	if err := t.store.PutTask(ctx, tk.AppID, tk); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.index(tk.Copy())
	return nil
}

// UpdateStatus applies a status-update callback to an already-tracked
// task, recording its new lifecycle state and, if reported, its
// health bit.
func (t *Tracker) UpdateStatus(ctx context.Context, appID, taskID string, status task.State, healthy *bool) (*task.Task, error) {
	lock := t.appLock(appID)
	lock.Lock()
	defer lock.Unlock()

	t.mu.RLock()
	existing, ok := t.byApp[appID][taskID]
	t.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	updated := existing.Copy()
	updated.LastKnownStatus = status
	if healthy != nil {
		updated.Healthy = healthy
	}

	if err := t.store.PutTask(ctx, appID, updated); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.index(updated)
	t.mu.Unlock()
	return updated, nil
}

// Remove drops a task from the index and the store, e.g. after a
// terminal status has been fully processed.
func (t *Tracker) Remove(ctx context.Context, appID, taskID string) error {
	lock := t.appLock(appID)
	lock.Lock()
	defer lock.Unlock()

	if err := t.store.DeleteTask(ctx, appID, taskID); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.byApp[appID]; ok {
		delete(m, taskID)
		if len(m) == 0 {
			delete(t.byApp, appID)
		}
	}
	return nil
}

// Get returns a copy of one tracked task.
func (t *Tracker) Get(appID, taskID string) (*task.Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tk, ok := t.byApp[appID][taskID]
	if !ok {
		return nil, false
	}
	return tk.Copy(), true
}

// TasksForApp returns copies of every task tracked for appID.
func (t *Tracker) TasksForApp(appID string) []*task.Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.byApp[appID]
	out := make([]*task.Task, 0, len(m))
	for _, tk := range m {
		out = append(out, tk.Copy())
	}
	return out
}

// AllTasks returns copies of every tracked task across every app,
// the whole-cluster view the coordinator's staged-task sweep and
// reconciliation pass need.
func (t *Tracker) AllTasks() []*task.Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*task.Task
	for _, m := range t.byApp {
		for _, tk := range m {
			out = append(out, tk.Copy())
		}
	}
	return out
}

// CountByStatus counts non-terminal tasks for appID (running or
// staging) — the current instance count the coordinator diffs the
// declared count against.
func (t *Tracker) CountByStatus(appID string) (running, staging int) {
	for _, tk := range t.TasksForApp(appID) {
		switch tk.LastKnownStatus {
		case task.StateRunning:
			running++
		case task.StateStaging:
			staging++
		}
	}
	return running, staging
}

// PlacementsForApp implements offer.PlacementLookup, exposing the
// hosts of an app's live tasks to constraint evaluation. Attributes
// are not retained on Task, so constraint evaluation over
// non-hostname fields for already-placed tasks degrades to an empty
// attribute set; UNIQUE-by-hostname and GROUP_BY-by-hostname still
// work exactly.
func (t *Tracker) PlacementsForApp(appID string) []offer.Placement {
	tasks := t.TasksForApp(appID)
	out := make([]offer.Placement, 0, len(tasks))
	for _, tk := range tasks {
		if tk.LastKnownStatus.IsTerminal() {
			continue
		}
		out = append(out, offer.Placement{Host: tk.Host})
	}
	return out
}
