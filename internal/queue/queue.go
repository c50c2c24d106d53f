// Package queue implements the pending-launch queue and per-app
// exponential backoff: one queue entry per desired instance, plus a
// separate rate limiter keyed by (appId, version).
package queue

import (
	"sync"
	"time"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/clock"
)

// QueuedTask is one pending launch: an app awaiting a matching offer.
type QueuedTask struct {
	App        apptype.AppDefinition
	EnqueuedAt time.Time
}

// Queue holds pending launches. All methods are safe for concurrent
// use; the offer matcher and the scheduler loop's status-update path
// both mutate it.
type Queue struct {
	mu    sync.Mutex
	items []QueuedTask
}

func NewQueue() *Queue { return &Queue{} }

// Add enqueues one pending instance launch for app.
func (q *Queue) Add(app apptype.AppDefinition, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, QueuedTask{App: app, EnqueuedAt: at})
}

// AddN enqueues n pending launches for app.
func (q *Queue) AddN(app apptype.AppDefinition, n int, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < n; i++ {
		q.items = append(q.items, QueuedTask{App: app, EnqueuedAt: at})
	}
}

// All returns a snapshot of the queue ordered oldest-app-version
// first, then FIFO — the priority order the offer matcher walks.
func (q *Queue) All() []QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedTask, len(q.items))
	copy(out, q.items)
	sortByPriority(out)
	return out
}

func sortByPriority(items []QueuedTask) {
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && less(items[j], items[j-1]) {
			items[j], items[j-1] = items[j-1], items[j]
			j--
		}
	}
}

func less(a, b QueuedTask) bool {
	if !a.App.Version.Equal(b.App.Version) {
		return a.App.Version.Before(b.App.Version)
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// RemoveOne drops the first queued entry for the given app id and
// version (used once a launch has been matched and committed).
func (q *Queue) RemoveOne(appID string, version time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.App.ID.String() == appID && item.App.Version.Equal(version) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Retain drops every entry for which keep returns false — used by
// the offer handler to prune launches whose app version is stale.
func (q *Queue) Retain(keep func(QueuedTask) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	filtered := q.items[:0]
	for _, item := range q.items {
		if keep(item) {
			filtered = append(filtered, item)
		}
	}
	q.items = filtered
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Delay is the backoff state for one (appId, version) pair.
type Delay struct {
	Until  time.Time
	Factor float64
}

// HasTimeLeft reports whether now is still before Until.
func (d Delay) HasTimeLeft(now time.Time) bool { return now.Before(d.Until) }

type delayKey struct {
	appID   string
	version time.Time
}

// RateLimiter tracks per-(appId, version) launch backoff.
type RateLimiter struct {
	mu     sync.Mutex
	clock  clock.Clock
	delays map[delayKey]*Delay
}

func NewRateLimiter(c clock.Clock) *RateLimiter {
	return &RateLimiter{clock: c, delays: make(map[delayKey]*Delay)}
}

func key(app apptype.AppDefinition) delayKey {
	return delayKey{appID: app.ID.String(), version: app.Version}
}

// AddDelay establishes the initial backoff window the first time an
// app is queued: until = now + app.backoffSeconds.
func (r *RateLimiter) AddDelay(app apptype.AppDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(app)
	if _, exists := r.delays[k]; exists {
		return
	}
	now := r.clock.Now()
	r.delays[k] = &Delay{Factor: 1.0, Until: now.Add(secondsToDuration(app.BackoffSeconds))}
}

// OnLaunchFailure grows the backoff window exponentially, capped by
// app.MaxLaunchDelaySeconds, on a terminal failure that should count
// toward backoff.
func (r *RateLimiter) OnLaunchFailure(app apptype.AppDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(app)
	d, ok := r.delays[k]
	if !ok {
		d = &Delay{Factor: 1.0}
		r.delays[k] = d
	}
	factor := app.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	d.Factor *= factor
	now := r.clock.Now()
	delaySeconds := app.BackoffSeconds * d.Factor
	maxSeconds := app.MaxLaunchDelaySeconds
	if maxSeconds > 0 && delaySeconds > maxSeconds {
		delaySeconds = maxSeconds
	}
	d.Until = now.Add(secondsToDuration(delaySeconds))
}

// Reset clears backoff for (appId, version). The coordinator calls it
// when a task of that app reaches RUNNING; stopping an app does not
// call it, so a stopped app's backoff stays until it expires.
func (r *RateLimiter) Reset(app apptype.AppDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.delays, key(app))
}

// HasTimeLeft reports whether app's queued launches must still wait.
func (r *RateLimiter) HasTimeLeft(app apptype.AppDefinition) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.delays[key(app)]
	if !ok {
		return false
	}
	return d.HasTimeLeft(r.clock.Now())
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
