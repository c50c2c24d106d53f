// Package health implements the health-check manager: one HTTP, TCP
// or COMMAND probe per configured apptype.HealthCheck, a grace period
// before failures start counting, and a consecutive failure/success
// counter that drives the reported healthy bit the scheduler feeds
// back into the rate limiter and the deployment executor.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/clock"
	"github.com/more-free/marathon-core/internal/task"
)

// Result is the outcome of one probe.
type Result struct {
	// Passed is nil when the probe was inconclusive (e.g. an HTTP
	// 1xx response) and should neither count as a success nor a
	// failure.
	Passed  *bool
	Message string
}

func pass() Result   { p := true; return Result{Passed: &p} }
func fail(msg string) Result { p := false; return Result{Passed: &p, Message: msg} }
func inconclusive(msg string) Result { return Result{Message: msg} }

// CommandExecutor runs a COMMAND health check inside a task's
// container; internal/executor's docker-exec adapter implements it.
type CommandExecutor interface {
	RunCheck(ctx context.Context, host, taskID, command string) (bool, error)
}

// Checker probes one running task for one configured health check.
type Checker interface {
	Check(ctx context.Context, host string, port uint32, hc apptype.HealthCheck, taskID string) Result
}

// HTTPChecker issues a GET against host:port + Path.
type HTTPChecker struct {
	Client *http.Client
}

func (c HTTPChecker) Check(ctx context.Context, host string, port uint32, hc apptype.HealthCheck, _ string) Result {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("http://%s/%s", net.JoinHostPort(host, portString(port)), trimLeadingSlash(hc.Path))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail(err.Error())
	}
	resp, err := client.Do(req)
	if err != nil {
		return fail(err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 100 && resp.StatusCode < 200 && hc.IgnoreHTTP1xx:
		return inconclusive("informational response ignored")
	case resp.StatusCode >= 200 && resp.StatusCode < 400:
		return pass()
	default:
		return fail("unexpected status " + resp.Status)
	}
}

// TCPChecker succeeds if a connection to host:port can be opened
// within the check's timeout.
type TCPChecker struct{}

func (TCPChecker) Check(ctx context.Context, host string, port uint32, hc apptype.HealthCheck, _ string) Result {
	d := net.Dialer{Timeout: hc.Timeout()}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, portString(port)))
	if err != nil {
		return fail(err.Error())
	}
	conn.Close()
	return pass()
}

// CommandChecker delegates to an executor that runs hc.Command
// inside the task's container.
type CommandChecker struct {
	Executor CommandExecutor
}

func (c CommandChecker) Check(ctx context.Context, host string, _ uint32, hc apptype.HealthCheck, taskID string) Result {
	ok, err := c.Executor.RunCheck(ctx, host, taskID, hc.Command)
	if err != nil {
		return fail(err.Error())
	}
	if !ok {
		return fail("command exited non-zero")
	}
	return pass()
}

func portString(p uint32) string {
	return strconv.FormatUint(uint64(p), 10)
}

func trimLeadingSlash(path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path[1:]
	}
	return path
}

// taskHealth is one task's rolling probe outcome across all of its
// app's configured health checks.
type taskHealth struct {
	consecutiveFailures int
	healthy             *bool
}

// Manager runs configured health checks against tracked tasks and
// remembers each task's rolling status. Reads (Status, HealthCounts)
// take the read lock; RunCheck takes the write lock
// only while updating the one task's counters.
type Manager struct {
	clock clock.Clock

	checkers map[apptype.HealthCheckProtocol]Checker

	mu    sync.RWMutex
	state map[string]*taskHealth
}

func NewManager(c clock.Clock, executor CommandExecutor) *Manager {
	return &Manager{
		clock: c,
		checkers: map[apptype.HealthCheckProtocol]Checker{
			apptype.HTTP:    HTTPChecker{},
			apptype.TCP:     TCPChecker{},
			apptype.COMMAND: CommandChecker{Executor: executor},
		},
		state: make(map[string]*taskHealth),
	}
}

// RunCheck probes tk against every one of app's health checks and
// updates tk's rolling status. A task within its grace period is left
// unevaluated: it stays whatever it already was (nil until the grace
// period elapses). An app with no health checks is healthy as soon as
// it is running.
func (m *Manager) RunCheck(ctx context.Context, app apptype.AppDefinition, tk *task.Task) *bool {
	if len(app.HealthChecks) == 0 {
		return m.recordOutcome(tk.ID, nil, true)
	}
	if tk.StartedAt == nil {
		return nil
	}
	now := m.clock.Now()
	if now.Before(tk.StartedAt.Add(gracePeriod(app.HealthChecks))) {
		return m.currentStatus(tk.ID)
	}

	allPassed := true
	anyConclusive := false
	for _, hc := range app.HealthChecks {
		checker, ok := m.checkers[hc.Protocol]
		if !ok {
			continue
		}
		host, port := targetHostPort(hc, tk)
		checkCtx, cancel := ctx, context.CancelFunc(func() {})
		if t := hc.Timeout(); t > 0 {
			checkCtx, cancel = context.WithTimeout(ctx, t)
		}
		result := checker.Check(checkCtx, host, port, hc, tk.ID)
		cancel()
		if result.Passed == nil {
			continue
		}
		anyConclusive = true
		if !*result.Passed {
			allPassed = false
		}
	}

	if !anyConclusive {
		return m.currentStatus(tk.ID)
	}
	return m.recordOutcome(tk.ID, app.HealthChecks, allPassed)
}

// targetHostPort resolves the host and port an HTTP/TCP check should
// dial: PortIndex selects into tk.HostPorts, defaulting to the first.
func targetHostPort(hc apptype.HealthCheck, tk *task.Task) (string, uint32) {
	if len(tk.HostPorts) == 0 {
		return tk.Host, 0
	}
	idx := hc.PortIndex
	if idx < 0 || idx >= len(tk.HostPorts) {
		idx = 0
	}
	return tk.Host, tk.HostPorts[idx].HostPort
}

func gracePeriod(checks []apptype.HealthCheck) time.Duration {
	var max time.Duration
	for _, hc := range checks {
		if gp := hc.GracePeriod(); gp > max {
			max = gp
		}
	}
	return max
}

func (m *Manager) currentStatus(taskID string) *bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.state[taskID]
	if !ok {
		return nil
	}
	return st.healthy
}

func (m *Manager) recordOutcome(taskID string, checks []apptype.HealthCheck, passed bool) *bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state[taskID]
	if !ok {
		st = &taskHealth{}
		m.state[taskID] = st
	}

	if passed {
		st.consecutiveFailures = 0
		healthy := true
		st.healthy = &healthy
		return st.healthy
	}

	st.consecutiveFailures++
	maxFailures := maxConsecutiveFailures(checks)
	if maxFailures > 0 && st.consecutiveFailures >= maxFailures {
		unhealthy := false
		st.healthy = &unhealthy
	}
	return st.healthy
}

func maxConsecutiveFailures(checks []apptype.HealthCheck) int {
	max := 0
	for _, hc := range checks {
		if int(hc.MaxConsecutiveFailures) > max {
			max = int(hc.MaxConsecutiveFailures)
		}
	}
	return max
}

// Status returns the last known health of one task.
func (m *Manager) Status(taskID string) *bool {
	return m.currentStatus(taskID)
}

// Forget drops a task's rolling health state, called once it leaves
// the tracker.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, taskID)
}

// HealthCounts reports how many of the given tasks are known healthy
// versus known unhealthy; tasks with no verdict yet count as neither,
// so minimum-health-capacity accounting only credits tasks explicitly
// reported healthy.
func (m *Manager) HealthCounts(tasks []*task.Task) (healthy, unhealthy int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tk := range tasks {
		st, ok := m.state[tk.ID]
		if !ok || st.healthy == nil {
			continue
		}
		if *st.healthy {
			healthy++
		} else {
			unhealthy++
		}
	}
	return healthy, unhealthy
}

// ReconcileWith drops rolling state for any task not present in live,
// preventing unbounded growth as tasks come and go.
func (m *Manager) ReconcileWith(live []*task.Task) {
	present := make(map[string]struct{}, len(live))
	for _, tk := range live {
		present[tk.ID] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.state {
		if _, ok := present[id]; !ok {
			delete(m.state, id)
		}
	}
}
