package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/clock"
	"github.com/more-free/marathon-core/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runningTask(startedAt time.Time, hostPort uint32) *task.Task {
	started := startedAt
	return &task.Task{
		ID:              "t1",
		AppID:           "/a",
		Host:            "127.0.0.1",
		HostPorts:       []task.HostPort{{HostPort: hostPort}},
		StartedAt:       &started,
		LastKnownStatus: task.StateRunning,
	}
}

func TestNoHealthChecksIsImmediatelyHealthy(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	m := NewManager(fc, nil)
	app := apptype.AppDefinition{}
	tk := runningTask(time.Unix(999, 0), 0)

	healthy := m.RunCheck(context.Background(), app, tk)
	require.NotNil(t, healthy)
	assert.True(t, *healthy)
}

func TestWithinGracePeriodLeavesStatusUnset(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	m := NewManager(fc, nil)
	app := apptype.AppDefinition{
		HealthChecks: []apptype.HealthCheck{{Protocol: apptype.TCP, GracePeriodSeconds: 30, MaxConsecutiveFailures: 1}},
	}
	tk := runningTask(time.Unix(999, 0), 1)

	healthy := m.RunCheck(context.Background(), app, tk)
	assert.Nil(t, healthy)
}

func TestHTTPCheckPass(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	fc := clock.NewFake(time.Unix(1000, 0))
	m := NewManager(fc, nil)
	app := apptype.AppDefinition{
		HealthChecks: []apptype.HealthCheck{{Protocol: apptype.HTTP, MaxConsecutiveFailures: 1}},
	}

	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.ParseUint(parsed.Port(), 10, 32)
	require.NoError(t, err)

	tk := runningTask(time.Unix(900, 0), uint32(port))
	tk.Host = parsed.Hostname()

	healthy := m.RunCheck(context.Background(), app, tk)
	require.NotNil(t, healthy)
	assert.True(t, *healthy)
}

func TestConsecutiveFailuresMarkUnhealthy(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	m := NewManager(fc, nil)
	app := apptype.AppDefinition{
		HealthChecks: []apptype.HealthCheck{{Protocol: apptype.TCP, TimeoutSeconds: 0.1, MaxConsecutiveFailures: 2}},
	}
	tk := runningTask(time.Unix(900, 0), 1) // nothing listening on port 1

	m.RunCheck(context.Background(), app, tk)
	healthy := m.RunCheck(context.Background(), app, tk)
	require.NotNil(t, healthy)
	assert.False(t, *healthy)
}

func TestHealthCountsAndReconcile(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	m := NewManager(fc, nil)
	app := apptype.AppDefinition{}
	tk := runningTask(time.Unix(900, 0), 0)
	m.RunCheck(context.Background(), app, tk)

	healthy, unhealthy := m.HealthCounts([]*task.Task{tk})
	assert.Equal(t, 1, healthy)
	assert.Equal(t, 0, unhealthy)

	m.ReconcileWith(nil)
	assert.Nil(t, m.Status(tk.ID))
}
