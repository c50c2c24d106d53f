package executor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestDockerExecutorRunCheck requires a reachable Docker daemon at
// /var/run/docker.sock and is skipped otherwise, mirroring the
// store package's skip-if-unreachable ZK tests.
func TestDockerExecutorRunCheck(t *testing.T) {
	if _, err := os.Stat("/var/run/docker.sock"); err != nil {
		t.Skip("docker daemon not available")
	}

	exec, err := NewDockerExecutor("unix:///var/run/docker.sock")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = exec.RunCheck(ctx, "", "nonexistent-task", "true")
	require.Error(t, err)
}
