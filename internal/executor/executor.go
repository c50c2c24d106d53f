// Package executor runs COMMAND health checks inside a task's Docker
// container over the daemon's exec API: it locates the container by
// its MESOS_TASK_ID environment variable and drives the exec/start
// calls by hand, since samalba/dockerclient's own ExecStart discards
// output.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	dc "github.com/samalba/dockerclient"
)

const taskIDEnvPrefix = "MESOS_TASK_ID="

// DockerExecutor implements health.CommandExecutor against a local
// Docker daemon over its unix socket.
type DockerExecutor struct {
	client *dc.DockerClient
	raw    *rawClient
}

func NewDockerExecutor(unixSocket string) (*DockerExecutor, error) {
	client, err := dc.NewDockerClient(unixSocket, nil)
	if err != nil {
		return nil, err
	}
	raw, err := newRawClient(unixSocket)
	if err != nil {
		return nil, err
	}
	return &DockerExecutor{client: client, raw: raw}, nil
}

// RunCheck finds the container running taskID, execs command through
// /bin/sh -c, and reports whether it exited zero.
func (e *DockerExecutor) RunCheck(ctx context.Context, _ string, taskID string, command string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	containerID, err := e.containerForTask(taskID)
	if err != nil {
		return false, err
	}

	execConfig := &dc.ExecConfig{
		AttachStdin:  false,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"/bin/sh", "-c", command},
		Container:    containerID,
	}
	execID, err := e.client.ExecCreate(execConfig)
	if err != nil {
		return false, err
	}

	if _, err := e.raw.execStart(execID); err != nil {
		return false, err
	}

	exitCode, err := e.raw.execInspect(execID)
	if err != nil {
		return false, err
	}
	return exitCode == 0, nil
}

func (e *DockerExecutor) containerForTask(taskID string) (string, error) {
	containers, err := e.client.ListContainers(false, false, "")
	if err != nil {
		return "", err
	}
	want := taskIDEnvPrefix + taskID
	for _, c := range containers {
		info, err := e.client.InspectContainer(c.Id)
		if err != nil {
			continue
		}
		for _, env := range info.Config.Env {
			if env == want {
				return c.Id, nil
			}
		}
	}
	return "", fmt.Errorf("executor: no container found for task %q", taskID)
}

// rawClient talks the exec/start endpoint directly over the docker
// socket because dockerclient's own ExecStart does not surface the
// command's exit status.
type rawClient struct {
	httpClient *http.Client
	base       *url.URL
}

func newRawClient(unixSocket string) (*rawClient, error) {
	u, err := url.Parse(unixSocket)
	if err != nil {
		return nil, err
	}
	socketPath := u.Path
	transport := &http.Transport{
		Dial: func(_, _ string) (net.Conn, error) {
			return net.Dial("unix", socketPath)
		},
	}
	u.Scheme = "http"
	u.Host = "docker"
	u.Path = ""

	return &rawClient{
		httpClient: &http.Client{Transport: transport},
		base:       u,
	}, nil
}

func (c *rawClient) execStart(execID string) ([]byte, error) {
	body, err := json.Marshal(struct {
		Detach bool
		Tty    bool
	}{Detach: false, Tty: false})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.base.String()+"/exec/"+execID+"/start", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// execInspect mirrors dockerclient's missing ExecInspect: it hits the
// exec/{id}/json endpoint by hand and returns the command's exit code.
func (c *rawClient) execInspect(execID string) (int, error) {
	req, err := http.NewRequest(http.MethodGet, c.base.String()+"/exec/"+execID+"/json", nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var info struct {
		ExitCode int
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, err
	}
	return info.ExitCode, nil
}
