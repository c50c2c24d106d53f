package ha

import (
	"log"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUpdater struct {
	elected *Instance
	electedCalls int
	lostCalls    int
}

func (u *recordingUpdater) LeaderElected(newLeader *Instance) {
	u.elected = newLeader
	u.electedCalls++
}

func (u *recordingUpdater) LeaderLost(*Instance) {
	u.elected = nil
	u.lostCalls++
}

func connectableOrSkip(t *testing.T) {
	out, err := exec.Command("bash", "-c", "echo ruok | nc localhost 2181").Output()
	if err != nil || string(out) != "imok" {
		log.Println("zookeeper is not running on localhost:2181, skipping")
		t.Skip("zookeeper not reachable")
	}
}

func TestLeaderElectionPromotesFirstCandidate(t *testing.T) {
	connectableOrSkip(t)

	leader := &Instance{Host: "leader", Port: 3333}
	updater := &recordingUpdater{}

	le, err := NewZKLeaderElection([]string{"localhost:2181"}, leader, updater, 3*time.Second)
	require.NoError(t, err)
	defer le.Close()

	require.NoError(t, le.ElectLeader())
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, leader, updater.elected)
}

func TestLeaderElectionFollowerSeesExistingLeader(t *testing.T) {
	connectableOrSkip(t)

	leader := &Instance{Host: "leader-2", Port: 3333}
	updater := &recordingUpdater{}
	le, err := NewZKLeaderElection([]string{"localhost:2181"}, leader, updater, 3*time.Second)
	require.NoError(t, err)
	defer le.Close()
	require.NoError(t, le.ElectLeader())
	time.Sleep(200 * time.Millisecond)

	follower := &Instance{Host: "follower-2", Port: 3334}
	le2, err := NewZKLeaderElection([]string{"localhost:2181"}, follower, updater, 3*time.Second)
	require.NoError(t, err)
	defer le2.Close()
	require.NoError(t, le2.ElectLeader())

	assert.Equal(t, leader, updater.elected)
	assert.Equal(t, 2, updater.electedCalls)
}
