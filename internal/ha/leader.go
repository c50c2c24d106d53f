// Package ha implements leader election: exactly one running instance
// acts as the active coordinator at a time, the rest stand by
// watching the leader's ephemeral znode via the standard zookeeper
// sequential-ephemeral-node recipe, with a recursive re-elect-on-loss
// monitor loop.
package ha

import (
	"encoding/json"
	"sort"
	"time"

	log "github.com/golang/glog"
	zk "github.com/samuel/go-zookeeper/zk"
)

// Instance identifies one candidate scheduler process.
type Instance struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (i *Instance) toBytes() ([]byte, error) { return json.Marshal(i) }

func instanceFromBytes(b []byte) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(b, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// LeaderStatusUpdater reacts to leadership changes; the coordinator
// starts driving offers only after LeaderElected names it and stops
// (without processing further callbacks) once LeaderLost fires.
type LeaderStatusUpdater interface {
	LeaderElected(newLeader *Instance)
	LeaderLost(oldLeader *Instance)
}

// LeaderElection is the pluggable election strategy.
type LeaderElection interface {
	ElectLeader() error // non-blocking: spawns its own monitor goroutine
	Close()
}

// ZKLeaderElection implements the standard zookeeper sequential-
// ephemeral-node leader election recipe against a dedicated leader
// znode.
type ZKLeaderElection struct {
	servers     []string
	root        string
	acl         []zk.ACL
	conn        *zk.Conn
	connTimeout time.Duration
	connChan    <-chan zk.Event

	self      *Instance
	updater   LeaderStatusUpdater
	closeChan chan struct{}
}

// NewZKLeaderElection connects to servers and ensures the election
// root exists before returning, so the first ElectLeader call never
// races node creation against a missing parent.
func NewZKLeaderElection(servers []string, self *Instance, updater LeaderStatusUpdater, connTimeout time.Duration) (*ZKLeaderElection, error) {
	conn, connChan, err := zk.Connect(servers, connTimeout)
	if err != nil {
		return nil, err
	}

	root := "/marathon-core/leader"
	acls := zk.WorldACL(zk.PermAll)
	exists, _, err := conn.Exists(root)
	if err != nil {
		return nil, err
	}
	if !exists {
		if _, err := conn.Create(root, nil, 0, acls); err != nil {
			return nil, err
		}
	}

	return &ZKLeaderElection{
		servers:     servers,
		root:        root,
		acl:         acls,
		conn:        conn,
		connTimeout: connTimeout,
		self:        self,
		updater:     updater,
		connChan:    connChan,
		closeChan:   make(chan struct{}),
	}, nil
}

func (z *ZKLeaderElection) Close() {
	close(z.closeChan)
	z.conn.Close()
}

// ElectLeader registers self as a candidate, reads the current
// leader, and starts a background monitor for leadership changes and
// connection loss. Per the zookeeper leader-election recipe
// (http://zookeeper.apache.org/doc/trunk/recipes.html#sc_leaderElection)
// the lowest sequence number leads. Every candidate watches the
// leader's node rather than its immediate predecessor's, so the
// leader's loss wakes all candidates at once.
func (z *ZKLeaderElection) ElectLeader() error {
	if _, err := z.register(); err != nil {
		return err
	}
	log.Infoln("registered election candidate:", z.self)

	leader, leaderChan, err := z.currentLeader()
	if err != nil {
		return err
	}
	log.Infoln("current leader:", leader)

	go z.monitor(leader, leaderChan)
	return nil
}

func (z *ZKLeaderElection) register() (string, error) {
	data, err := z.self.toBytes()
	if err != nil {
		return "", err
	}
	return z.conn.Create(z.root+"/candidate-", data, zk.FlagEphemeral|zk.FlagSequence, z.acl)
}

func (z *ZKLeaderElection) currentLeader() (*Instance, <-chan zk.Event, error) {
	children, _, err := z.conn.Children(z.root)
	if err != nil {
		return nil, nil, err
	}
	leaderPath := minChild(children)
	data, _, watch, err := z.conn.GetW(z.root + "/" + leaderPath)
	if err != nil {
		return nil, nil, err
	}
	leader, err := instanceFromBytes(data)
	if err != nil {
		return nil, nil, err
	}
	z.updater.LeaderElected(leader)
	return leader, watch, nil
}

// monitor watches for the current leader's node disappearing (it
// crashed or its session expired) or this instance's own session
// dropping, and in either case re-runs election. Runs until Close.
func (z *ZKLeaderElection) monitor(leader *Instance, leaderChan <-chan zk.Event) {
	for {
		select {
		case event, ok := <-leaderChan:
			if !ok {
				leaderChan = nil
				continue
			}
			if event.Type == zk.EventNodeDeleted {
				z.updater.LeaderLost(leader)
				if err := z.ElectLeader(); err != nil {
					log.Errorln("re-election failed after leader loss:", err)
				}
				return
			}
		case event := <-z.connChan:
			if event.Type == zk.EventSession && event.State == zk.StateDisconnected {
				z.updater.LeaderLost(leader)
				conn, connChan, err := zk.Connect(z.servers, z.connTimeout)
				if err != nil {
					log.Errorln("failed to reconnect after session loss:", err)
					return
				}
				z.conn, z.connChan = conn, connChan
				if err := z.ElectLeader(); err != nil {
					log.Errorln("re-election failed after reconnect:", err)
				}
				return
			}
		case <-z.closeChan:
			log.Infoln("stopped watching leader:", z.self)
			return
		}
	}
}

// minChild returns the lexicographically smallest sequential znode
// name, which is always the earliest-created (and therefore current
// leader) candidate.
func minChild(children []string) string {
	sorted := append([]string{}, children...)
	sort.Strings(sorted)
	return sorted[0]
}
