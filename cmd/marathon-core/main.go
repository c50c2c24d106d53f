// Command marathon-core wires the group/app store, task tracker,
// launch queue, health manager and deployment executor into one
// scheduler coordinator and drives it against a Mesos master: build
// the scheduler, build a DriverConfig, start the driver, block.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/golang/glog"
	"github.com/gogo/protobuf/proto"
	mesos "github.com/mesos/mesos-go/api/v0/mesosproto"
	sched "github.com/mesos/mesos-go/api/v0/scheduler"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/clock"
	"github.com/more-free/marathon-core/internal/config"
	"github.com/more-free/marathon-core/internal/deploy"
	"github.com/more-free/marathon-core/internal/events"
	"github.com/more-free/marathon-core/internal/executor"
	"github.com/more-free/marathon-core/internal/ha"
	"github.com/more-free/marathon-core/internal/health"
	"github.com/more-free/marathon-core/internal/queue"
	"github.com/more-free/marathon-core/internal/scheduler"
	"github.com/more-free/marathon-core/internal/store"
	"github.com/more-free/marathon-core/internal/tracker"
)

func main() {
	configPath := flag.String("config", "", "path to a yaml config file; defaults are used when omitted")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	zkClient, err := store.Connect(cfg.ZookeeperHosts, cfg.ZkTimeoutDuration, cfg.ZkTimeoutDuration)
	if err != nil {
		log.Fatalf("failed to connect to zookeeper: %v", err)
	}
	defer zkClient.Close()

	appRepo := store.NewAppRepo(zkClient, cfg.ZkStoreRoot+"/apps")
	groupRepo := store.NewGroupRepo(zkClient, cfg.ZkStoreRoot+"/groups")
	deploymentRepo := store.NewDeploymentRepo(zkClient, cfg.ZkStoreRoot+"/deployments")
	taskRepo := store.NewTaskRepo(zkClient, cfg.ZkStoreRoot+"/tasks")
	frameworkIDs := store.NewFrameworkIDStore(zkClient, cfg.ZkStoreRoot)

	bus := events.NewBus()
	sysClock := clock.Real()

	taskTracker := tracker.New(taskRepo)
	launchQueue := queue.NewQueue()
	rateLimiter := queue.NewRateLimiter(sysClock)

	var cmdExecutor health.CommandExecutor
	if dockerExecutor, err := executor.NewDockerExecutor(cfg.DockerSocket); err != nil {
		log.Warningf("docker executor unavailable, COMMAND health checks will fail: %v", err)
	} else {
		cmdExecutor = dockerExecutor
	}
	healthManager := health.NewManager(sysClock, cmdExecutor)

	appLookup := &groupTreeLookup{groups: groupRepo}

	deployExecutor := &deploy.Executor{
		Apps:        appRepo,
		Queue:       launchQueue,
		Driver:      nil, // set once the mesos driver is constructed below
		Tasks:       taskTracker,
		Health:      healthManager,
		Deployments: deploymentRepo,
		Locks:       deploy.NewLockManager(),
		Publisher:   bus,
		Clock:       sysClock,
	}

	coordinator := &scheduler.Coordinator{
		Apps:         appLookup,
		Tasks:        taskTracker,
		Queue:        launchQueue,
		RateLimiter:  rateLimiter,
		Health:       healthManager,
		FrameworkIDs: frameworkIDs,
		Publisher:    bus,
		Clock:        sysClock,
	}

	frameworkInfo := &mesos.FrameworkInfo{
		User: &cfg.FrameworkUser,
		Name: &cfg.FrameworkName,
	}
	if id, ok, err := frameworkIDs.Get(context.Background()); err == nil && ok {
		frameworkInfo.Id = &mesos.FrameworkID{Value: &id}
	}

	driverConfig := sched.DriverConfig{
		Scheduler: coordinator,
		Framework: frameworkInfo,
		Master:    cfg.MesosMaster,
	}
	driver, err := sched.NewMesosSchedulerDriver(driverConfig)
	if err != nil {
		log.Fatalf("failed to create scheduler driver: %v", err)
	}
	deployExecutor.Driver = &mesosDriverAdapter{driver: driver}

	self := &ha.Instance{Host: cfg.LeaderElectionHost, Port: cfg.LeaderElectionPort}
	leaderUpdater := &driverLifecycle{driver: driver, self: self}
	if cfg.LeaderElectionHost != "" {
		election, err := ha.NewZKLeaderElection(
			cfg.ZookeeperHosts,
			self,
			leaderUpdater,
			cfg.ZkTimeoutDuration,
		)
		if err != nil {
			log.Fatalf("failed to start leader election: %v", err)
		}
		defer election.Close()
		if err := election.ElectLeader(); err != nil {
			log.Fatalf("failed to enter leader election: %v", err)
		}
	} else {
		if _, err := driver.Start(); err != nil {
			log.Fatalf("failed to start scheduler driver: %v", err)
		}
	}

	go reconcileLoop(coordinator, driver, cfg.ReconcileInterval)
	go healthCheckLoop(coordinator, cfg.HealthCheckPollInterval)

	waitForShutdown()
	log.Infoln("shutting down")
	driver.Stop(false)
}

func reconcileLoop(c *scheduler.Coordinator, driver sched.SchedulerDriver, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		c.ReconcileTasks(driver)
	}
}

func healthCheckLoop(c *scheduler.Coordinator, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		c.RunHealthChecks(context.Background())
	}
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// groupTreeLookup implements scheduler.AppLookup against the
// zookeeper-backed group repository, refreshing its snapshot on every
// call so newly deployed apps are visible to the next resource offer.
type groupTreeLookup struct {
	groups *store.GroupRepo
}

func (l *groupTreeLookup) GetApp(appID string) (apptype.AppDefinition, bool) {
	g, err := l.groups.Get(context.Background())
	if err != nil {
		return apptype.AppDefinition{}, false
	}
	a, ok := g.AppsByID()[appID]
	return a, ok
}

// mesosDriverAdapter narrows the full sched.SchedulerDriver surface
// down to the single KillTask call the deployment executor needs,
// translating its plain string task id into the mesosproto wire type.
type mesosDriverAdapter struct {
	driver sched.SchedulerDriver
}

func (a *mesosDriverAdapter) KillTask(_ context.Context, taskID string) error {
	_, err := a.driver.KillTask(&mesos.TaskID{Value: proto.String(taskID)})
	return err
}

// driverLifecycle starts the mesos driver once this instance becomes
// leader and stops it the moment leadership is lost, so a standby
// instance never launches or kills tasks behind the active leader's
// back.
type driverLifecycle struct {
	driver sched.SchedulerDriver
	self   *ha.Instance
}

func (d *driverLifecycle) LeaderElected(leader *ha.Instance) {
	if leader == nil || *leader != *d.self {
		return
	}
	if _, err := d.driver.Start(); err != nil {
		log.Errorln("failed to start scheduler driver after election:", err)
	}
}

func (d *driverLifecycle) LeaderLost(leader *ha.Instance) {
	if leader == nil || *leader != *d.self {
		return
	}
	d.driver.Stop(true)
}
