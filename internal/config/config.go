// Package config defines the plain, framework-free configuration
// struct the embedding binary populates, loaded with the declarative
// gopkg.in/yaml.v3-backed loader.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config groups every value the cmd/ entry point needs to start a
// coordinator: framework identity, the resource master and
// key-value store endpoints, the dynamic port range, and the various
// operational timeouts.
type Config struct {
	FrameworkUser string `yaml:"frameworkUser"`
	FrameworkName string `yaml:"frameworkName"`

	MesosMaster    string   `yaml:"mesosMaster"`
	ZookeeperHosts []string `yaml:"zookeeperHosts"`
	ZkStoreRoot    string   `yaml:"zkStoreRoot"`

	DynamicPortRangeBegin uint32 `yaml:"dynamicPortRangeBegin"`
	DynamicPortRangeEnd   uint32 `yaml:"dynamicPortRangeEnd"`

	TaskLaunchTimeout        time.Duration `yaml:"taskLaunchTimeout"`
	ZkTimeoutDuration        time.Duration `yaml:"zkTimeoutDuration"`
	ReconcileInterval        time.Duration `yaml:"reconcileInterval"`
	HealthCheckPollInterval  time.Duration `yaml:"healthCheckPollInterval"`

	LeaderElectionHost string `yaml:"leaderElectionHost"`
	LeaderElectionPort int    `yaml:"leaderElectionPort"`

	DockerSocket string `yaml:"dockerSocket"`
}

// Default provides a single-node, no-config-file starting point:
// localhost master and a single local zookeeper.
func Default() *Config {
	return &Config{
		FrameworkUser:           "",
		FrameworkName:           "marathon-core",
		MesosMaster:             "127.0.0.1:5050",
		ZookeeperHosts:          []string{"127.0.0.1:2181"},
		ZkStoreRoot:             "/marathon-core",
		DynamicPortRangeBegin:   10000,
		DynamicPortRangeEnd:     20000,
		TaskLaunchTimeout:       5 * time.Minute,
		ZkTimeoutDuration:       10 * time.Second,
		ReconcileInterval:       5 * time.Minute,
		HealthCheckPollInterval: 10 * time.Second,
		DockerSocket:            "/var/run/docker.sock",
	}
}

// Load reads and parses a yaml config file, falling back to Default
// for any field the file does not set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
