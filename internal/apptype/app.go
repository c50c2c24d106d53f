// Package apptype defines the declared-state model for a single
// replicated service: the AppDefinition of the group-and-app model,
// along with its Container and HealthCheck shapes.
package apptype

import (
	"fmt"
	"time"

	"github.com/more-free/marathon-core/internal/id"
)

// ConstraintOp is one of the five placement operators.
type ConstraintOp string

const (
	OpUnique  ConstraintOp = "UNIQUE"
	OpCluster ConstraintOp = "CLUSTER"
	OpGroupBy ConstraintOp = "GROUP_BY"
	OpLike    ConstraintOp = "LIKE"
	OpUnlike  ConstraintOp = "UNLIKE"
)

// Constraint restricts placement of an app's tasks against a
// hostname/attribute field of a candidate offer.
type Constraint struct {
	Field string       `yaml:"field"`
	Op    ConstraintOp `yaml:"op"`
	Value string       `yaml:"value,omitempty"`
}

// EngineKind names the runtime an app's Container targets.
type EngineKind string

const (
	EngineDocker EngineKind = "DOCKER"
	EngineMesos  EngineKind = "MESOS"
)

// NetworkMode mirrors the container network modes the resource
// master understands.
type NetworkMode string

const (
	NetworkHost   NetworkMode = "HOST"
	NetworkBridge NetworkMode = "BRIDGE"
	NetworkNone   NetworkMode = "NONE"
)

// PortMapping maps a container port to a host port; HostPort == 0
// means "allocate dynamically".
type PortMapping struct {
	HostPort      uint32 `yaml:"hostPort"`
	ContainerPort uint32 `yaml:"containerPort"`
	Protocol      string `yaml:"protocol"`
	ServicePort   uint32 `yaml:"servicePort,omitempty"`
}

// Volume is a host<->container bind mount.
type Volume struct {
	ContainerPath string `yaml:"containerPath"`
	HostPath      string `yaml:"hostPath"`
	Mode          string `yaml:"mode"`
}

// Parameter is an opaque runtime flag ("--label", "com.foo=bar").
type Parameter struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// Container declares the image and runtime shape of an app that
// isn't a bare command.
type Container struct {
	Engine      EngineKind    `yaml:"engine"`
	Image       string        `yaml:"image"`
	Network     NetworkMode   `yaml:"network"`
	Volumes     []Volume      `yaml:"volumes,omitempty"`
	PortMapping []PortMapping `yaml:"portMapping,omitempty"`
	Parameters  []Parameter   `yaml:"parameters,omitempty"`
	Privileged  bool          `yaml:"privileged,omitempty"`
}

// HealthCheckProtocol is one of the three supported check kinds.
type HealthCheckProtocol string

const (
	HTTP    HealthCheckProtocol = "HTTP"
	TCP     HealthCheckProtocol = "TCP"
	COMMAND HealthCheckProtocol = "COMMAND"
)

// HealthCheck declares one liveness probe for an app's tasks.
type HealthCheck struct {
	Protocol               HealthCheckProtocol `yaml:"protocol"`
	Path                   string              `yaml:"path,omitempty"`
	PortIndex              int                 `yaml:"portIndex,omitempty"`
	Command                string              `yaml:"command,omitempty"`
	GracePeriodSeconds     float64             `yaml:"gracePeriodSeconds"`
	IntervalSeconds        float64             `yaml:"intervalSeconds"`
	TimeoutSeconds         float64             `yaml:"timeoutSeconds"`
	MaxConsecutiveFailures uint32              `yaml:"maxConsecutiveFailures"`
	IgnoreHTTP1xx          bool                `yaml:"ignoreHttp1xx,omitempty"`
}

func (h HealthCheck) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds * float64(time.Second))
}

func (h HealthCheck) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds * float64(time.Second))
}

func (h HealthCheck) GracePeriod() time.Duration {
	return time.Duration(h.GracePeriodSeconds * float64(time.Second))
}

// UpgradeStrategy bounds how far a rolling restart may dip below or
// climb above the declared instance count.
type UpgradeStrategy struct {
	MinimumHealthCapacity float64 `yaml:"minimumHealthCapacity"`
	MaximumOverCapacity   float64 `yaml:"maximumOverCapacity"`
}

// DefaultUpgradeStrategy is "replace one at a time, always stay at
// full capacity".
func DefaultUpgradeStrategy() UpgradeStrategy {
	return UpgradeStrategy{MinimumHealthCapacity: 1.0, MaximumOverCapacity: 0.0}
}

// AppDefinition is the declared, versioned state of one replicated
// service.
type AppDefinition struct {
	ID                    id.PathId       `yaml:"id"`
	Cmd                   string          `yaml:"cmd,omitempty"`
	Args                  []string        `yaml:"args,omitempty"`
	Container             *Container      `yaml:"container,omitempty"`
	Instances             int             `yaml:"instances"`
	CPUs                  float64         `yaml:"cpus"`
	Mem                   float64         `yaml:"mem"`
	Disk                  float64         `yaml:"disk"`
	Ports                 []uint32        `yaml:"ports,omitempty"`
	RequirePorts          bool            `yaml:"requirePorts,omitempty"`
	AcceptedResourceRoles []string        `yaml:"acceptedResourceRoles,omitempty"`
	Constraints           []Constraint    `yaml:"constraints,omitempty"`
	HealthChecks          []HealthCheck   `yaml:"healthChecks,omitempty"`
	BackoffSeconds        float64         `yaml:"backoffSeconds"`
	BackoffFactor         float64         `yaml:"backoffFactor"`
	MaxLaunchDelaySeconds float64         `yaml:"maxLaunchDelaySeconds"`
	UpgradeStrategy       UpgradeStrategy `yaml:"upgradeStrategy"`
	Dependencies          []string        `yaml:"dependencies,omitempty"`
	Version               time.Time       `yaml:"version"`
}

// Validate enforces the shape invariants that don't require
// cross-app context (uniqueness, dependency cycles are checked by
// the group/planner packages).
func (a AppDefinition) Validate() error {
	hasCmd := a.Cmd != ""
	hasArgs := len(a.Args) > 0
	hasContainer := a.Container != nil && a.Container.Image != ""

	count := 0
	if hasCmd {
		count++
	}
	if hasArgs {
		count++
	}
	if hasContainer {
		count++
	}
	if count == 0 {
		return fmt.Errorf("app %s must declare exactly one of cmd, args, or container.image", a.ID)
	}
	if hasCmd && hasArgs {
		return fmt.Errorf("app %s must not declare both cmd and args", a.ID)
	}

	if a.Instances < 0 {
		return fmt.Errorf("app %s: instances must be >= 0", a.ID)
	}
	if a.CPUs < 0 || a.Mem < 0 || a.Disk < 0 {
		return fmt.Errorf("app %s: cpus/mem/disk must be non-negative", a.ID)
	}
	if a.UpgradeStrategy.MinimumHealthCapacity < 0 || a.UpgradeStrategy.MinimumHealthCapacity > 1 {
		return fmt.Errorf("app %s: minimumHealthCapacity must be in [0,1]", a.ID)
	}
	if a.UpgradeStrategy.MaximumOverCapacity < 0 || a.UpgradeStrategy.MaximumOverCapacity > 1 {
		return fmt.Errorf("app %s: maximumOverCapacity must be in [0,1]", a.ID)
	}
	return nil
}

// DynamicPortCount returns how many ports (top-level Ports slice plus
// any container PortMapping.HostPort) are declared as "0" and need
// allocation by internal/ports.
func (a AppDefinition) DynamicPortCount() int {
	n := 0
	for _, p := range a.Ports {
		if p == 0 {
			n++
		}
	}
	if a.Container != nil {
		for _, pm := range a.Container.PortMapping {
			if pm.HostPort == 0 {
				n++
			}
		}
	}
	return n
}

// EqualModuloVersionAndPorts implements the planner's "canonical
// equality modulo version and dynamic-port assignments" comparison:
// two definitions that differ only in Version, or only in which
// concrete port was assigned to a previously-zero slot, are
// considered the same app for Restart-vs-noop classification.
func (a AppDefinition) EqualModuloVersionAndPorts(b AppDefinition) bool {
	ac, bc := a, b
	ac.Version, bc.Version = time.Time{}, time.Time{}
	return deepEqualApp(ac, bc)
}

func deepEqualApp(a, b AppDefinition) bool {
	if !a.ID.Equal(b.ID) || a.Cmd != b.Cmd || a.Instances != b.Instances {
		return false
	}
	if a.CPUs != b.CPUs || a.Mem != b.Mem || a.Disk != b.Disk {
		return false
	}
	if !equalStringSlices(a.Args, b.Args) {
		return false
	}
	if a.RequirePorts != b.RequirePorts {
		return false
	}
	if !portsEqualIgnoringDynamic(a.Ports, b.Ports) {
		return false
	}
	if !equalContainers(a.Container, b.Container) {
		return false
	}
	if !equalStringSlices(a.AcceptedResourceRoles, b.AcceptedResourceRoles) {
		return false
	}
	if len(a.Constraints) != len(b.Constraints) {
		return false
	}
	for i := range a.Constraints {
		if a.Constraints[i] != b.Constraints[i] {
			return false
		}
	}
	if len(a.HealthChecks) != len(b.HealthChecks) {
		return false
	}
	for i := range a.HealthChecks {
		if a.HealthChecks[i] != b.HealthChecks[i] {
			return false
		}
	}
	if a.UpgradeStrategy != b.UpgradeStrategy {
		return false
	}
	if a.BackoffSeconds != b.BackoffSeconds || a.BackoffFactor != b.BackoffFactor ||
		a.MaxLaunchDelaySeconds != b.MaxLaunchDelaySeconds {
		return false
	}
	if !equalStringSlices(a.Dependencies, b.Dependencies) {
		return false
	}
	return true
}

func portsEqualIgnoringDynamic(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] == 0 || b[i] == 0 {
			continue
		}
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalContainers(a, b *Container) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Engine != b.Engine || a.Image != b.Image || a.Network != b.Network || a.Privileged != b.Privileged {
		return false
	}
	if len(a.PortMapping) != len(b.PortMapping) {
		return false
	}
	for i := range a.PortMapping {
		pa, pb := a.PortMapping[i], b.PortMapping[i]
		if pa.ContainerPort != pb.ContainerPort || pa.Protocol != pb.Protocol {
			return false
		}
		if pa.HostPort != 0 && pb.HostPort != 0 && pa.HostPort != pb.HostPort {
			return false
		}
	}
	if len(a.Volumes) != len(b.Volumes) {
		return false
	}
	for i := range a.Volumes {
		if a.Volumes[i] != b.Volumes[i] {
			return false
		}
	}
	if len(a.Parameters) != len(b.Parameters) {
		return false
	}
	for i := range a.Parameters {
		if a.Parameters[i] != b.Parameters[i] {
			return false
		}
	}
	return true
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
