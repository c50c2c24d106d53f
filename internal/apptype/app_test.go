package apptype

import (
	"testing"
	"time"

	"github.com/more-free/marathon-core/internal/id"
	"github.com/stretchr/testify/assert"
)

func baseApp() AppDefinition {
	return AppDefinition{
		ID:              id.MustParse("/web"),
		Cmd:             "python -m http.server",
		Instances:       3,
		CPUs:            0.5,
		Mem:             128,
		UpgradeStrategy: DefaultUpgradeStrategy(),
		Version:         time.Unix(100, 0),
	}
}

func TestValidateRequiresExactlyOneRunSpec(t *testing.T) {
	a := baseApp()
	a.Cmd = ""
	assert.Error(t, a.Validate())

	a = baseApp()
	a.Args = []string{"echo", "hi"}
	assert.Error(t, a.Validate())
}

func TestValidateUpgradeStrategyRange(t *testing.T) {
	a := baseApp()
	a.UpgradeStrategy.MinimumHealthCapacity = 1.5
	assert.Error(t, a.Validate())
}

func TestEqualModuloVersionAndPorts(t *testing.T) {
	a := baseApp()
	a.Ports = []uint32{0, 8080}
	b := a
	b.Version = time.Unix(200, 0)
	b.Ports = []uint32{31000, 8080}
	assert.True(t, a.EqualModuloVersionAndPorts(b))

	c := a
	c.Instances = 4
	assert.False(t, a.EqualModuloVersionAndPorts(c))
}

func TestDynamicPortCount(t *testing.T) {
	a := baseApp()
	a.Ports = []uint32{0, 8080, 0}
	a.Container = &Container{PortMapping: []PortMapping{{HostPort: 0}, {HostPort: 9000}}}
	assert.Equal(t, 3, a.DynamicPortCount())
}
