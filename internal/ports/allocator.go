// Package ports assigns cluster-wide service ports to apps declaring
// a dynamic ("0") port: each is carved out of a configured
// [min, max] range, unique across the whole group tree.
package ports

import (
	"sort"
	"strconv"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/coreerr"
	"github.com/more-free/marathon-core/internal/group"
)

// Range is the configured [Min, Max] inclusive service-port window.
type Range struct {
	Min uint32
	Max uint32
}

// Allocator hands out fresh service ports deterministically: it
// always picks the lowest free port in the range, so repeated runs
// over the same input produce the same assignment.
type Allocator struct {
	r Range
}

func New(r Range) *Allocator { return &Allocator{r: r} }

// AssignGroup walks target.TransitiveApps in canonical id order and
// replaces every declared "0" service port — both the top-level
// Ports slice and any Container.PortMapping[].HostPort — with a
// fresh port from the range, unique across the whole tree. Non-zero
// declared ports inside the range are checked for collisions; those
// outside it are kept as declared without any check. It returns a
// new tree; the input is not mutated.
func (a *Allocator) AssignGroup(target *group.Group) (*group.Group, error) {
	used := make(map[uint32]struct{})
	apps := target.TransitiveApps() // already sorted by id

	markUsed := func(p uint32) error {
		if p == 0 {
			return nil
		}
		if p < a.r.Min || p > a.r.Max {
			return nil // literal ports outside the range are left alone, not validated against it
		}
		if _, dup := used[p]; dup {
			return coreerr.Validation("duplicate service port " + strconv.FormatUint(uint64(p), 10))
		}
		used[p] = struct{}{}
		return nil
	}

	for _, app := range apps {
		for _, p := range app.Ports {
			if err := markUsed(p); err != nil {
				return nil, err
			}
		}
		if app.Container != nil {
			for _, pm := range app.Container.PortMapping {
				if err := markUsed(pm.HostPort); err != nil {
					return nil, err
				}
			}
		}
	}

	free := a.freePorts(used)
	next := 0

	assign := func(ports []uint32) ([]uint32, error) {
		out := make([]uint32, len(ports))
		copy(out, ports)
		for i, p := range out {
			if p != 0 {
				continue
			}
			if next >= len(free) {
				return nil, coreerr.Exhausted(int(a.r.Min), int(a.r.Max))
			}
			out[i] = free[next]
			next++
		}
		return out, nil
	}

	assignMappings := func(mappings []apptype.PortMapping) ([]apptype.PortMapping, error) {
		out := make([]apptype.PortMapping, len(mappings))
		copy(out, mappings)
		for i, pm := range out {
			if pm.HostPort != 0 {
				continue
			}
			if next >= len(free) {
				return nil, coreerr.Exhausted(int(a.r.Min), int(a.r.Max))
			}
			out[i].HostPort = free[next]
			next++
		}
		return out, nil
	}

	result := cloneGroup(target)
	type slot struct {
		node *group.Group
		key  string
	}
	var slots []slot
	for _, node := range result.TransitiveGroups() {
		for key := range node.Apps {
			slots = append(slots, slot{node: node, key: key})
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].key < slots[j].key })
	for _, s := range slots {
		node, key := s.node, s.key
		app := node.Apps[key]
		newPorts, err := assign(app.Ports)
		if err != nil {
			return nil, err
		}
		app.Ports = newPorts

		if app.Container != nil {
			newContainer := *app.Container
			newMappings, err := assignMappings(app.Container.PortMapping)
			if err != nil {
				return nil, err
			}
			newContainer.PortMapping = newMappings
			app.Container = &newContainer
		}

		node.Apps[key] = app
	}
	return result, nil
}

func (a *Allocator) freePorts(used map[uint32]struct{}) []uint32 {
	free := make([]uint32, 0, int(a.r.Max-a.r.Min)+1)
	for p := a.r.Min; p <= a.r.Max; p++ {
		if _, taken := used[p]; !taken {
			free = append(free, p)
		}
		if p == a.r.Max {
			break // avoid uint32 wraparound when Max == ^uint32(0)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i] < free[j] })
	return free
}

func cloneGroup(g *group.Group) *group.Group {
	clone := &group.Group{
		ID:           g.ID,
		Version:      g.Version,
		Apps:         make(map[string]apptype.AppDefinition, len(g.Apps)),
		Groups:       make(map[string]*group.Group, len(g.Groups)),
		Dependencies: append([]string{}, g.Dependencies...),
	}
	for k, a := range g.Apps {
		clone.Apps[k] = a
	}
	for k, sub := range g.Groups {
		clone.Groups[k] = cloneGroup(sub)
	}
	return clone
}
