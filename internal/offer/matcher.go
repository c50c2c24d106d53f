package offer

import (
	"time"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/queue"
	"github.com/more-free/marathon-core/internal/resources"
	"github.com/more-free/marathon-core/internal/task"
)

// Launch is one accepted match: an app instance ready to be turned
// into a mesos TaskInfo and launched against the offer it matched.
type Launch struct {
	App       apptype.AppDefinition
	HostPorts []task.HostPort
}

// PlacementLookup answers, for a given app, the hosts/attributes of
// its currently staging or running instances — the tracker satisfies
// this in the running system.
type PlacementLookup interface {
	PlacementsForApp(appID string) []Placement
}

const (
	roleAny   = "*"
	keyCPUs   = "cpus"
	keyMem    = "mem"
	keyDisk   = "disk"
	keyPorts  = "ports"
)

// Match walks pending in priority order, greedily consuming bundle to
// launch as many queued instances as fit on one offer from (host,
// attrs). It returns the accepted launches, the queued entries they
// satisfied (so the caller can dequeue them), and the resource bundle
// left over.
func Match(
	bundle resources.Bundle,
	host string,
	attrs map[string]string,
	pending []queue.QueuedTask,
	placements PlacementLookup,
	rl *queue.RateLimiter,
	now time.Time,
) (launches []Launch, consumed []queue.QueuedTask, remaining resources.Bundle) {
	remaining = cloneBundle(bundle)
	committed := make(map[string][]Placement)

	for _, qt := range pending {
		app := qt.App
		if rl != nil && rl.HasTimeLeft(app) {
			continue
		}

		appID := app.ID.String()
		existing := append(append([]Placement{}, placements.PlacementsForApp(appID)...), committed[appID]...)
		if !SatisfiesAll(app, host, attrs, existing) {
			continue
		}

		launch, ok := tryReserve(&remaining, app)
		if !ok {
			continue
		}

		launches = append(launches, launch)
		consumed = append(consumed, qt)
		committed[appID] = append(committed[appID], Placement{Host: host, Attributes: attrs})
	}

	return launches, consumed, remaining
}

// acceptedRoles returns the resource roles app may draw from: its own
// AcceptedResourceRoles when declared, or just the wildcard role when
// it accepts whatever the offer carries unreserved.
func acceptedRoles(app apptype.AppDefinition) []string {
	if len(app.AcceptedResourceRoles) == 0 {
		return []string{roleAny}
	}
	return app.AcceptedResourceRoles
}

func tryReserve(bundle *resources.Bundle, app apptype.AppDefinition) (Launch, bool) {
	working := cloneBundle(*bundle)
	roles := acceptedRoles(app)

	cpus, ok := consumeScalarKey(working, roles, keyCPUs, app.CPUs)
	if !ok {
		return Launch{}, false
	}
	working = cpus

	mem, ok := consumeScalarKey(working, roles, keyMem, app.Mem)
	if !ok {
		return Launch{}, false
	}
	working = mem

	disk, ok := consumeScalarKey(working, roles, keyDisk, app.Disk)
	if !ok {
		return Launch{}, false
	}
	working = disk

	hostPorts, working, ok := reservePorts(working, roles, app)
	if !ok {
		return Launch{}, false
	}

	*bundle = working
	return Launch{App: app, HostPorts: hostPorts}, true
}

// consumeScalarKey tries each of roles in order, taking the first one
// that carries enough of the named scalar resource.
func consumeScalarKey(b resources.Bundle, roles []string, name string, amount float64) (resources.Bundle, bool) {
	if amount <= 0 {
		return b, true
	}
	for _, role := range roles {
		key := resources.Key{Role: role, Name: name}
		r, present := b[key]
		if !present {
			continue
		}
		rem, ok := resources.ConsumeScalar(r, amount)
		if !ok {
			continue
		}
		out := cloneBundle(b)
		out[key] = rem
		return out, true
	}
	return b, false
}

func reservePorts(b resources.Bundle, roles []string, app apptype.AppDefinition) ([]task.HostPort, resources.Bundle, bool) {
	if len(app.Ports) == 0 {
		return nil, b, true
	}

	for _, role := range roles {
		key := resources.Key{Role: role, Name: keyPorts}
		portsRes, present := b[key]
		if !present {
			continue
		}

		if app.RequirePorts {
			hostPorts, rem, ok := reserveExactPorts(portsRes, app.Ports)
			if !ok {
				continue
			}
			out := cloneBundle(b)
			out[key] = rem
			return hostPorts, out, true
		}

		picked, rem, ok := resources.PickFromRanges(portsRes, len(app.Ports))
		if !ok {
			continue
		}
		out := cloneBundle(b)
		out[key] = rem

		hostPorts := make([]task.HostPort, len(app.Ports))
		for i, servicePort := range app.Ports {
			hostPorts[i] = task.HostPort{
				ContainerPort: uint32(picked[i]),
				HostPort:      uint32(picked[i]),
				ServicePort:   servicePort,
			}
		}
		return hostPorts, out, true
	}
	return nil, b, false
}

func reserveExactPorts(r resources.Resource, wanted []uint32) ([]task.HostPort, resources.Resource, bool) {
	hostPorts := make([]task.HostPort, 0, len(wanted))
	remaining := r
	for _, p := range wanted {
		rem, ok := resources.ConsumeRange(remaining, resources.Range{Begin: uint64(p), End: uint64(p)})
		if !ok {
			return nil, r, false
		}
		remaining = rem
		hostPorts = append(hostPorts, task.HostPort{ContainerPort: p, HostPort: p, ServicePort: p})
	}
	return hostPorts, remaining, true
}

func cloneBundle(b resources.Bundle) resources.Bundle {
	out := make(resources.Bundle, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
