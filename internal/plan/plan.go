// Package plan computes a deployment plan from a diff between two
// group trees: which apps must start, scale, restart or stop, and in
// what order. Ordering falls out of a topological walk over both
// group- and app-level dependency declarations; the plan itself is a
// pure function over value types, no I/O.
package plan

import (
	"fmt"
	"sort"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/group"
	"github.com/more-free/marathon-core/internal/id"
)

// Action names one deployment step.
type Action int

const (
	ActionStart Action = iota
	ActionScale
	ActionRestart
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "Start"
	case ActionScale:
		return "Scale"
	case ActionRestart:
		return "Restart"
	case ActionStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// Step is one action against one app.
type Step struct {
	Action  Action
	App     apptype.AppDefinition
	OldApp  *apptype.AppDefinition // set for Restart and Scale
}

// Generation is a set of steps that may execute concurrently.
type Generation []Step

// Plan is an ordered sequence of generations; generations run in
// order, steps within one generation run concurrently.
type Plan struct {
	Generations []Generation
}

// IsEmpty reports whether the plan has no work to do.
func (p *Plan) IsEmpty() bool {
	return p == nil || len(p.Generations) == 0
}

// Diff computes the plan that transforms from into to.
func Diff(from, to *group.Group) (*Plan, error) {
	fromApps := appsByID(from)
	toApps := appsByID(to)

	groupDepth, err := groupDepths(from, to)
	if err != nil {
		return nil, err
	}

	allApps := make(map[string]apptype.AppDefinition, len(fromApps)+len(toApps))
	for k, a := range fromApps {
		allApps[k] = a
	}
	for k, a := range toApps {
		allApps[k] = a
	}
	depth, err := appDepths(allApps, groupDepth)
	if err != nil {
		return nil, err
	}

	var starts, scales, restarts, stops []Step
	for id, toApp := range toApps {
		fromApp, existed := fromApps[id]
		if !existed {
			starts = append(starts, Step{Action: ActionStart, App: toApp})
			continue
		}
		if fromApp.EqualModuloVersionAndPorts(toApp) {
			continue
		}
		if sameRunSpec(fromApp, toApp) {
			old := fromApp
			scales = append(scales, Step{Action: ActionScale, App: toApp, OldApp: &old})
		} else {
			old := fromApp
			restarts = append(restarts, Step{Action: ActionRestart, App: toApp, OldApp: &old})
		}
	}
	for id, fromApp := range fromApps {
		if _, stillPresent := toApps[id]; !stillPresent {
			stops = append(stops, Step{Action: ActionStop, App: fromApp})
		}
	}

	// Within one dependency generation, Start actions must land
	// before Scale, and Scale before Restart, so a dependency's own
	// instances exist before a dependent's rolling restart begins;
	// across generations, everything at depth d must finish before
	// depth d+1 starts.
	forward := interleaveByDepth(depth, starts, scales, restarts)
	backward := groupSteps(stops, depth, true)

	return &Plan{Generations: append(forward, backward...)}, nil
}

// interleaveByDepth walks dependency depths in ascending order and,
// within each depth, emits at most three generations in kind order
// (whichever of starts/scales/restarts have steps at that depth).
// depth is keyed by app id (appDepths), already folding in both the
// app's enclosing group's depth and its own declared Dependencies.
func interleaveByDepth(depth map[string]int, kinds ...[]Step) []Generation {
	maxDepth := 0
	for _, steps := range kinds {
		for _, s := range steps {
			if d := depth[s.App.ID.String()]; d > maxDepth {
				maxDepth = d
			}
		}
	}

	var out []Generation
	for d := 0; d <= maxDepth; d++ {
		for _, steps := range kinds {
			var atDepth []Step
			for _, s := range steps {
				if depth[s.App.ID.String()] == d {
					atDepth = append(atDepth, s)
				}
			}
			if len(atDepth) == 0 {
				continue
			}
			sort.Slice(atDepth, func(i, j int) bool { return atDepth[i].App.ID.String() < atDepth[j].App.ID.String() })
			out = append(out, Generation(atDepth))
		}
	}
	return out
}

func appsByID(g *group.Group) map[string]apptype.AppDefinition {
	out := make(map[string]apptype.AppDefinition)
	if g == nil {
		return out
	}
	for _, app := range g.TransitiveApps() {
		out[app.ID.String()] = app
	}
	return out
}

// sameRunSpec reports whether only the instance count differs between
// two versions of an app — a pure scale rather than a restart.
func sameRunSpec(a, b apptype.AppDefinition) bool {
	aScaled := a
	aScaled.Instances = b.Instances
	aScaled.Version = b.Version
	return aScaled.EqualModuloVersionAndPorts(b)
}

// groupDepths returns each group path's distance from the root across
// both trees' dependency declarations, via Kahn's algorithm; a group
// with no declared dependency sits at depth 0.
func groupDepths(from, to *group.Group) (map[string]int, error) {
	deps := make(map[string][]string)
	collect := func(g *group.Group) {
		if g == nil {
			return
		}
		for _, sub := range g.TransitiveGroups() {
			deps[sub.ID.String()] = append([]string{}, sub.Dependencies...)
		}
	}
	collect(from)
	collect(to)

	indegree := make(map[string]int)
	for id := range deps {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
	}
	dependents := make(map[string][]string)
	for id, ds := range deps {
		for _, d := range ds {
			dependents[d] = append(dependents[d], id)
			indegree[id]++
		}
	}

	depth := make(map[string]int)
	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
			depth[id] = 0
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if depth[dep] < depth[id]+1 {
				depth[dep] = depth[id] + 1
			}
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(indegree) {
		return nil, fmt.Errorf("plan: cyclic group dependency detected")
	}
	return depth, nil
}

// appDepths folds each app's own Dependencies into the group-level
// depths computed by groupDepths, via the same Kahn's-algorithm walk:
// each app starts at its enclosing group's depth (its floor), a
// dependency on another group's app pushes an app-to-app edge through
// the same relaxation used for groups, and a dependency naming a
// group directly (rather than an app) just raises the floor by one
// past that group's own depth. Each ref is resolved relative to the
// declaring app's own id via id.Resolve, so dependencies may be
// absolute or relative.
func appDepths(allApps map[string]apptype.AppDefinition, groupDepth map[string]int) (map[string]int, error) {
	resolvedDeps := make(map[string][]string, len(allApps))
	for appID, app := range allApps {
		for _, ref := range app.Dependencies {
			resolved, err := id.Resolve(app.ID, ref)
			if err != nil {
				return nil, fmt.Errorf("plan: app %s: %w", appID, err)
			}
			resolvedDeps[appID] = append(resolvedDeps[appID], resolved.String())
		}
	}

	floor := make(map[string]int, len(allApps))
	indegree := make(map[string]int, len(allApps))
	for appID, app := range allApps {
		floor[appID] = groupDepth[app.ID.Parent().String()]
		indegree[appID] = 0
	}

	dependents := make(map[string][]string)
	for appID, ds := range resolvedDeps {
		for _, d := range ds {
			if _, isApp := allApps[d]; isApp {
				dependents[d] = append(dependents[d], appID)
				indegree[appID]++
			} else if gd, ok := groupDepth[d]; ok && gd+1 > floor[appID] {
				floor[appID] = gd + 1
			}
		}
	}

	depth := make(map[string]int, len(allApps))
	var queue []string
	for appID := range allApps {
		depth[appID] = floor[appID]
		if indegree[appID] == 0 {
			queue = append(queue, appID)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[cur] {
			if depth[dep] < depth[cur]+1 {
				depth[dep] = depth[cur] + 1
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(allApps) {
		return nil, fmt.Errorf("plan: cyclic app dependency detected")
	}
	return depth, nil
}

func groupSteps(steps []Step, depth map[string]int, reverse bool) []Generation {
	byDepth := make(map[int][]Step)
	maxDepth := 0
	for _, s := range steps {
		d := depth[s.App.ID.String()]
		byDepth[d] = append(byDepth[d], s)
		if d > maxDepth {
			maxDepth = d
		}
	}

	var order []int
	for d := 0; d <= maxDepth; d++ {
		order = append(order, d)
	}
	if reverse {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}

	var out []Generation
	for _, d := range order {
		gen, ok := byDepth[d]
		if !ok || len(gen) == 0 {
			continue
		}
		sort.Slice(gen, func(i, j int) bool { return gen[i].App.ID.String() < gen[j].App.ID.String() })
		out = append(out, Generation(gen))
	}
	return out
}
