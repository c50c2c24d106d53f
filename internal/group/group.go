// Package group implements the recursive group tree: a container of
// apps and nested groups with cross-app dependencies, the hierarchical
// model dependency-ordered deployments are planned against.
package group

import (
	"fmt"
	"sort"
	"time"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/id"
)

// Group is one node of the tree.
type Group struct {
	ID           id.PathId
	Version      time.Time
	Apps         map[string]apptype.AppDefinition
	Groups       map[string]*Group
	Dependencies []string
}

// New builds an empty group at the given path.
func New(path id.PathId) *Group {
	return &Group{
		ID:     path,
		Apps:   make(map[string]apptype.AppDefinition),
		Groups: make(map[string]*Group),
	}
}

// Validate checks the tree's shape invariant recursively: within one
// node, an app's id must not collide with a group's id, and every
// direct child (app or subgroup) must actually be a direct child
// path of this node.
func (g *Group) Validate() error {
	for key, app := range g.Apps {
		if key != app.ID.String() {
			return fmt.Errorf("group %s: app keyed as %s but declares id %s", g.ID, key, app.ID)
		}
		if !app.ID.IsChildOf(g.ID) {
			return fmt.Errorf("group %s: app %s is not a direct child", g.ID, app.ID)
		}
		if _, collide := g.Groups[key]; collide {
			return fmt.Errorf("group %s: id %s used by both an app and a subgroup", g.ID, key)
		}
		if err := app.Validate(); err != nil {
			return err
		}
	}
	for key, sub := range g.Groups {
		if key != sub.ID.String() {
			return fmt.Errorf("group %s: subgroup keyed as %s but declares id %s", g.ID, key, sub.ID)
		}
		if !sub.ID.IsChildOf(g.ID) {
			return fmt.Errorf("group %s: subgroup %s is not a direct child", g.ID, sub.ID)
		}
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PutApp inserts or replaces an app, keyed by its own id.
func (g *Group) PutApp(app apptype.AppDefinition) {
	g.Apps[app.ID.String()] = app
}

// PutGroup inserts or replaces a subgroup, keyed by its own id.
func (g *Group) PutGroup(sub *Group) {
	g.Groups[sub.ID.String()] = sub
}

// TransitiveApps returns every app in this node and all descendants.
func (g *Group) TransitiveApps() []apptype.AppDefinition {
	out := make([]apptype.AppDefinition, 0, len(g.Apps))
	for _, a := range g.Apps {
		out = append(out, a)
	}
	for _, sub := range g.Groups {
		out = append(out, sub.TransitiveApps()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// TransitiveGroups returns this node and all descendant groups.
func (g *Group) TransitiveGroups() []*Group {
	out := []*Group{g}
	for _, sub := range g.Groups {
		out = append(out, sub.TransitiveGroups()...)
	}
	return out
}

// AppsByID indexes TransitiveApps by canonical id string.
func (g *Group) AppsByID() map[string]apptype.AppDefinition {
	out := make(map[string]apptype.AppDefinition)
	for _, a := range g.TransitiveApps() {
		out[a.ID.String()] = a
	}
	return out
}

// FindApp looks up an app anywhere in the tree by absolute id.
func (g *Group) FindApp(appID id.PathId) (apptype.AppDefinition, bool) {
	a, ok := g.AppsByID()[appID.String()]
	return a, ok
}

// FindGroup looks up a subgroup anywhere in the tree (including g
// itself) by absolute id.
func (g *Group) FindGroup(groupID id.PathId) (*Group, bool) {
	if g.ID.Equal(groupID) {
		return g, true
	}
	for _, sub := range g.Groups {
		if found, ok := sub.FindGroup(groupID); ok {
			return found, ok
		}
	}
	return nil, false
}

// ServicePorts collects every already-assigned, non-zero declared
// service port across the tree (top-level Ports slice only — those
// are the cluster-wide ports allocation manages; container
// PortMapping.HostPort values are host-local and not service ports).
func (g *Group) ServicePorts() map[uint32]struct{} {
	ports := make(map[uint32]struct{})
	for _, a := range g.TransitiveApps() {
		for _, p := range a.Ports {
			if p != 0 {
				ports[p] = struct{}{}
			}
		}
	}
	return ports
}
