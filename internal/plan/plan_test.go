package plan

import (
	"testing"
	"time"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/group"
	"github.com/more-free/marathon-core/internal/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appAt(path string, instances int, cmd string, version time.Time) apptype.AppDefinition {
	return apptype.AppDefinition{
		ID:              id.MustParse(path),
		Cmd:             cmd,
		Instances:       instances,
		UpgradeStrategy: apptype.DefaultUpgradeStrategy(),
		Version:         version,
	}
}

func TestDiffDetectsStartScaleRestartStop(t *testing.T) {
	from := group.New(id.MustParse("/"))
	from.PutApp(appAt("/keep-same", 1, "true", time.Unix(1, 0)))
	from.PutApp(appAt("/scale-me", 1, "true", time.Unix(1, 0)))
	from.PutApp(appAt("/restart-me", 1, "sleep 1", time.Unix(1, 0)))
	from.PutApp(appAt("/remove-me", 1, "true", time.Unix(1, 0)))

	to := group.New(id.MustParse("/"))
	to.PutApp(appAt("/keep-same", 1, "true", time.Unix(1, 0)))
	to.PutApp(appAt("/scale-me", 3, "true", time.Unix(2, 0)))
	to.PutApp(appAt("/restart-me", 1, "sleep 2", time.Unix(2, 0)))
	to.PutApp(appAt("/new-app", 1, "true", time.Unix(2, 0)))

	p, err := Diff(from, to)
	require.NoError(t, err)
	require.False(t, p.IsEmpty())

	var actions []string
	for _, gen := range p.Generations {
		for _, step := range gen {
			actions = append(actions, step.Action.String()+":"+step.App.ID.String())
		}
	}
	assert.Contains(t, actions, "Start:/new-app")
	assert.Contains(t, actions, "Scale:/scale-me")
	assert.Contains(t, actions, "Restart:/restart-me")
	assert.Contains(t, actions, "Stop:/remove-me")
	for _, a := range actions {
		assert.NotContains(t, a, "/keep-same")
	}
}

func TestDiffOfIdenticalTreesIsEmpty(t *testing.T) {
	from := group.New(id.MustParse("/"))
	from.PutApp(appAt("/a", 1, "true", time.Unix(1, 0)))
	to := group.New(id.MustParse("/"))
	to.PutApp(appAt("/a", 1, "true", time.Unix(1, 0)))

	p, err := Diff(from, to)
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())
}

func TestDiffOrdersStartsByGroupDependency(t *testing.T) {
	from := group.New(id.MustParse("/"))

	to := group.New(id.MustParse("/"))
	backend := group.New(id.MustParse("/backend"))
	frontend := group.New(id.MustParse("/frontend"))
	frontend.Dependencies = []string{"/backend"}
	backend.PutApp(appAt("/backend/db", 1, "true", time.Unix(1, 0)))
	frontend.PutApp(appAt("/frontend/web", 1, "true", time.Unix(1, 0)))
	to.PutGroup(backend)
	to.PutGroup(frontend)

	p, err := Diff(from, to)
	require.NoError(t, err)
	require.Len(t, p.Generations, 2)
	assert.Equal(t, "/backend/db", p.Generations[0][0].App.ID.String())
	assert.Equal(t, "/frontend/web", p.Generations[1][0].App.ID.String())
}

// Two apps in the same, dependency-free group: /web declares a
// relative dependency on its sibling /db. Even with no group-level
// Dependencies anywhere in the tree, /db must still land in an
// earlier generation than /web.
func TestDiffOrdersStartsByAppDependency(t *testing.T) {
	from := group.New(id.MustParse("/"))

	to := group.New(id.MustParse("/"))
	db := appAt("/db", 1, "true", time.Unix(1, 0))
	web := appAt("/web", 1, "true", time.Unix(1, 0))
	web.Dependencies = []string{"../db"}
	to.PutApp(db)
	to.PutApp(web)

	p, err := Diff(from, to)
	require.NoError(t, err)
	require.Len(t, p.Generations, 2)
	assert.Equal(t, "/db", p.Generations[0][0].App.ID.String())
	assert.Equal(t, "/web", p.Generations[1][0].App.ID.String())
}
