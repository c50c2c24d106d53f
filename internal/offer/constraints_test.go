package offer

import (
	"testing"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/stretchr/testify/assert"
)

func TestUniqueRejectsRepeatedHost(t *testing.T) {
	c := apptype.Constraint{Field: "hostname", Op: apptype.OpUnique}
	existing := []Placement{{Host: "host-a"}}
	assert.False(t, Satisfies(c, "host-a", nil, existing))
	assert.True(t, Satisfies(c, "host-b", nil, existing))
}

func TestClusterRequiresMatchingValue(t *testing.T) {
	c := apptype.Constraint{Field: "rack", Op: apptype.OpCluster, Value: "east"}
	assert.True(t, Satisfies(c, "host-a", map[string]string{"rack": "east"}, nil))
	assert.False(t, Satisfies(c, "host-a", map[string]string{"rack": "west"}, nil))
}

func TestClusterWithoutValueMatchesExisting(t *testing.T) {
	c := apptype.Constraint{Field: "rack", Op: apptype.OpCluster}
	existing := []Placement{{Host: "host-a", Attributes: map[string]string{"rack": "east"}}}
	assert.True(t, Satisfies(c, "host-b", map[string]string{"rack": "east"}, existing))
	assert.False(t, Satisfies(c, "host-c", map[string]string{"rack": "west"}, existing))
}

func TestGroupByBalancesAcrossValues(t *testing.T) {
	c := apptype.Constraint{Field: "rack", Op: apptype.OpGroupBy}
	existing := []Placement{
		{Host: "h1", Attributes: map[string]string{"rack": "east"}},
		{Host: "h2", Attributes: map[string]string{"rack": "east"}},
		{Host: "h3", Attributes: map[string]string{"rack": "west"}},
	}
	assert.True(t, Satisfies(c, "h4", map[string]string{"rack": "west"}, existing))
	assert.False(t, Satisfies(c, "h5", map[string]string{"rack": "east"}, existing))
}

func TestLikeAndUnlike(t *testing.T) {
	like := apptype.Constraint{Field: "rack", Op: apptype.OpLike, Value: "^east.*"}
	unlike := apptype.Constraint{Field: "rack", Op: apptype.OpUnlike, Value: "^east.*"}

	assert.True(t, Satisfies(like, "h1", map[string]string{"rack": "east-1"}, nil))
	assert.False(t, Satisfies(like, "h1", map[string]string{"rack": "west-1"}, nil))
	assert.False(t, Satisfies(unlike, "h1", map[string]string{"rack": "east-1"}, nil))
	assert.True(t, Satisfies(unlike, "h1", map[string]string{"rack": "west-1"}, nil))
}

func TestSatisfiesAllRequiresEveryConstraint(t *testing.T) {
	app := apptype.AppDefinition{
		Constraints: []apptype.Constraint{
			{Field: "hostname", Op: apptype.OpUnique},
			{Field: "rack", Op: apptype.OpLike, Value: "^east.*"},
		},
	}
	existing := []Placement{{Host: "host-a", Attributes: map[string]string{"rack": "east-1"}}}
	assert.False(t, SatisfiesAll(app, "host-a", map[string]string{"rack": "east-2"}, existing))
	assert.False(t, SatisfiesAll(app, "host-b", map[string]string{"rack": "west-1"}, existing))
	assert.True(t, SatisfiesAll(app, "host-b", map[string]string{"rack": "east-2"}, existing))
}
