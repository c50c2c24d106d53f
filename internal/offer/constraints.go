// Package offer implements placement-constraint evaluation and offer
// matching against the pending-launch queue: a full resource-and-
// constraint walk over each candidate offer.
package offer

import (
	"regexp"

	"github.com/more-free/marathon-core/internal/apptype"
)

// Placement is the host and attribute set of one running or staging
// instance of an app, used to evaluate a candidate offer against its
// siblings.
type Placement struct {
	Host       string
	Attributes map[string]string
}

func fieldValue(field, host string, attrs map[string]string) (string, bool) {
	if field == "hostname" {
		return host, true
	}
	v, ok := attrs[field]
	return v, ok
}

// Satisfies reports whether placing another instance of an app on
// (host, attrs) obeys c given the app's existing placements.
func Satisfies(c apptype.Constraint, host string, attrs map[string]string, existing []Placement) bool {
	candidate, ok := fieldValue(c.Field, host, attrs)
	if !ok {
		return false
	}

	switch c.Op {
	case apptype.OpUnique:
		for _, p := range existing {
			if v, ok := fieldValue(c.Field, p.Host, p.Attributes); ok && v == candidate {
				return false
			}
		}
		return true

	case apptype.OpCluster:
		if c.Value != "" && candidate != c.Value {
			return false
		}
		for _, p := range existing {
			if v, ok := fieldValue(c.Field, p.Host, p.Attributes); ok && v != candidate {
				return false
			}
		}
		return true

	case apptype.OpGroupBy:
		counts := groupCounts(c.Field, existing)
		minCount := minGroupCount(counts)
		return counts[candidate] <= minCount

	case apptype.OpLike:
		return matchesRegex(c.Value, candidate)

	case apptype.OpUnlike:
		return !matchesRegex(c.Value, candidate)

	default:
		return true
	}
}

func groupCounts(field string, existing []Placement) map[string]int {
	counts := make(map[string]int)
	for _, p := range existing {
		if v, ok := fieldValue(field, p.Host, p.Attributes); ok {
			counts[v]++
		}
	}
	return counts
}

func minGroupCount(counts map[string]int) int {
	if len(counts) == 0 {
		return 0
	}
	min := -1
	for _, c := range counts {
		if min == -1 || c < min {
			min = c
		}
	}
	return min
}

func matchesRegex(pattern, value string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// SatisfiesAll reports whether every one of app's constraints is
// satisfied for the candidate placement.
func SatisfiesAll(app apptype.AppDefinition, host string, attrs map[string]string, existing []Placement) bool {
	for _, c := range app.Constraints {
		if !Satisfies(c, host, attrs, existing) {
			return false
		}
	}
	return true
}
