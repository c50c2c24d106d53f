// Package id implements the hierarchical PathId identifiers used to
// name apps and groups: slash-separated absolute paths addressing a
// tree of nested groups.
package id

import (
	"fmt"
	"regexp"
	"strings"
)

var segmentRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)

// Root is the canonical id of the group tree's root.
const Root = "/"

// PathId is an absolute, canonicalized "/a/b/c" identifier.
type PathId struct {
	segments []string
}

// Parse validates and canonicalizes an absolute path string.
func Parse(s string) (PathId, error) {
	if s == "" || s == Root {
		return PathId{segments: nil}, nil
	}
	if !strings.HasPrefix(s, "/") {
		return PathId{}, fmt.Errorf("path id %q must be absolute", s)
	}
	parts := strings.Split(strings.Trim(s, "/"), "/")
	for _, p := range parts {
		if p == "" {
			return PathId{}, fmt.Errorf("path id %q has an empty segment", s)
		}
		if !segmentRE.MatchString(p) {
			return PathId{}, fmt.Errorf("path id %q has an invalid segment %q", s, p)
		}
	}
	return PathId{segments: parts}, nil
}

// MustParse panics on an invalid path; used for compile-time-known ids.
func MustParse(s string) PathId {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsRoot reports whether this id names the tree root.
func (p PathId) IsRoot() bool { return len(p.segments) == 0 }

// String renders the canonical absolute form.
func (p PathId) String() string {
	if p.IsRoot() {
		return Root
	}
	return "/" + strings.Join(p.segments, "/")
}

// Parent returns the enclosing path id. Parent of root is root.
func (p PathId) Parent() PathId {
	if len(p.segments) <= 1 {
		return PathId{}
	}
	return PathId{segments: append([]string{}, p.segments[:len(p.segments)-1]...)}
}

// Name returns the last path segment, or "" for the root.
func (p PathId) Name() string {
	if p.IsRoot() {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Append resolves a child segment relative to p.
func (p PathId) Append(seg string) (PathId, error) {
	if !segmentRE.MatchString(seg) {
		return PathId{}, fmt.Errorf("invalid path segment %q", seg)
	}
	return PathId{segments: append(append([]string{}, p.segments...), seg)}, nil
}

// Resolve interprets ref relative to base when ref is not itself
// absolute ("/..."), so a dependency reference may name either an
// absolute path or one relative to the declaring app or group.
func Resolve(base PathId, ref string) (PathId, error) {
	if strings.HasPrefix(ref, "/") {
		return Parse(ref)
	}
	resolved := base
	for _, seg := range strings.Split(ref, "/") {
		if seg == "" || seg == "." {
			continue
		}
		if seg == ".." {
			resolved = resolved.Parent()
			continue
		}
		var err error
		resolved, err = resolved.Append(seg)
		if err != nil {
			return PathId{}, err
		}
	}
	return resolved, nil
}

// Equal compares canonical forms.
func (p PathId) Equal(other PathId) bool { return p.String() == other.String() }

// IsChildOf reports whether p is a direct child of parent.
func (p PathId) IsChildOf(parent PathId) bool {
	return p.Parent().Equal(parent) && !p.IsRoot()
}

// MarshalText/UnmarshalText let PathId serialize as a plain string
// under encoding/json and yaml.v3.
func (p PathId) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PathId) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
