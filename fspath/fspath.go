// Package fspath implements the absolute hierarchical path value used
// throughout the filesystem. A path is an ordered sequence of non-empty
// components; the empty sequence is the root directory.
package fspath

import (
	"path/filepath"
	"strings"

	"github.com/stilllearninggo/dfs/dfserr"
)

// Separator joins components in the canonical string form.
const Separator = "/"

type Path struct {
	components []string
}

// Root - the path of the root directory
func Root() Path {
	return Path{}
}

// Parse - decompose a path string into its components
// The string must start with the separator and contain no empty components.
func Parse(s string) (Path, *dfserr.Exception) {
	if !strings.HasPrefix(s, Separator) {
		return Path{}, dfserr.IllegalArgument("path %q does not begin with %s", s, Separator)
	}
	if s == Separator {
		return Root(), nil
	}
	components := strings.Split(s[1:], Separator)
	for _, c := range components {
		if c == "" {
			return Path{}, dfserr.IllegalArgument("path %q contains an empty component", s)
		}
	}
	return Path{components}, nil
}

func (p Path) String() string {
	if p.IsRoot() {
		return Separator
	}
	return Separator + strings.Join(p.components, Separator)
}

func (p Path) IsRoot() bool {
	return len(p.components) == 0
}

func (p Path) Depth() int {
	return len(p.components)
}

func (p Path) Equal(q Path) bool {
	if len(p.components) != len(q.components) {
		return false
	}
	for i := range p.components {
		if p.components[i] != q.components[i] {
			return false
		}
	}
	return true
}

// Less - lexicographic order by component
func (p Path) Less(q Path) bool {
	for i := 0; i < len(p.components) && i < len(q.components); i++ {
		if p.components[i] != q.components[i] {
			return p.components[i] < q.components[i]
		}
	}
	return len(p.components) < len(q.components)
}

// Parent - the path with the last component removed
// Panics for the root directory.
func (p Path) Parent() Path {
	if p.IsRoot() {
		panic("fspath: root directory has no parent")
	}
	return Path{p.components[:len(p.components)-1]}
}

// Last - the final component
// Panics for the root directory.
func (p Path) Last() string {
	if p.IsRoot() {
		panic("fspath: root directory has no last component")
	}
	return p.components[len(p.components)-1]
}

// IsSubpath - whether p lies at or beneath ancestor
// Reflexive: every path is a subpath of itself.
func (p Path) IsSubpath(ancestor Path) bool {
	if len(ancestor.components) > len(p.components) {
		return false
	}
	for i := range ancestor.components {
		if p.components[i] != ancestor.components[i] {
			return false
		}
	}
	return true
}

// DirectChild - the component of p one level beneath ancestor
// Requires p to lie strictly beneath ancestor.
func (p Path) DirectChild(ancestor Path) (string, *dfserr.Exception) {
	if !p.IsSubpath(ancestor) || p.Equal(ancestor) {
		return "", dfserr.IllegalArgument("%s is not strictly beneath %s", p, ancestor)
	}
	return p.components[len(ancestor.components)], nil
}

// Components - the component sequence from root to leaf
// Returns a fresh slice; mutating it does not affect the path.
func (p Path) Components() []string {
	out := make([]string, len(p.components))
	copy(out, p.components)
	return out
}

// LocalFile - the location of this path inside a local root directory
func (p Path) LocalFile(root string) string {
	return filepath.Join(append([]string{root}, p.components...)...)
}
