// Package target holds the static, ordered set of monitored endpoints.
package target

import (
	"fmt"

	"github.com/gosimple/slug"
)

// Target is a single monitored endpoint.
type Target struct {
	ID      string
	Name    string
	Address string
	IconURL string
}

// Registry is an ordered, read-only list of targets.
type Registry struct {
	targets []Target
	byID    map[string]int
}

// Spec is the configuration shape a registry is built from.
type Spec struct {
	Name    string
	Address string
	IconURL string
}

// NewRegistry builds a registry preserving the given order. Names must be
// non-empty and their derived ids unique.
func NewRegistry(specs []Spec) (*Registry, error) {
	r := &Registry{
		targets: make([]Target, 0, len(specs)),
		byID:    make(map[string]int, len(specs)),
	}
	for i, s := range specs {
		id := Slug(s.Name)
		if id == "" {
			return nil, fmt.Errorf("target[%d]: name %q yields an empty id", i, s.Name)
		}
		if prev, ok := r.byID[id]; ok {
			return nil, fmt.Errorf("target %q: id %q collides with target %q", s.Name, id, r.targets[prev].Name)
		}
		r.byID[id] = len(r.targets)
		r.targets = append(r.targets, Target{
			ID:      id,
			Name:    s.Name,
			Address: s.Address,
			IconURL: s.IconURL,
		})
	}
	return r, nil
}

// All returns a copy of the targets in registry order.
func (r *Registry) All() []Target {
	out := make([]Target, len(r.targets))
	copy(out, r.targets)
	return out
}

// Len returns the number of targets.
func (r *Registry) Len() int {
	return len(r.targets)
}

// Get looks up a target by id.
func (r *Registry) Get(id string) (Target, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Target{}, false
	}
	return r.targets[i], true
}

// Index returns the registry position of id, or -1.
func (r *Registry) Index(id string) int {
	i, ok := r.byID[id]
	if !ok {
		return -1
	}
	return i
}

// Slug derives a target id from its display name. Non-ASCII letters are
// transliterated ("Zürich" becomes "zurich"); a name with nothing to keep
// yields "".
func Slug(name string) string {
	return slug.Make(name)
}
