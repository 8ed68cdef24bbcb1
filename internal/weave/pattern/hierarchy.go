package pattern

import (
	"slices"
	"sync"
)

// SupertypeMatcher decides "+Super" patterns.
//
// Two modes exist because two situations exist: a unit seen for the first
// time only declares its direct supertypes (Shallow), while a unit being
// redefined has a resolvable hierarchy (Deep).
type SupertypeMatcher interface {
	// IsSubtype reports whether c is super itself or extends or
	// implements super (internal name).
	IsSubtype(c ClassInfo, super string) bool
}

// Shallow checks only the unit itself and its declared superclass and
// interfaces.
type Shallow struct{}

// IsSubtype implements SupertypeMatcher.
func (Shallow) IsSubtype(c ClassInfo, super string) bool {
	if c.Name == super || c.Super == super {
		return true
	}
	for _, i := range c.Interfaces {
		if i == super {
			return true
		}
	}
	return false
}

// Hierarchy resolves the declared supertypes of a unit by internal name.
type Hierarchy interface {
	Supertypes(name string) (super string, interfaces []string, ok bool)
}

// Deep walks the full hierarchy through a Hierarchy resolver, starting
// from the declared supertypes of the unit merged with whatever the
// resolver records for its name.
type Deep struct {
	Hierarchy Hierarchy
}

// IsSubtype implements SupertypeMatcher.
func (d Deep) IsSubtype(c ClassInfo, super string) bool {
	if c.Name == super {
		return true
	}
	seen := map[string]bool{c.Name: true}
	queue := append([]string{c.Super}, c.Interfaces...)
	// Owners and argument types arrive as bare names; the hierarchy has the rest.
	if d.Hierarchy != nil {
		if s, ifaces, ok := d.Hierarchy.Supertypes(c.Name); ok {
			queue = append(queue, s)
			queue = append(queue, ifaces...)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if name == "" || seen[name] {
			continue
		}
		if name == super {
			return true
		}
		seen[name] = true
		if d.Hierarchy == nil {
			continue
		}
		if s, ifaces, ok := d.Hierarchy.Supertypes(name); ok {
			queue = append(queue, s)
			queue = append(queue, ifaces...)
		}
	}
	return false
}

// Registry is a concurrency-safe Hierarchy fed with the declarations of
// units as they are observed.
type Registry struct {
	mu    sync.RWMutex
	types map[string]ClassInfo
	gen   uint64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]ClassInfo)}
}

// Add records the declaration of a unit. Recording a declaration that is
// already known leaves the generation unchanged.
func (r *Registry) Add(c ClassInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.types[c.Name]; ok && old.Super == c.Super && slices.Equal(old.Interfaces, c.Interfaces) {
		return
	}
	r.gen++
	r.types[c.Name] = ClassInfo{
		Name:       c.Name,
		Super:      c.Super,
		Interfaces: append([]string(nil), c.Interfaces...),
	}
}

// Generation counts the changes made by Add. Results computed against
// the registry stay valid while it is unchanged.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

// Known reports whether a unit was recorded.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// Supertypes implements Hierarchy.
func (r *Registry) Supertypes(name string) (string, []string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.types[name]
	if !ok {
		return "", nil, false
	}
	return c.Super, c.Interfaces, true
}
