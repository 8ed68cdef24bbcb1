package session

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/probeweaver/internal/weave/probe"
)

// Mapping is one concrete location a named probe point stands for.
type Mapping struct {
	Clazz    string
	Method   string
	Type     string
	Location probe.Location
}

// AliasRegistry maps named probe points ("namespace:name") to the
// concrete locations @OnProbe actions are bound to.
//
// Alias files are YAML:
//
//	namespace: http
//	probes:
//	  - name: request
//	    map:
//	      - clazz: "+javax.servlet.http.HttpServlet"
//	        method: service
//	        location: {kind: ENTRY}
//	      - clazz: demo.Server
//	        method: handle
//	        location: {kind: RETURN, where: BEFORE}
//
// Thread Safety: safe for concurrent use.
type AliasRegistry struct {
	mu     sync.RWMutex
	points map[string][]Mapping
}

// NewAliasRegistry returns an empty registry.
func NewAliasRegistry() *AliasRegistry {
	return &AliasRegistry{points: make(map[string][]Mapping)}
}

// Add registers mappings for a probe point.
func (r *AliasRegistry) Add(namespace, name string, mappings ...Mapping) {
	key := probe.Alias{Namespace: namespace, Name: name}.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points[key] = append(r.points[key], mappings...)
}

// Keys returns the registered probe points, sorted.
func (r *AliasRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.points))
	for k := range r.points {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type aliasFile struct {
	Namespace string       `yaml:"namespace"`
	Probes    []aliasPoint `yaml:"probes"`
}

type aliasPoint struct {
	Name string         `yaml:"name"`
	Map  []aliasMapping `yaml:"map"`
}

type aliasMapping struct {
	Clazz    string        `yaml:"clazz"`
	Method   string        `yaml:"method"`
	Type     string        `yaml:"type"`
	Location aliasLocation `yaml:"location"`
}

type aliasLocation struct {
	Kind   string `yaml:"kind"`
	Where  string `yaml:"where"`
	Clazz  string `yaml:"clazz"`
	Method string `yaml:"method"`
	Type   string `yaml:"type"`
	Field  string `yaml:"field"`
	Line   *int   `yaml:"line"`
}

func (l aliasLocation) location() (probe.Location, error) {
	loc := probe.DefaultLocation()
	if l.Kind != "" {
		k, err := probe.ParseKind(l.Kind)
		if err != nil {
			return loc, err
		}
		loc.Kind = k
	}
	if l.Where != "" {
		w, err := probe.ParseWhere(l.Where)
		if err != nil {
			return loc, err
		}
		loc.Where = w
	}
	loc.Clazz, loc.Method, loc.Type, loc.Field = l.Clazz, l.Method, l.Type, l.Field
	if l.Line != nil {
		loc.Line = *l.Line
	}
	return loc, nil
}

// LoadFile reads an alias file into the registry.
func (r *AliasRegistry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read alias file: %w", err)
	}
	return r.Load(data, path)
}

// Load parses alias definitions; source names them in errors. Nothing is
// registered when the input has an error.
func (r *AliasRegistry) Load(data []byte, source string) error {
	var f aliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse alias file %s: %w", source, err)
	}
	if f.Namespace == "" {
		return fmt.Errorf("alias file %s: missing namespace", source)
	}

	parsed := make(map[string][]Mapping, len(f.Probes))
	for _, p := range f.Probes {
		if p.Name == "" {
			return fmt.Errorf("alias file %s: probe without name", source)
		}
		for i, m := range p.Map {
			loc, err := m.Location.location()
			if err != nil {
				return fmt.Errorf("alias file %s: %s:%s map[%d]: %w", source, f.Namespace, p.Name, i, err)
			}
			parsed[p.Name] = append(parsed[p.Name], Mapping{
				Clazz:    m.Clazz,
				Method:   m.Method,
				Type:     m.Type,
				Location: loc,
			})
		}
	}
	for name, mappings := range parsed {
		r.Add(f.Namespace, name, mappings...)
	}
	return nil
}

// Resolve expands @OnProbe actions into probe descriptors, one per
// mapping of their probe point. Role parameters are checked against each
// mapped location the way the verifier checks @OnMethod actions.
//
// Returns the descriptors, the keys of probe points with no mapping, and
// an aggregated error for role violations.
func (r *AliasRegistry) Resolve(aliases []probe.Alias) ([]*probe.Descriptor, []string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		out        []*probe.Descriptor
		unresolved []string
		result     *multierror.Error
	)
	for _, a := range aliases {
		mappings, ok := r.points[a.Key()]
		if !ok {
			unresolved = append(unresolved, a.Key())
			continue
		}
		for _, m := range mappings {
			if err := probe.CheckRoles(m.Location, a.Roles); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s -> %s::%s: %w", a.TargetName, a.Key(), m.Clazz, err))
				continue
			}
			out = append(out, a.Bind(m.Clazz, m.Method, m.Type, m.Location))
		}
	}
	return out, unresolved, result.ErrorOrNil()
}
