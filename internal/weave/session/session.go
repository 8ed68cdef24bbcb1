// Package session controls instrumentation across probe units and target
// units: it loads and verifies probes, decides which units are eligible,
// serializes passes per unit, caches results, and dumps them for
// debugging.
//
// Thread Safety: a Session is safe for concurrent use. Passes over
// different units run concurrently; passes over the same unit are
// serialized.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/probeweaver/internal/config"
	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/instrumentor"
	"github.com/kolkov/probeweaver/internal/weave/pattern"
	"github.com/kolkov/probeweaver/internal/weave/probe"
	"github.com/kolkov/probeweaver/internal/weave/typedesc"
	"github.com/kolkov/probeweaver/internal/weave/verifier"
)

// ErrNoProbes is returned by Instrument before any probe unit is loaded.
var ErrNoProbes = errors.New("no probe loaded")

// Probe is a loaded probe unit.
type Probe struct {
	// Name is the dotted unit name; InternalName the internal one, after
	// collision renaming.
	Name         string
	InternalName string

	Unsafe bool
	Unit   *cu.Unit
	Probes []*probe.Descriptor

	// HasSubclassChecks reports that some probe selects units by
	// supertype, so no unit can be ruled out by name alone.
	HasSubclassChecks bool

	ins *instrumentor.Instrumentor
}

// Instrumentor returns the instrumentor applying this probe.
func (p *Probe) Instrumentor() *instrumentor.Instrumentor { return p.ins }

// IsCandidate reports whether a unit with the dotted name could be
// matched by some probe. Supertype and annotation patterns cannot be
// decided by name and always pass.
func (p *Probe) IsCandidate(m *pattern.Matcher, dotted string) bool {
	if p.HasSubclassChecks {
		return true
	}
	for _, d := range p.Probes {
		if pattern.Parse(d.Clazz).Type == pattern.Annotation {
			return true
		}
	}
	return p.Targets(m, dotted)
}

// Targets reports whether some probe names the unit by exact or regex
// pattern.
func (p *Probe) Targets(m *pattern.Matcher, dotted string) bool {
	for _, d := range p.Probes {
		if m.Match(d.Clazz, dotted) {
			return true
		}
	}
	return false
}

type cacheKey struct {
	sum   uint64
	probe string
	gen   uint64
}

// Session holds the loaded probes and the state shared by their passes.
type Session struct {
	cfg *config.Config
	log zerolog.Logger

	exclude  []glob.Glob
	aliases  *AliasRegistry
	render   *RenderContext
	matcher  *pattern.Matcher
	registry *pattern.Registry
	cache    *lru.Cache[cacheKey, *instrumentor.Result]

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	probes []*Probe
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithAliases replaces the alias registry. Alias files named by the
// configuration are loaded into it.
func WithAliases(r *AliasRegistry) Option {
	return func(s *Session) { s.aliases = r }
}

// WithRenderContext shares a unique-name counter between sessions.
func WithRenderContext(rc *RenderContext) Option {
	return func(s *Session) { s.render = rc }
}

// New creates a Session from a validated configuration.
//
// Example:
//
//	cfg, err := config.Load("probeweaver.yaml")
//	if err != nil {
//	    return err
//	}
//	s, err := session.New(cfg, session.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	p, err := s.Load(probeBytes)
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Session{
		cfg:      cfg,
		log:      zerolog.Nop(),
		registry: pattern.NewRegistry(),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.aliases == nil {
		s.aliases = NewAliasRegistry()
	}
	if s.render == nil {
		s.render = NewRenderContext()
	}
	s.matcher = pattern.NewMatcher(pattern.DefaultCacheSize, pattern.WithLogger(s.log))

	for _, p := range cfg.Exclude {
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("failed to compile exclude pattern %q: %w", p, err)
		}
		s.exclude = append(s.exclude, g)
	}
	for _, f := range cfg.AliasFiles {
		if err := s.aliases.LoadFile(f); err != nil {
			return nil, err
		}
	}
	if cfg.CacheSize > 0 {
		c, err := lru.New[cacheKey, *instrumentor.Result](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create transform cache: %w", err)
		}
		s.cache = c
	}
	return s, nil
}

// Aliases returns the alias registry.
func (s *Session) Aliases() *AliasRegistry { return s.aliases }

// Registry returns the hierarchy fed by the units seen so far.
func (s *Session) Registry() *pattern.Registry { return s.registry }

// Probes returns the loaded probes in load order.
func (s *Session) Probes() []*Probe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Probe(nil), s.probes...)
}

// Load verifies a probe unit and adds it to the session.
//
// A unit whose name was already loaded in the render context is renamed
// to name$1, name$2, and so on. @OnProbe actions are resolved through the
// alias registry; probe points without a mapping are logged and skipped.
func (s *Session) Load(data []byte) (*Probe, error) {
	res, err := verifier.Verify(data, s.cfg.AllowUnsafe, verifier.WithLogger(s.log))
	if err != nil {
		return nil, fmt.Errorf("failed to verify probe unit: %w", err)
	}

	unit := res.Unit
	name := s.render.Unique(res.InternalName)
	if name != res.InternalName {
		unit, err = cu.Rename(unit, name)
		if err != nil {
			return nil, fmt.Errorf("failed to rename probe unit %s: %w", res.ClassName, err)
		}
		s.log.Debug().Str("probe", res.ClassName).Str("as", typedesc.ToDotted(name)).Msg("probe unit renamed")
	}

	descs := append([]*probe.Descriptor(nil), res.Probes...)
	if len(res.Aliases) > 0 {
		bound, unresolved, err := s.aliases.Resolve(res.Aliases)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve probe points of %s: %w", res.ClassName, err)
		}
		for _, key := range unresolved {
			s.log.Warn().Str("probe", res.ClassName).Str("point", key).Msg("no mapping for probe point")
		}
		descs = append(descs, bound...)
	}

	p := &Probe{
		Name:         typedesc.ToDotted(name),
		InternalName: name,
		Unsafe:       res.Unsafe,
		Unit:         unit,
		Probes:       descs,
	}
	for _, d := range descs {
		if d.HasSubclassCheck() {
			p.HasSubclassChecks = true
			break
		}
	}
	p.ins = instrumentor.New(unit, descs,
		instrumentor.WithLogger(s.log),
		instrumentor.WithMatcher(s.matcher))

	s.mu.Lock()
	s.probes = append(s.probes, p)
	s.mu.Unlock()

	s.log.Info().Str("probe", p.Name).Int("probes", len(descs)).Bool("unsafe", p.Unsafe).Msg("probe unit loaded")
	return p, nil
}

// Excluded reports whether a unit may never be instrumented: it matches
// an exclusion glob or is a loaded probe unit.
func (s *Session) Excluded(internalName string) bool {
	dotted := typedesc.ToDotted(internalName)
	for _, g := range s.exclude {
		if g.Match(dotted) {
			return true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.probes {
		if p.InternalName == internalName {
			return true
		}
	}
	return false
}

func (s *Session) lock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = new(sync.Mutex)
		s.locks[name] = l
	}
	return l
}

// Instrument applies every loaded probe, in load order, to one target
// unit. The output of each pass is the input of the next.
//
// Parameters:
//   - ctx: checked before the pass starts
//   - name: the unit name as known to the caller, for errors and logs
//   - data: the encoded unit
//   - h: supertype lookup; nil uses the units seen by this session
//
// Returns the combined result. Bytes are the input when no probe bound or
// the unit is excluded.
func (s *Session) Instrument(ctx context.Context, name string, data []byte, h pattern.Hierarchy) (*instrumentor.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	probes := s.Probes()
	if len(probes) == 0 {
		return nil, ErrNoProbes
	}

	unit, err := cu.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode target unit %s: %w", name, err)
	}
	out := &instrumentor.Result{Bytes: data}
	if s.Excluded(unit.Name) {
		s.log.Debug().Str("unit", typedesc.ToDotted(unit.Name)).Msg("unit excluded")
		return out, nil
	}

	l := s.lock(unit.Name)
	l.Lock()
	defer l.Unlock()

	s.observe(unit)
	if h == nil {
		h = s.registry
	}

	dotted := typedesc.ToDotted(unit.Name)
	targeted := false
	for _, p := range probes {
		if !p.IsCandidate(s.matcher, dotted) {
			continue
		}
		targeted = targeted || p.Targets(s.matcher, dotted)
		res, err := s.pass(p, dotted, out.Bytes, h)
		if err != nil {
			return nil, err
		}
		out.Stats.Add(res.Stats)
		out.Matched = append(out.Matched, res.Matched...)
		if res.Changed {
			out.Bytes = res.Bytes
			out.Unit = res.Unit
			out.Changed = true
		}
	}

	if !out.Changed {
		if targeted {
			s.log.Warn().Str("unit", dotted).Msg("no method was matched")
		}
		return out, nil
	}
	if s.cfg.DumpDir != "" {
		if err := s.dump(unit.Name, data, out.Bytes); err != nil {
			s.log.Warn().Err(err).Str("unit", dotted).Msg("failed to dump unit")
		}
	}
	s.log.Debug().Str("unit", dotted).Str("stats", out.Stats.String()).Msg("unit woven")
	return out, nil
}

// pass runs one probe over data. Results are cached only against the
// session registry, keyed by its generation; a caller's hierarchy is
// opaque to the session.
func (s *Session) pass(p *Probe, dotted string, data []byte, h pattern.Hierarchy) (*instrumentor.Result, error) {
	cached := s.cache != nil && h == pattern.Hierarchy(s.registry)
	key := cacheKey{sum: xxh3.Hash(data), probe: p.InternalName}
	if cached {
		key.gen = s.registry.Generation()
		if res, ok := s.cache.Get(key); ok {
			return res, nil
		}
	}
	res, err := p.ins.Instrument(data, dotted, h)
	if err != nil {
		return nil, err
	}
	if cached {
		s.cache.Add(key, res)
	}
	return res, nil
}

// dump writes the original and the instrumented unit to the dump
// directory as <name>.orig.pwu and <name>.pwu.
func (s *Session) dump(internalName string, orig, woven []byte) error {
	base := filepath.Join(s.cfg.DumpDir, filepath.FromSlash(internalName))
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}
	if err := os.WriteFile(base+".orig.pwu", orig, 0o644); err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	if err := os.WriteFile(base+".pwu", woven, 0o644); err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	return nil
}

// Unit is an encoded target unit for InstrumentAll.
type Unit struct {
	Name string
	Data []byte
}

func (s *Session) observe(u *cu.Unit) {
	s.registry.Add(pattern.ClassInfo{Name: u.Name, Super: u.Super, Interfaces: u.Interfaces})
}

// InstrumentAll instruments units concurrently, at most cfg.Workers at a
// time. Every unit of the batch is registered in the hierarchy before the
// first pass, so results do not depend on input order. Results are in
// input order; a failed unit leaves a nil entry and its error is included
// in the aggregated error.
func (s *Session) InstrumentAll(ctx context.Context, units []Unit) ([]*instrumentor.Result, error) {
	for _, u := range units {
		// Undecodable units fail in their own pass below.
		if unit, err := cu.Decode(u.Data); err == nil {
			s.observe(unit)
		}
	}

	results := make([]*instrumentor.Result, len(units))
	var (
		mu     sync.Mutex
		result *multierror.Error
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Workers, 1))
	for i, u := range units {
		i, u := i, u
		g.Go(func() error {
			res, err := s.Instrument(ctx, u.Name, u.Data, nil)
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", u.Name, err))
				mu.Unlock()
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, result.ErrorOrNil()
}

// RuntimeUnit returns the probe unit as the runtime defines it: a copy
// without the action methods, which live on in the instrumented units.
func (s *Session) RuntimeUnit(p *Probe) (*cu.Unit, error) {
	c, err := cu.Clone(p.Unit)
	if err != nil {
		return nil, fmt.Errorf("failed to copy probe unit %s: %w", p.Name, err)
	}
	kept := c.Methods[:0]
	for i := range c.Methods {
		if !instrumentor.IsAction(&c.Methods[i]) {
			kept = append(kept, c.Methods[i])
		}
	}
	c.Methods = kept
	return c, nil
}
