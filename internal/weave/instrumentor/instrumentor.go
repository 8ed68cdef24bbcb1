// Package instrumentor rewrites target code units so that they call the
// actions of a verified probe unit at the locations its probes select.
//
// One pass is a chain of visitors:
//
//	codeunit.Accept(target) -> unitWeaver -> methodWeaver(s) -> codeunit.Writer
//
// The unitWeaver matches unit patterns at the header and annotations and
// picks the candidate probes of each method. The methodWeaver turns every
// instruction event into before and after phases, fires the per-Kind sites
// (sites.go) and injects the bound action calls. At the end of the unit
// the called actions are merged in as private static copies (merger.go).
//
// When nothing binds the input bytes are returned unchanged.
//
// Thread Safety: an Instrumentor may be shared; each Instrument call runs
// its own single-threaded pass.
package instrumentor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/pattern"
	"github.com/kolkov/probeweaver/internal/weave/probe"
)

// Instrumentor applies the probes of one probe unit to target units.
type Instrumentor struct {
	probe     *cu.Unit
	probeName string // internal name of the probe unit
	probes    []*probe.Descriptor
	matcher   *pattern.Matcher
	log       zerolog.Logger

	matched atomic.Bool
}

// Option configures an Instrumentor.
type Option func(*Instrumentor)

// WithLogger sets the logger for pattern errors and pass summaries.
func WithLogger(l zerolog.Logger) Option {
	return func(i *Instrumentor) { i.log = l }
}

// WithMatcher shares a pattern matcher, and its expression cache, between
// instrumentors.
func WithMatcher(m *pattern.Matcher) Option {
	return func(i *Instrumentor) { i.matcher = m }
}

// New creates an Instrumentor for the verified probe unit and its probe
// table.
//
// Parameters:
//   - probeUnit: the decoded probe-definition unit holding the actions
//   - probes: descriptors from verification and alias resolution
//
// Example:
//
//	res, err := verifier.Verify(data, false)
//	if err != nil {
//	    return err
//	}
//	ins := instrumentor.New(res.Unit, res.Probes)
func New(probeUnit *cu.Unit, probes []*probe.Descriptor, opts ...Option) *Instrumentor {
	i := &Instrumentor{
		probe:     probeUnit,
		probeName: probeUnit.Name,
		probes:    probes,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.matcher == nil {
		i.matcher = pattern.NewMatcher(pattern.DefaultCacheSize, pattern.WithLogger(i.log))
	}
	return i
}

// ProbeName returns the internal name of the probe unit.
func (i *Instrumentor) ProbeName() string { return i.probeName }

// Probes returns the probe table.
func (i *Instrumentor) Probes() []*probe.Descriptor { return i.probes }

// HasMatch reports whether any pass so far injected at least one call.
func (i *Instrumentor) HasMatch() bool { return i.matched.Load() }

// Result is the outcome of one pass.
type Result struct {
	// Bytes is the encoded output; the input itself when Changed is false.
	Bytes []byte

	// Changed reports that at least one action call was injected.
	Changed bool

	// Unit is the rewritten unit, nil when Changed is false.
	Unit *cu.Unit

	Stats Stats

	// Matched lists the probes whose actions were called, deduplicated by
	// action.
	Matched []*probe.Descriptor
}

// Instrument runs one pass over an encoded target unit.
//
// Parameters:
//   - target: the encoded unit
//   - hint: the unit name as known to the caller, used in error messages
//     when the bytes cannot be decoded
//   - h: supertype lookup for "+Type" patterns and binding checks; nil
//     restricts both to the unit's direct supertypes
//
// Returns the rewritten unit, or the input unchanged when nothing binds.
// A failure while emitting is returned as *EmissionError wrapped with the
// unit name; no partial output is produced.
func (i *Instrumentor) Instrument(target []byte, hint string, h pattern.Hierarchy) (*Result, error) {
	unit, err := cu.Decode(target)
	if err != nil {
		return nil, fmt.Errorf("failed to decode target unit %s: %w", hint, err)
	}
	if len(i.probes) == 0 {
		return &Result{Bytes: target}, nil
	}

	w := cu.NewWriter()
	uw := newUnitWeaver(i, w, h)
	if err := cu.Accept(unit, uw); err != nil {
		var ee *EmissionError
		if !errors.As(err, &ee) {
			ee = &EmissionError{Unit: uw.dotted, Err: err, Suggestion: suggestionFor(err)}
		}
		return nil, fmt.Errorf("failed to instrument %s: %w", unit.Name, ee)
	}

	res := &Result{Stats: uw.stats, Matched: uw.calls}
	if len(uw.calls) == 0 {
		res.Bytes = target
		i.log.Debug().Str("unit", uw.dotted).Int("methods", uw.stats.MethodsVisited).Msg("no probe bound")
		return res, nil
	}

	out, err := cu.Encode(w.Unit())
	if err != nil {
		return nil, fmt.Errorf("failed to encode instrumented unit %s: %w", unit.Name, err)
	}
	res.Bytes = out
	res.Changed = true
	res.Unit = w.Unit()
	i.matched.Store(true)

	i.log.Debug().
		Str("unit", uw.dotted).
		Str("probe", i.probeName).
		Int("injected", uw.stats.Total()).
		Int("methods", uw.stats.MethodsInstrumented).
		Int("merged", uw.stats.ActionsMerged).
		Msg("unit instrumented")
	return res, nil
}
