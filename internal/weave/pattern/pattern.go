// Package pattern matches probe specifiers against unit, member, and
// annotation names.
//
// A specifier is classified once by its first character:
//
//	"a.b.C"       exact: dotted name equality
//	"+a.b.Base"   supertype: the candidate extends or implements a.b.Base
//	"@a.b.Anno"   annotation: the candidate carries annotation a.b.Anno
//	"/a\..*\.C/"  regex: full-string match of the dotted name
//
// The empty specifier never matches. Regular expressions are compiled
// lazily and cached; a malformed expression is reported once through the
// Matcher's logger as a *SyntaxError and then never matches.
package pattern

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/kolkov/probeweaver/internal/weave/typedesc"
)

// Type classifies a Pattern.
type Type int

// Pattern types.
const (
	Exact Type = iota
	Supertype
	Annotation
	Regex
)

func (t Type) String() string {
	switch t {
	case Supertype:
		return "supertype"
	case Annotation:
		return "annotation"
	case Regex:
		return "regex"
	}
	return "exact"
}

// Pattern is a classified specifier.
type Pattern struct {
	Raw   string // specifier as written
	Type  Type
	Value string // specifier without its marker characters
}

// Parse classifies a raw specifier.
func Parse(raw string) Pattern {
	switch {
	case len(raw) >= 2 && raw[0] == '/' && raw[len(raw)-1] == '/':
		return Pattern{Raw: raw, Type: Regex, Value: raw[1 : len(raw)-1]}
	case strings.HasPrefix(raw, "+"):
		return Pattern{Raw: raw, Type: Supertype, Value: raw[1:]}
	case strings.HasPrefix(raw, "@"):
		return Pattern{Raw: raw, Type: Annotation, Value: raw[1:]}
	}
	return Pattern{Raw: raw, Type: Exact, Value: raw}
}

// IsEmpty reports whether the pattern can never match.
func (p Pattern) IsEmpty() bool {
	return p.Value == ""
}

func (p Pattern) String() string { return p.Raw }

// SyntaxError reports a malformed regular expression specifier.
type SyntaxError struct {
	Pattern string
	Err     error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid pattern %s: %v", e.Pattern, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// DefaultCacheSize is the number of compiled expressions a Matcher keeps.
const DefaultCacheSize = 256

// Matcher evaluates patterns. It is safe for concurrent use.
type Matcher struct {
	compiled *lru.Cache[string, *regexp.Regexp]
	failed   *lru.Cache[string, *SyntaxError]
	log      zerolog.Logger
	onError  func(*SyntaxError)
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets the logger malformed patterns are reported to.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Matcher) { m.log = l }
}

// WithErrorHandler registers a callback invoked once per malformed pattern.
func WithErrorHandler(fn func(*SyntaxError)) Option {
	return func(m *Matcher) { m.onError = fn }
}

// NewMatcher returns a Matcher caching up to size compiled expressions
// (DefaultCacheSize if size <= 0).
func NewMatcher(size int, opts ...Option) *Matcher {
	if size <= 0 {
		size = DefaultCacheSize
	}
	compiled, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		panic(fmt.Sprintf("pattern: regex cache: %v", err))
	}
	failed, err := lru.New[string, *SyntaxError](size)
	if err != nil {
		panic(fmt.Sprintf("pattern: regex cache: %v", err))
	}
	m := &Matcher{
		compiled: compiled,
		failed:   failed,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Regexp returns the compiled full-match expression for a regex pattern.
func (m *Matcher) Regexp(p Pattern) (*regexp.Regexp, error) {
	if re, ok := m.compiled.Get(p.Value); ok {
		return re, nil
	}
	if serr, ok := m.failed.Get(p.Value); ok {
		return nil, serr
	}
	re, err := regexp.Compile(`^(?:` + p.Value + `)$`)
	if err != nil {
		serr := &SyntaxError{Pattern: p.Raw, Err: err}
		m.failed.Add(p.Value, serr)
		m.log.Warn().Err(err).Str("pattern", p.Raw).Msg("malformed pattern never matches")
		if m.onError != nil {
			m.onError(serr)
		}
		return nil, serr
	}
	m.compiled.Add(p.Value, re)
	return re, nil
}

// MatchName matches an exact or regex pattern against a dotted name or a
// member name. Supertype and annotation patterns never match names.
func (m *Matcher) MatchName(p Pattern, candidate string) bool {
	if p.IsEmpty() {
		return false
	}
	switch p.Type {
	case Exact:
		return p.Value == candidate
	case Regex:
		re, err := m.Regexp(p)
		if err != nil {
			return false
		}
		return re.MatchString(candidate)
	}
	return false
}

// Match parses raw and matches it against candidate by name.
func (m *Matcher) Match(raw, candidate string) bool {
	return m.MatchName(Parse(raw), candidate)
}

// MatchAnnotation matches an annotation pattern against an annotation
// descriptor ("La/b/Anno;"). The value after '@' may itself be a regex.
func (m *Matcher) MatchAnnotation(p Pattern, annotationDesc string) bool {
	if p.Type != Annotation || p.IsEmpty() {
		return false
	}
	t, err := typedesc.Parse(annotationDesc)
	if err != nil || t.Sort() != typedesc.SortObject {
		return false
	}
	return m.MatchName(Parse(p.Value), t.ClassName())
}

// ClassInfo is what a unit declares about itself.
type ClassInfo struct {
	Name       string // internal name
	Super      string
	Interfaces []string
}

// MatchClass matches a unit-level pattern: exact or regex against the
// dotted unit name, supertype through sm. Annotation patterns are matched
// by MatchAnnotation as annotations are visited.
func (m *Matcher) MatchClass(p Pattern, c ClassInfo, sm SupertypeMatcher) bool {
	if p.IsEmpty() {
		return false
	}
	if p.Type == Supertype {
		if sm == nil {
			sm = Shallow{}
		}
		return sm.IsSubtype(c, typedesc.ToInternal(p.Value))
	}
	return m.MatchName(p, typedesc.ToDotted(c.Name))
}
