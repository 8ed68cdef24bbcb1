// Package verifier validates untrusted probe-definition units and extracts
// their probe table.
//
// Verification is one linear traversal of the unit:
//
//	header -> marker annotation -> fields -> methods -> end
//
// Shape rules (public concrete unit extending java.lang.Object, static-only
// members, public void actions, legal role parameters) and body safety rules
// (no loops, throws, monitors, foreign writes or calls) produce a fatal
// *Error on the first violation. A unit marked @Probe(unsafe=true) skips
// those rules when the caller permits unsafe units. Call cycles between
// probe actions are fatal in every mode.
//
// Example:
//
//	res, err := verifier.Verify(data, false)
//	if err != nil {
//	    return err // *verifier.Error for rule violations
//	}
//	fmt.Println(res.ClassName, len(res.Probes))
package verifier

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/probe"
	"github.com/kolkov/probeweaver/internal/weave/typedesc"
)

// DefaultAllowedCalls lists the call targets probe actions may use besides
// their own unit. Entries ending in "/" are package prefixes; others are
// exact unit names.
var DefaultAllowedCalls = []string{
	"probeweaver/runtime/",
	"java/lang/String",
	"java/lang/Boolean",
	"java/lang/Character",
	"java/lang/Byte",
	"java/lang/Short",
	"java/lang/Integer",
	"java/lang/Long",
	"java/lang/Float",
	"java/lang/Double",
}

// Result is the outcome of a successful verification.
type Result struct {
	// ClassName is the dotted unit name; InternalName the internal one.
	ClassName    string
	InternalName string

	// Unsafe reports that the unit declared unsafe mode.
	Unsafe bool

	// Probes lists one descriptor per @OnMethod action, in member order.
	Probes []*probe.Descriptor

	// Aliases lists the @OnProbe actions, to be resolved by the caller.
	Aliases []probe.Alias

	// Unit is the decoded probe-definition unit.
	Unit *codeunit.Unit
}

// Option configures verification.
type Option func(*verifier)

// WithLogger sets the logger suppressed violations are reported to.
func WithLogger(l zerolog.Logger) Option {
	return func(v *verifier) { v.log = l }
}

// WithAllowedCalls replaces DefaultAllowedCalls.
func WithAllowedCalls(targets ...string) Option {
	return func(v *verifier) { v.allowed = targets }
}

// Verify decodes and verifies a probe-definition unit.
func Verify(data []byte, allowUnsafe bool, opts ...Option) (*Result, error) {
	u, err := codeunit.Decode(data)
	if err != nil {
		return nil, err
	}
	return VerifyUnit(u, allowUnsafe, opts...)
}

// VerifyUnit verifies an already decoded probe-definition unit.
func VerifyUnit(u *codeunit.Unit, allowUnsafe bool, opts ...Option) (*Result, error) {
	v := &verifier{
		allowUnsafe: allowUnsafe,
		allowed:     DefaultAllowedCalls,
		log:         zerolog.Nop(),
		graph:       newCallGraph(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if err := codeunit.Accept(u, v); err != nil {
		return nil, err
	}
	return &Result{
		ClassName:    v.dotted,
		InternalName: v.name,
		Unsafe:       v.unsafe,
		Probes:       v.probes,
		Aliases:      v.aliases,
		Unit:         u,
	}, nil
}

// verifier is the UnitVisitor state machine.
type verifier struct {
	allowUnsafe bool
	allowed     []string
	log         zerolog.Logger

	name   string
	dotted string

	// Header violations wait until the marker annotation tells whether the
	// unit is unsafe.
	pending    []*Error
	settled    bool
	seenMarker bool
	unsafe     bool

	probes  []*probe.Descriptor
	aliases []probe.Alias
	graph   *callGraph
}

// report returns err unless unsafe mode suppresses it.
func (v *verifier) report(err *Error) error {
	if v.unsafe && v.allowUnsafe {
		v.log.Debug().Str("rule", string(err.Rule)).Str("unit", err.Unit).Str("member", err.Member).
			Msg("verification rule suppressed in unsafe mode")
		return nil
	}
	return err
}

func (v *verifier) fail(rule Rule, member, detail string) error {
	return v.report(newError(rule, v.dotted, member, detail))
}

// settle runs once the annotations of the unit are known.
func (v *verifier) settle() error {
	if v.settled {
		return nil
	}
	v.settled = true
	if !v.seenMarker {
		return newError(RuleNotProbeUnit, v.dotted, "", "")
	}
	for _, p := range v.pending {
		if err := v.report(p); err != nil {
			return err
		}
	}
	v.pending = nil
	return nil
}

func (v *verifier) VisitHeader(h codeunit.Header) error {
	v.name = h.Name
	v.dotted = typedesc.ToDotted(h.Name)

	add := func(rule Rule) {
		v.pending = append(v.pending, newError(rule, v.dotted, "", ""))
	}
	if !h.Access.Has(codeunit.AccPublic) {
		add(RuleUnitNotPublic)
	}
	switch {
	case h.Access.Has(codeunit.AccInterface) || h.Access.Has(codeunit.AccAnnotation):
		add(RuleInterface)
	case h.Access.Has(codeunit.AccEnum):
		add(RuleEnum)
	case h.Access.Has(codeunit.AccAbstract):
		add(RuleAbstract)
	}
	if h.Super != "java/lang/Object" {
		add(RuleSuperclass)
	}
	if len(h.Interfaces) > 0 {
		add(RuleInterfaces)
	}
	return nil
}

func (v *verifier) VisitOuterClass(o codeunit.OuterClass) error {
	v.pending = append(v.pending, newError(RuleOuterClass, v.dotted, "", typedesc.ToDotted(o.Owner)))
	return nil
}

func (v *verifier) VisitAnnotation(a codeunit.Annotation) error {
	if a.Desc != probe.MarkerDesc {
		return nil
	}
	v.seenMarker = true
	v.unsafe = a.BoolValue("unsafe", false)
	if v.unsafe && !v.allowUnsafe {
		return newError(RuleUnsafeNotAllowed, v.dotted, "", "")
	}
	return nil
}

func (v *verifier) VisitInnerClass(ic codeunit.InnerClass) error {
	if err := v.settle(); err != nil {
		return err
	}
	switch {
	case ic.OuterName == v.name || strings.HasPrefix(ic.Name, v.name+"$"):
		return v.fail(RuleNestedClass, "", typedesc.ToDotted(ic.Name))
	case ic.Name == v.name:
		return v.fail(RuleOuterClass, "", typedesc.ToDotted(ic.OuterName))
	}
	return nil
}

func (v *verifier) VisitField(f codeunit.Field) error {
	if err := v.settle(); err != nil {
		return err
	}
	if !f.Access.Has(codeunit.AccStatic) {
		return v.fail(RuleInstanceField, f.Name, "")
	}
	return nil
}

func (v *verifier) VisitMethod(m codeunit.MethodInfo) (codeunit.MethodVisitor, error) {
	if err := v.settle(); err != nil {
		return nil, err
	}
	isCtor := m.Name == codeunit.ConstructorName
	if !isCtor {
		if !m.Access.Has(codeunit.AccStatic) {
			if err := v.fail(RuleInstanceMethod, m.Name, ""); err != nil {
				return nil, err
			}
		}
		if m.Access.Has(codeunit.AccSynchronized) {
			if err := v.fail(RuleSynchronizedMethod, m.Name, ""); err != nil {
				return nil, err
			}
		}
	}
	return &methodVerifier{
		v:      v,
		info:   m,
		isCtor: isCtor,
		roles:  probe.NoRoles(),
		labels: make(map[int]bool),
	}, nil
}

func (v *verifier) VisitEnd() error {
	if err := v.settle(); err != nil {
		return err
	}
	if cycle := v.graph.findCycle(); cycle != nil {
		// Never suppressed, not even in unsafe mode.
		return newError(RuleCallCycle, v.dotted, memberName(cycle[0]), strings.Join(cycle, " -> "))
	}
	return nil
}

// allowedCall reports whether a probe action may call into owner.
func (v *verifier) allowedCall(owner string) bool {
	for _, a := range v.allowed {
		if strings.HasSuffix(a, "/") {
			if strings.HasPrefix(owner, a) {
				return true
			}
		} else if owner == a {
			return true
		}
	}
	return false
}

// memberName strips the descriptor from a call graph key.
func memberName(key string) string {
	if i := strings.IndexByte(key, '('); i >= 0 {
		return key[:i]
	}
	return key
}
