package instrumentor

import (
	"strings"

	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/pattern"
	"github.com/kolkov/probeweaver/internal/weave/probe"
	"github.com/kolkov/probeweaver/internal/weave/typedesc"
)

// unitWeaver is the unit-level stage of one instrumentation pass. It
// selects the probes whose unit pattern matches, hands each eligible
// method to a methodWeaver, and merges the called actions at the end.
type unitWeaver struct {
	cu.UnitAdapter

	ins       *Instrumentor
	hierarchy pattern.Hierarchy

	name   string // internal name
	dotted string
	info   pattern.ClassInfo

	// unitMatch[i] reports whether probe i matched the unit, by name or
	// supertype at the header, or by annotation afterwards.
	unitMatch []bool

	existing          map[string]bool // name+desc of the unit's own methods
	timestampExisting bool
	usesTimestamp     bool

	calls    []*probe.Descriptor
	callKeys map[string]bool

	stats Stats
}

func newUnitWeaver(ins *Instrumentor, next cu.UnitVisitor, h pattern.Hierarchy) *unitWeaver {
	return &unitWeaver{
		UnitAdapter: cu.UnitAdapter{Next: next},
		ins:         ins,
		hierarchy:   h,
		unitMatch:   make([]bool, len(ins.probes)),
		existing:    make(map[string]bool),
		callKeys:    make(map[string]bool),
	}
}

func (u *unitWeaver) supertypes() pattern.SupertypeMatcher {
	if u.hierarchy != nil {
		return pattern.Deep{Hierarchy: u.hierarchy}
	}
	return pattern.Shallow{}
}

func (u *unitWeaver) selfType() typedesc.Type {
	return typedesc.ObjectType(u.name)
}

// assignable reports whether values of internal type from can be passed
// as internal type to. Exception values of THROW, CATCH and ERROR are
// always accepted as java.lang.Throwable.
func (u *unitWeaver) assignable(throwable bool) func(from, to string) bool {
	return func(from, to string) bool {
		if to == "java/lang/Object" || (throwable && to == "java/lang/Throwable") {
			return true
		}
		c := pattern.ClassInfo{Name: from}
		if from == u.name {
			c = u.info
		}
		return u.supertypes().IsSubtype(c, to)
	}
}

// matchOwner matches a Location class pattern against the owner of a
// called method or accessed field.
func (u *unitWeaver) matchOwner(raw, owner string) bool {
	p := pattern.Parse(raw)
	if p.Type == pattern.Annotation {
		return false
	}
	c := pattern.ClassInfo{Name: owner}
	if owner == u.name {
		c = u.info
	}
	return u.ins.matcher.MatchClass(p, c, u.supertypes())
}

// matchField matches a field access against a Location.
func (u *unitWeaver) matchField(loc probe.Location, in cu.Instruction) bool {
	return u.matchOwner(loc.Clazz, in.Owner) && u.ins.matcher.Match(loc.Field, in.Name)
}

// VisitHeader records the unit and matches name and supertype patterns.
func (u *unitWeaver) VisitHeader(h cu.Header) error {
	u.name = h.Name
	u.dotted = typedesc.ToDotted(h.Name)
	u.info = pattern.ClassInfo{Name: h.Name, Super: h.Super, Interfaces: h.Interfaces}
	sm := u.supertypes()
	for i, d := range u.ins.probes {
		p := pattern.Parse(d.Clazz)
		if p.Type == pattern.Annotation {
			continue
		}
		u.unitMatch[i] = u.ins.matcher.MatchClass(p, u.info, sm)
	}
	return u.UnitAdapter.VisitHeader(h)
}

// VisitAnnotation matches "@Anno" unit patterns.
func (u *unitWeaver) VisitAnnotation(a cu.Annotation) error {
	for i, d := range u.ins.probes {
		if u.unitMatch[i] {
			continue
		}
		if p := pattern.Parse(d.Clazz); p.Type == pattern.Annotation {
			u.unitMatch[i] = u.ins.matcher.MatchAnnotation(p, a.Desc)
		}
	}
	return u.UnitAdapter.VisitAnnotation(a)
}

// VisitMethod forwards the method and wraps it in a methodWeaver when
// probes apply to it. Abstract and native methods and members added by
// earlier passes are never instrumented.
func (u *unitWeaver) VisitMethod(m cu.MethodInfo) (cu.MethodVisitor, error) {
	next, err := u.UnitAdapter.VisitMethod(m)
	if err != nil || next == nil {
		return next, err
	}
	u.existing[m.Name+m.Desc] = true
	if m.Name == probe.TimestampHelper && m.Desc == probe.TimestampHelperDesc {
		u.timestampExisting = true
	}
	if m.Access.Has(cu.AccAbstract) || m.Access.Has(cu.AccNative) || strings.HasPrefix(m.Name, probe.ActionPrefix) {
		return next, nil
	}
	u.stats.MethodsVisited++

	var candidates []*probe.Descriptor
	byAnnotation := make(map[*probe.Descriptor]bool)
	for i, d := range u.ins.probes {
		if !u.unitMatch[i] {
			continue
		}
		// LINE probes select lines, not members.
		if d.Location.Kind == probe.Line {
			candidates = append(candidates, d)
			continue
		}
		if !pattern.TypeMatches(d.Type, m.Desc) {
			continue
		}
		p := pattern.Parse(d.MethodPattern())
		switch {
		case p.Type == pattern.Annotation:
			byAnnotation[d] = false
			candidates = append(candidates, d)
		case u.ins.matcher.MatchName(p, m.Name):
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return next, nil
	}
	mw, err := newMethodWeaver(u, next, m, candidates, byAnnotation)
	if err != nil {
		return nil, err
	}
	return mw, nil
}

// called records that d's action is invoked from this unit.
func (u *unitWeaver) called(d *probe.Descriptor) {
	u.stats.inject(d.Location.Kind)
	key := d.TargetName + d.TargetDescriptor
	if u.callKeys[key] {
		return
	}
	u.callKeys[key] = true
	u.calls = append(u.calls, d)
}

// VisitEnd merges the called actions and the timestamp helper, then
// completes the unit.
func (u *unitWeaver) VisitEnd() error {
	if len(u.calls) > 0 {
		if err := u.merge(); err != nil {
			return err
		}
	}
	if u.usesTimestamp && !u.timestampExisting {
		if err := u.addTimestampHelper(); err != nil {
			return err
		}
	}
	return u.UnitAdapter.VisitEnd()
}
