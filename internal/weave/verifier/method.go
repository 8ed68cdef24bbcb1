package verifier

import (
	"fmt"
	"strings"

	"github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/probe"
)

// methodVerifier checks one method and collects its probe declaration.
type methodVerifier struct {
	v      *verifier
	info   codeunit.MethodInfo
	isCtor bool

	isAction  bool
	onMethod  *probe.Descriptor
	onProbe   *probe.Alias
	roles     probe.Roles
	fqnMember bool
	fqnProbe  bool

	labels map[int]bool
}

func (mv *methodVerifier) key() string {
	return mv.info.Name + mv.info.Desc
}

func (mv *methodVerifier) fail(rule Rule, detail string) error {
	return mv.v.fail(rule, mv.info.Name, detail)
}

func (mv *methodVerifier) VisitAnnotation(a codeunit.Annotation) error {
	if !strings.HasPrefix(a.Desc, probe.AnnotationPrefix) {
		return nil
	}
	mv.isAction = true
	switch a.Desc {
	case probe.OnMethodDesc:
		d, err := parseOnMethod(a)
		if err != nil {
			// Malformed locations cannot be woven, unsafe or not.
			return newError(RuleBadLocation, mv.v.dotted, mv.info.Name, err.Error())
		}
		mv.onMethod = d
	case probe.OnProbeDesc:
		ns, name := a.StringValue("namespace", ""), a.StringValue("name", "")
		if ns == "" || name == "" {
			return newError(RuleBadAlias, mv.v.dotted, mv.info.Name, "")
		}
		mv.onProbe = &probe.Alias{Namespace: ns, Name: name}
	}
	return nil
}

func (mv *methodVerifier) VisitParameterAnnotation(param int, a codeunit.Annotation) error {
	if !strings.HasPrefix(a.Desc, probe.AnnotationPrefix) {
		return nil
	}
	mv.isAction = true

	var loc *probe.Location
	if mv.onMethod != nil {
		loc = &mv.onMethod.Location
	}
	switch a.Desc {
	case probe.SelfDesc:
		mv.roles.Self = param
	case probe.ReturnDesc:
		mv.roles.Return = param
		if loc != nil && !loc.HasPostValue() {
			return mv.fail(RuleReturnRole, loc.String())
		}
	case probe.TargetInstanceDesc:
		mv.roles.TargetInstance = param
		if loc != nil && !loc.HasTarget() {
			return mv.fail(RuleTargetRole, loc.String())
		}
	case probe.TargetMethodOrFieldDesc:
		mv.roles.TargetMember = param
		mv.fqnMember = a.BoolValue("fqn", false)
		if loc != nil && !loc.HasTarget() {
			return mv.fail(RuleTargetRole, loc.String())
		}
	case probe.DurationDesc:
		mv.roles.Duration = param
		if loc != nil && !loc.HasDuration() {
			return mv.fail(RuleDurationRole, loc.String())
		}
	case probe.ProbeClassNameDesc:
		mv.roles.ProbeClassName = param
	case probe.ProbeMethodNameDesc:
		mv.roles.ProbeMethodName = param
		mv.fqnProbe = a.BoolValue("fqn", false)
	}
	return nil
}

func (mv *methodVerifier) VisitTryCatch(codeunit.TryCatch) error { return nil }

func (mv *methodVerifier) VisitCode() error { return nil }

func (mv *methodVerifier) VisitInstruction(in codeunit.Instruction) error {
	if mv.isCtor {
		return nil
	}
	v := mv.v
	switch {
	case in.Op == codeunit.LABEL:
		mv.labels[in.Label] = true
	case in.Op.IsJump():
		if mv.labels[in.Label] {
			return mv.fail(RuleLoop, "")
		}
	case in.Op.IsSwitch():
		for _, l := range append([]int{in.Default}, in.Labels...) {
			if mv.labels[l] {
				return mv.fail(RuleLoop, "")
			}
		}
	case in.Op == codeunit.MONITORENTER || in.Op == codeunit.MONITOREXIT:
		return mv.fail(RuleMonitor, "")
	case in.Op == codeunit.ATHROW:
		return mv.fail(RuleThrow, "")
	case in.Op == codeunit.PUTFIELD || in.Op == codeunit.PUTSTATIC:
		if in.Owner != v.name {
			return mv.fail(RuleForeignFieldWrite, fmt.Sprintf("%s.%s", in.Owner, in.Name))
		}
	case in.Op.IsInvoke():
		if in.Owner == v.name {
			if in.Op == codeunit.INVOKESTATIC {
				v.graph.addEdge(mv.key(), in.Name+in.Desc)
			}
			return nil
		}
		if !v.allowedCall(in.Owner) {
			return mv.fail(RuleForeignCall, fmt.Sprintf("%s.%s%s", in.Owner, in.Name, in.Desc))
		}
	}
	return nil
}

func (mv *methodVerifier) VisitMaxs(int, int) error { return nil }

func (mv *methodVerifier) VisitEnd() error {
	if !mv.isAction {
		return nil
	}
	if !mv.info.Access.Has(codeunit.AccPublic) {
		if err := mv.fail(RuleActionNotPublic, ""); err != nil {
			return err
		}
	}
	if !strings.HasSuffix(mv.info.Desc, ")V") {
		if err := mv.fail(RuleActionNotVoid, ""); err != nil {
			return err
		}
	}
	mv.v.graph.addStart(mv.key())

	if d := mv.onMethod; d != nil {
		d.Roles = mv.roles
		d.TargetName = mv.info.Name
		d.TargetDescriptor = mv.info.Desc
		d.TargetMemberFQN = mv.fqnMember
		d.ProbeMethodFQN = mv.fqnProbe
		mv.v.probes = append(mv.v.probes, d)
	}
	if a := mv.onProbe; a != nil {
		a.Roles = mv.roles
		a.TargetName = mv.info.Name
		a.TargetDescriptor = mv.info.Desc
		a.TargetMemberFQN = mv.fqnMember
		a.ProbeMethodFQN = mv.fqnProbe
		mv.v.aliases = append(mv.v.aliases, *a)
	}
	return nil
}

// parseOnMethod reads an @OnMethod annotation.
func parseOnMethod(a codeunit.Annotation) (*probe.Descriptor, error) {
	d := &probe.Descriptor{
		Clazz:    a.StringValue("clazz", ""),
		Method:   a.StringValue("method", ""),
		Type:     a.StringValue("type", ""),
		Location: probe.DefaultLocation(),
		Roles:    probe.NoRoles(),
	}
	if loc := a.NestedValue("location"); loc != nil {
		if loc.Desc != probe.LocationDesc {
			return nil, fmt.Errorf("location must be @Location, got %s", loc.Desc)
		}
		l, err := parseLocation(loc)
		if err != nil {
			return nil, err
		}
		d.Location = l
	}
	return d, nil
}

// parseLocation reads a @Location annotation.
func parseLocation(a *codeunit.Annotation) (probe.Location, error) {
	l := probe.DefaultLocation()
	if k := a.EnumValue("value"); k != "" {
		kind, err := probe.ParseKind(k)
		if err != nil {
			return l, err
		}
		l.Kind = kind
	}
	if w := a.EnumValue("where"); w != "" {
		where, err := probe.ParseWhere(w)
		if err != nil {
			return l, err
		}
		l.Where = where
	}
	l.Clazz = a.StringValue("clazz", "")
	l.Method = a.StringValue("method", "")
	l.Type = a.StringValue("type", "")
	l.Field = a.StringValue("field", "")
	l.Line = int(a.IntValue("line", probe.AnyLine))
	return l, nil
}
