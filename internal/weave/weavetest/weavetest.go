// Package weavetest builds probe-definition and target units for tests.
//
// Units are assembled directly from codeunit values, so tests state exactly
// which instructions and annotations they exercise:
//
//	p := weavetest.ProbeUnit("traces/Entry",
//	    weavetest.Action("onRun", "()V",
//	        weavetest.OnMethod("demo.Service", "run", weavetest.At(probe.Entry, probe.Before))))
//	data := weavetest.MustEncode(p)
package weavetest

import (
	"github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/probe"
)

// ProbeUnit returns a valid probe-definition unit with the given methods.
func ProbeUnit(name string, methods ...codeunit.Method) *codeunit.Unit {
	return &codeunit.Unit{
		Format:      codeunit.FormatVersion,
		Access:      codeunit.AccPublic | codeunit.AccSuper,
		Name:        name,
		Super:       "java/lang/Object",
		Annotations: []codeunit.Annotation{{Desc: probe.MarkerDesc}},
		Methods:     methods,
	}
}

// UnsafeProbeUnit is ProbeUnit with @Probe(unsafe=true).
func UnsafeProbeUnit(name string, methods ...codeunit.Method) *codeunit.Unit {
	u := ProbeUnit(name, methods...)
	u.Annotations = []codeunit.Annotation{{
		Desc:     probe.MarkerDesc,
		Elements: []codeunit.Element{codeunit.BoolElem("unsafe", true)},
	}}
	return u
}

// Action returns a public static method with an empty body carrying the
// given method annotations.
func Action(name, desc string, annotations ...codeunit.Annotation) codeunit.Method {
	return codeunit.Method{
		Access:      codeunit.AccPublic | codeunit.AccStatic,
		Name:        name,
		Desc:        desc,
		Annotations: annotations,
		Code:        []codeunit.Instruction{codeunit.Insn(codeunit.RETURN)},
		MaxLocals:   argsSize(desc),
	}
}

// WithParams sets the parameter annotations of m. params[i] annotates
// parameter i; nil entries leave a parameter unannotated.
func WithParams(m codeunit.Method, params ...*codeunit.Annotation) codeunit.Method {
	m.ParameterAnnotations = make([][]codeunit.Annotation, len(params))
	for i, p := range params {
		if p != nil {
			m.ParameterAnnotations[i] = []codeunit.Annotation{*p}
		}
	}
	return m
}

// WithCode replaces the body of m.
func WithCode(m codeunit.Method, maxStack int, code ...codeunit.Instruction) codeunit.Method {
	m.Code = code
	m.MaxStack = maxStack
	return m
}

// Role returns a parameter role annotation such as probe.SelfDesc.
func Role(desc string, elems ...codeunit.Element) *codeunit.Annotation {
	return &codeunit.Annotation{Desc: desc, Elements: elems}
}

// LocationOption refines a @Location annotation.
type LocationOption func(*codeunit.Annotation)

// At places the probe.
func At(kind probe.Kind, where probe.Where, opts ...LocationOption) LocationOption {
	return func(a *codeunit.Annotation) {
		a.Elements = append(a.Elements,
			codeunit.EnumElem("value", probe.KindDesc, kind.String()),
			codeunit.EnumElem("where", probe.WhereDesc, where.String()))
		for _, opt := range opts {
			opt(a)
		}
	}
}

// Target narrows the location to a class and member (CALL, FIELD_*, NEW,
// NEWARRAY, CHECKCAST, INSTANCEOF).
func Target(clazz, member string) LocationOption {
	return func(a *codeunit.Annotation) {
		a.Elements = append(a.Elements, codeunit.StringElem("clazz", clazz))
		if member != "" {
			a.Elements = append(a.Elements,
				codeunit.StringElem("method", member),
				codeunit.StringElem("field", member))
		}
	}
}

// OnLine selects a line for LINE locations.
func OnLine(line int) LocationOption {
	return func(a *codeunit.Annotation) {
		a.Elements = append(a.Elements, codeunit.IntElem("line", int64(line)))
	}
}

// OnMethod returns an @OnMethod annotation. Without a location option the
// probe fires at method entry.
func OnMethod(clazz, method string, loc ...LocationOption) codeunit.Annotation {
	a := codeunit.Annotation{Desc: probe.OnMethodDesc}
	a.Elements = append(a.Elements, codeunit.StringElem("clazz", clazz))
	if method != "" {
		a.Elements = append(a.Elements, codeunit.StringElem("method", method))
	}
	if len(loc) > 0 {
		l := codeunit.Annotation{Desc: probe.LocationDesc}
		for _, opt := range loc {
			opt(&l)
		}
		a.Elements = append(a.Elements, codeunit.AnnotationElem("location", l))
	}
	return a
}

// OnMethodTyped is OnMethod with a member type declaration.
func OnMethodTyped(clazz, method, typ string, loc ...LocationOption) codeunit.Annotation {
	a := OnMethod(clazz, method, loc...)
	a.Elements = append(a.Elements, codeunit.StringElem("type", typ))
	return a
}

// OnProbe returns an @OnProbe annotation.
func OnProbe(namespace, name string) codeunit.Annotation {
	return codeunit.Annotation{
		Desc: probe.OnProbeDesc,
		Elements: []codeunit.Element{
			codeunit.StringElem("namespace", namespace),
			codeunit.StringElem("name", name),
		},
	}
}

// TargetUnit returns a public unit extending java.lang.Object.
func TargetUnit(name string, methods ...codeunit.Method) *codeunit.Unit {
	return &codeunit.Unit{
		Format:  codeunit.FormatVersion,
		Access:  codeunit.AccPublic | codeunit.AccSuper,
		Name:    name,
		Super:   "java/lang/Object",
		Methods: methods,
	}
}

// Method returns a public method with the given code.
func Method(access codeunit.Access, name, desc string, maxStack, maxLocals int, code ...codeunit.Instruction) codeunit.Method {
	return codeunit.Method{
		Access:    access,
		Name:      name,
		Desc:      desc,
		Code:      code,
		MaxStack:  maxStack,
		MaxLocals: maxLocals,
	}
}

// MustEncode encodes u or panics.
func MustEncode(u *codeunit.Unit) []byte {
	data, err := codeunit.Encode(u)
	if err != nil {
		panic(err)
	}
	return data
}

// Ops returns the opcodes of a method's code without pseudo instructions.
func Ops(m *codeunit.Method) []codeunit.Opcode {
	var ops []codeunit.Opcode
	for _, in := range m.Code {
		if !in.Op.IsPseudo() {
			ops = append(ops, in.Op)
		}
	}
	return ops
}

func argsSize(desc string) int {
	n := 0
	for i := 1; i < len(desc) && desc[i] != ')'; i++ {
		switch desc[i] {
		case 'J', 'D':
			n += 2
		case 'L':
			for desc[i] != ';' {
				i++
			}
			n++
		case '[':
			for desc[i] == '[' {
				i++
			}
			if desc[i] == 'L' {
				for desc[i] != ';' {
					i++
				}
			}
			n++
		default:
			n++
		}
	}
	return n
}
