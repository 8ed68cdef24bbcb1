package instrumentor

import (
	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/probe"
	"github.com/kolkov/probeweaver/internal/weave/typedesc"
)

// IsAction reports whether m is a probe action: a method carrying
// @OnMethod or @OnProbe.
func IsAction(m *cu.Method) bool {
	for _, a := range m.Annotations {
		if a.Desc == probe.OnMethodDesc || a.Desc == probe.OnProbeDesc {
			return true
		}
	}
	return false
}

// actionRef names an action of the probe-definition unit.
type actionRef struct {
	name, desc string
}

// merge copies every called action into the unit, followed by the actions
// those call. Copies are private static methods named by probe.ActionName
// with the any-type replaced by java.lang.Object. A copy already present
// in the unit, from an earlier pass with the same probe, is kept as is.
//
// Calls between actions are redirected to the merged copies. Other
// references to the probe unit, its helpers and fields, stay on the probe
// unit, which the runtime defines without its actions.
func (u *unitWeaver) merge() error {
	queue := make([]actionRef, 0, len(u.calls))
	for _, d := range u.calls {
		queue = append(queue, actionRef{name: d.TargetName, desc: d.TargetDescriptor})
	}
	seen := make(map[actionRef]bool)
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		if seen[ref] {
			continue
		}
		seen[ref] = true

		src := u.ins.probe.Method(ref.name, ref.desc)
		if src == nil {
			return &EmissionError{
				Unit:       u.dotted,
				Method:     ref.name + ref.desc,
				Err:        ErrMissingAction,
				Suggestion: suggestionFor(ErrMissingAction),
			}
		}
		merged, deps := u.ins.copyAction(src, u.name)
		queue = append(queue, deps...)
		if u.existing[merged.Name+merged.Desc] {
			continue
		}
		if err := u.addMethod(merged); err != nil {
			return err
		}
		u.stats.ActionsMerged++
	}
	return nil
}

// addTimestampHelper adds the accessor that timestamp captures call.
func (u *unitWeaver) addTimestampHelper() error {
	m := &cu.Method{
		Access: cu.AccPrivate | cu.AccStatic,
		Name:   probe.TimestampHelper,
		Desc:   probe.TimestampHelperDesc,
		Code: []cu.Instruction{
			cu.MethodInsn(cu.INVOKESTATIC, "java/lang/System", "nanoTime", "()J"),
			cu.Insn(cu.LRETURN),
		},
		MaxStack: 2,
	}
	if err := u.addMethod(m); err != nil {
		return err
	}
	u.stats.TimestampHelper = true
	return nil
}

// addMethod emits m into the unit being written.
func (u *unitWeaver) addMethod(m *cu.Method) error {
	mv, err := u.UnitAdapter.VisitMethod(m.Info())
	if err == nil && mv != nil {
		err = cu.AcceptMethod(m, mv)
	}
	if err != nil {
		return &EmissionError{Unit: u.dotted, Method: m.Name + m.Desc, Err: err, Suggestion: suggestionFor(err)}
	}
	u.existing[m.Name+m.Desc] = true
	return nil
}

// copyAction returns the merged form of action m for the unit target, and
// the actions it calls.
func (ins *Instrumentor) copyAction(m *cu.Method, target string) (*cu.Method, []actionRef) {
	out := &cu.Method{
		Access:     cu.AccPrivate | cu.AccStatic,
		Name:       probe.ActionName(ins.probeName, m.Name),
		Desc:       typedesc.ReplaceAnyType(m.Desc),
		Exceptions: append([]string(nil), m.Exceptions...),
		MaxStack:   m.MaxStack,
		MaxLocals:  m.MaxLocals,
		Code:       make([]cu.Instruction, 0, len(m.Code)),
	}
	for _, tc := range m.TryCatch {
		tc.Type = replaceAnyInternal(tc.Type)
		out.TryCatch = append(out.TryCatch, tc)
	}

	var deps []actionRef
	for _, in := range m.Code {
		desc := in.Desc
		in.Desc = typedesc.ReplaceAnyType(in.Desc)
		in.Type = replaceAnyInternal(in.Type)
		if in.Const != nil && in.Const.Kind == cu.ConstType {
			c := *in.Const
			c.String = typedesc.ReplaceAnyType(c.String)
			in.Const = &c
		}
		if in.Op == cu.INVOKESTATIC && in.Owner == ins.probeName {
			if callee := ins.probe.Method(in.Name, desc); callee != nil && IsAction(callee) {
				deps = append(deps, actionRef{name: in.Name, desc: desc})
				in.Owner = target
				in.Name = probe.ActionName(ins.probeName, in.Name)
			}
		}
		out.Code = append(out.Code, in)
	}
	return out, deps
}

// replaceAnyInternal replaces the any-type in an internal name or array
// descriptor operand.
func replaceAnyInternal(name string) string {
	if name == typedesc.AnyTypeInternal {
		return "java/lang/Object"
	}
	return typedesc.ReplaceAnyType(name)
}
