package instrumentor

import (
	"github.com/kolkov/probeweaver/internal/weave/binding"
	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/probe"
	"github.com/kolkov/probeweaver/internal/weave/typedesc"
)

// value is a context value that can be pushed as an action argument.
type value interface {
	typ() typedesc.Type
	load(e *emitter) error
}

// local is a value held in a local slot.
type local struct {
	t    typedesc.Type
	slot int
}

func (v local) typ() typedesc.Type { return v.t }
func (v local) load(e *emitter) error { return e.load(v.t, v.slot) }

// constString is a string constant such as a class or member name.
type constString string

func (constString) typ() typedesc.Type { return typedesc.String }
func (v constString) load(e *emitter) error { return e.emit(cu.LdcString(string(v))) }

// constInt is an int constant such as a line number.
type constInt int

func (constInt) typ() typedesc.Type { return typedesc.Int }
func (v constInt) load(e *emitter) error { return e.emit(cu.PushInt(int(v))) }

// classConst is the class object of a unit, the monitor of a static
// synchronized method.
type classConst string

func (classConst) typ() typedesc.Type { return typedesc.Class }
func (v classConst) load(e *emitter) error {
	return e.emit(cu.LdcType(typedesc.ObjectType(string(v)).Descriptor()))
}

// duration is end - start of two timestamp locals.
type duration struct {
	start, end int
}

func (duration) typ() typedesc.Type { return typedesc.Long }
func (v duration) load(e *emitter) error {
	return e.emitAll(
		cu.VarInsn(cu.LLOAD, v.end),
		cu.VarInsn(cu.LLOAD, v.start),
		cu.Insn(cu.LSUB),
	)
}

// snapshot is the whole context packed into an Object[] for a wildcard
// parameter. Primitives are boxed; values the site did not capture are
// passed as null.
type snapshot []value

func (snapshot) typ() typedesc.Type { return typedesc.ObjectArray }
func (v snapshot) load(e *emitter) error {
	if err := e.emitAll(
		cu.PushInt(len(v)),
		cu.TypeInsn(cu.ANEWARRAY, "java/lang/Object"),
	); err != nil {
		return err
	}
	for i, elem := range v {
		if err := e.emitAll(cu.Insn(cu.DUP), cu.PushInt(i)); err != nil {
			return err
		}
		if elem == nil {
			if err := e.emit(cu.Insn(cu.ACONST_NULL)); err != nil {
				return err
			}
		} else {
			if err := elem.load(e); err != nil {
				return err
			}
			if err := e.box(elem.typ()); err != nil {
				return err
			}
		}
		if err := e.emit(cu.Insn(cu.AASTORE)); err != nil {
			return err
		}
	}
	return nil
}

// siteValues is what a site offers an action beyond its positional values.
// Nil fields are not available at the site.
type siteValues struct {
	available []value
	ret       value
	target    value
	member    string
}

// invoke pushes the bound arguments of d in declaration order and emits
// the call to its merged action. It must run inside a site.
func (w *methodWeaver) invoke(d *probe.Descriptor, vr binding.Result, ctx siteValues) error {
	params, err := typedesc.ArgumentTypes(d.TargetDescriptor)
	if err != nil {
		return err
	}
	vals := make([]value, len(params))

	if vr.IsAny() {
		vals[vr.WildcardParam()] = snapshot(ctx.available)
	} else {
		for i := 0; i < vr.Count() && i < len(ctx.available); i++ {
			if p := vr.Param(i); p != probe.NoRole {
				vals[p] = ctx.available[i]
			}
		}
	}

	set := func(i int, v value) {
		if i != probe.NoRole && i < len(vals) && v != nil {
			vals[i] = v
		}
	}
	r := d.Roles
	if r.Self != probe.NoRole && !w.static {
		set(r.Self, local{t: w.u.selfType(), slot: 0})
	}
	set(r.Return, ctx.ret)
	set(r.TargetInstance, ctx.target)
	if ctx.member != "" {
		set(r.TargetMember, constString(ctx.member))
	}
	if r.Duration != probe.NoRole && w.ts.enabled() {
		set(r.Duration, duration{start: w.ts.start, end: w.ts.end})
	}
	set(r.ProbeClassName, constString(w.u.dotted))
	set(r.ProbeMethodName, constString(w.probeMethodName(d.ProbeMethodFQN)))

	for i, p := range params {
		v := vals[i]
		if v == nil {
			if err := w.emit.pushDefault(p); err != nil {
				return err
			}
			continue
		}
		if err := v.load(&w.emit); err != nil {
			return err
		}
		if binding.NeedsBoxing(p, v.typ()) {
			if err := w.emit.box(v.typ()); err != nil {
				return err
			}
		}
	}

	if err := w.emit.emit(cu.MethodInsn(cu.INVOKESTATIC, w.u.name,
		probe.ActionName(w.u.ins.probeName, d.TargetName),
		typedesc.ReplaceAnyType(d.TargetDescriptor))); err != nil {
		return err
	}
	w.u.called(d)
	w.injected++
	return nil
}

// probeMethodName is the value of @ProbeMethodName.
func (w *methodWeaver) probeMethodName(fqn bool) string {
	if fqn {
		return w.u.dotted + "." + w.info.Name + w.info.Desc
	}
	return w.info.Name
}

// memberName is the value of @TargetMethodOrField for a member of owner.
func memberName(fqn bool, owner, name, desc string) string {
	if fqn {
		return typedesc.ToDotted(owner) + "." + name + desc
	}
	return name
}

// uses reports whether available value i reaches the action.
func uses(vr binding.Result, i int) bool {
	return vr.IsAny() || vr.Param(i) != probe.NoRole
}
