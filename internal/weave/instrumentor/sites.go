package instrumentor

import (
	"strings"

	"github.com/kolkov/probeweaver/internal/weave/binding"
	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/pattern"
	"github.com/kolkov/probeweaver/internal/weave/probe"
	"github.com/kolkov/probeweaver/internal/weave/typedesc"
)

// phase is the position of an event relative to its instruction.
type phase int

const (
	phaseBefore phase = iota
	phaseAfter
)

// eventKind distinguishes the events a method weaver dispatches.
type eventKind int

const (
	// evEntry fires once per method: before the first instruction, or
	// right after the super/this constructor call in constructors.
	evEntry eventKind = iota

	// evInsn fires before and after every original instruction.
	evInsn

	// evError fires in the synthesized handler that sees every exception
	// leaving the method. The exception is on the stack.
	evError
)

// event is one dispatch of the method weaver.
type event struct {
	kind  eventKind
	phase phase
	in    cu.Instruction

	// alloc is set on the after phase of the constructor call that
	// completes a NEW.
	alloc *allocation

	// base is the stack depth above the original code when the event
	// fires: 1 in the error handler, 0 elsewhere.
	base int
}

// allocation is a NEW whose constructor has not run yet.
type allocation struct {
	typ    string // internal name
	dupped bool   // NEW was directly followed by DUP
}

// site is the injection behaviour of one probe inside one method. There is
// one variant per Kind; each keeps only the state it needs between the
// before and after phases of an instruction.
type site interface {
	descriptor() *probe.Descriptor
	fire(w *methodWeaver, ev event) error
}

type base struct {
	d *probe.Descriptor
}

func (b base) descriptor() *probe.Descriptor { return b.d }
func (b base) where() probe.Where { return b.d.Location.Where }
func (b base) roles() probe.Roles { return b.d.Roles }

// newSite returns the variant for the probe's Kind.
func newSite(d *probe.Descriptor) site {
	b := base{d: d}
	switch d.Location.Kind {
	case probe.Entry:
		return &entrySite{base: b}
	case probe.Return:
		return &returnSite{base: b}
	case probe.Throw:
		return &throwSite{base: b}
	case probe.Catch:
		return &catchSite{base: b}
	case probe.Call:
		return &callSite{base: b}
	case probe.FieldGet:
		return &fieldGetSite{base: b}
	case probe.FieldSet:
		return &fieldSetSite{base: b}
	case probe.ArrayGet:
		return &arrayGetSite{base: b}
	case probe.ArraySet:
		return &arraySetSite{base: b}
	case probe.New:
		return &newObjectSite{base: b}
	case probe.NewArray:
		return &newArraySite{base: b}
	case probe.Checkcast, probe.Instanceof:
		return &typeCheckSite{base: b}
	case probe.Line:
		return &lineSite{base: b}
	case probe.SyncEntry, probe.SyncExit:
		return &syncSite{base: b}
	case probe.Error:
		return &errorSite{base: b}
	}
	return nil
}

func isBefore(ev event, op cu.Opcode) bool {
	return ev.kind == evInsn && ev.phase == phaseBefore && ev.in.Op == op
}

func isAfter(ev event, op cu.Opcode) bool {
	return ev.kind == evInsn && ev.phase == phaseAfter && ev.in.Op == op
}

// internalType returns the type named by the operand of NEW, ANEWARRAY,
// CHECKCAST and INSTANCEOF, which is an internal name or, for arrays, a
// descriptor.
func internalType(name string) typedesc.Type {
	if strings.HasPrefix(name, "[") {
		if t, err := typedesc.Parse(name); err == nil {
			return t
		}
	}
	return typedesc.ObjectType(name)
}

// entrySite calls the action when the method is entered.
type entrySite struct{ base }

func (s *entrySite) fire(w *methodWeaver, ev event) error {
	if ev.kind != evEntry {
		return nil
	}
	params, err := typedesc.ArgumentTypes(s.d.TargetDescriptor)
	if err != nil {
		return err
	}
	if len(params) == 0 {
		return w.inSite(ev.base, func() error {
			return w.invoke(s.d, binding.Invalid, siteValues{})
		})
	}
	vr := w.bind(s.d, binding.Site{Available: w.args}, false)
	if !vr.Valid() {
		return nil
	}
	return w.inSite(ev.base, func() error {
		return w.invoke(s.d, vr, siteValues{available: w.argValues()})
	})
}

// returnSite calls the action before every return instruction. The
// return value is the post-value; the elapsed time since entry is the
// duration.
type returnSite struct{ base }

func (s *returnSite) result(w *methodWeaver) binding.Result {
	return w.bind(s.d, binding.Site{Available: w.args, ReturnType: w.postValue()}, false)
}

func (s *returnSite) fire(w *methodWeaver, ev event) error {
	if ev.kind != evInsn || ev.phase != phaseBefore || !ev.in.Op.IsReturn() || s.where() != probe.Before {
		return nil
	}
	vr := s.result(w)
	if !vr.Valid() {
		return nil
	}
	return w.inSite(ev.base, func() error {
		vals := siteValues{available: w.argValues()}
		if s.roles().Return != probe.NoRole && ev.in.Op != cu.RETURN {
			slot, err := w.emit.capture(w.slots, w.ret)
			if err != nil {
				return err
			}
			vals.ret = local{t: w.ret, slot: slot}
		}
		return w.invoke(s.d, vr, vals)
	})
}

// throwSite calls the action before an athrow.
type throwSite struct{ base }

func (s *throwSite) fire(w *methodWeaver, ev event) error {
	if !isBefore(ev, cu.ATHROW) {
		return nil
	}
	vr := w.bind(s.d, binding.Site{Available: []typedesc.Type{typedesc.Throwable}}, true)
	if !vr.Valid() {
		return nil
	}
	return w.inSite(ev.base, func() error {
		var vals siteValues
		v, err := w.captureIf(uses(vr, 0), typedesc.Throwable)
		if err != nil {
			return err
		}
		vals.available = []value{v}
		return w.invoke(s.d, vr, vals)
	})
}

// catchSite calls the action at the start of an exception handler.
type catchSite struct{ base }

func (s *catchSite) fire(w *methodWeaver, ev event) error {
	if !isAfter(ev, cu.LABEL) {
		return nil
	}
	caught, ok := w.handlers[ev.in.Label]
	if !ok {
		return nil
	}
	t := typedesc.Throwable
	if caught != "" {
		t = typedesc.ObjectType(caught)
	}
	vr := w.bind(s.d, binding.Site{Available: []typedesc.Type{t}}, true)
	if !vr.Valid() {
		return nil
	}
	return w.inSite(ev.base, func() error {
		v, err := w.captureIf(uses(vr, 0), t)
		if err != nil {
			return err
		}
		return w.invoke(s.d, vr, siteValues{available: []value{v}})
	})
}

// callSite calls the action around a method invocation. The call
// arguments and receiver are saved before the call for both phases.
type callSite struct {
	base

	vr       binding.Result
	pending  bool
	args     []value
	receiver value
}

func (s *callSite) matches(w *methodWeaver, in cu.Instruction) bool {
	if !in.Op.IsInvoke() || in.Op == cu.INVOKEDYNAMIC {
		return false
	}
	loc := s.d.Location
	return w.u.matchOwner(loc.Clazz, in.Owner) &&
		w.u.ins.matcher.Match(loc.Method, in.Name) &&
		pattern.TypeMatches(loc.Type, in.Desc)
}

func (s *callSite) fire(w *methodWeaver, ev event) error {
	if ev.kind != evInsn {
		return nil
	}
	if ev.phase == phaseBefore {
		return s.before(w, ev)
	}
	if !s.pending {
		return nil
	}
	s.pending = false
	if s.where() != probe.After {
		return nil
	}
	ret, err := typedesc.ReturnType(ev.in.Desc)
	if err != nil {
		return err
	}
	return w.inSite(ev.base, func() error {
		vals := s.values(ev.in)
		if s.roles().Return != probe.NoRole && ret != typedesc.Void {
			slot, err := w.emit.capture(w.slots, ret)
			if err != nil {
				return err
			}
			vals.ret = local{t: ret, slot: slot}
		}
		return w.invoke(s.d, s.vr, vals)
	})
}

func (s *callSite) before(w *methodWeaver, ev event) error {
	in := ev.in
	if !s.matches(w, in) {
		return nil
	}
	static := in.Op == cu.INVOKESTATIC
	if static && s.roles().TargetInstance != probe.NoRole {
		return nil
	}
	// The receiver of a constructor call is not initialized yet.
	if !static && in.Name == cu.ConstructorName && s.where() == probe.Before {
		return nil
	}
	args, err := typedesc.ArgumentTypes(in.Desc)
	if err != nil {
		return err
	}
	site := binding.Site{Available: args}
	if s.where() == probe.After {
		if site.ReturnType, err = typedesc.ReturnType(in.Desc); err != nil {
			return err
		}
	}
	vr := w.bind(s.d, site, false)
	if !vr.Valid() {
		return nil
	}
	s.vr = vr
	s.pending = true
	return w.inSite(ev.base, func() error {
		s.args = make([]value, len(args))
		for i := len(args) - 1; i >= 0; i-- {
			slot, err := w.slots.newLocal(args[i])
			if err != nil {
				return err
			}
			if err := w.emit.store(args[i], slot); err != nil {
				return err
			}
			s.args[i] = local{t: args[i], slot: slot}
		}
		s.receiver = nil
		if !static {
			slot, err := w.emit.capture(w.slots, typedesc.Object)
			if err != nil {
				return err
			}
			s.receiver = local{t: typedesc.Object, slot: slot}
		}
		if s.where() == probe.Before {
			if err := w.invoke(s.d, vr, s.values(in)); err != nil {
				return err
			}
		}
		for _, a := range s.args {
			if err := a.load(&w.emit); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *callSite) values(in cu.Instruction) siteValues {
	return siteValues{
		available: s.args,
		target:    s.receiver,
		member:    memberName(s.d.TargetMemberFQN, in.Owner, in.Name, in.Desc),
	}
}

// fieldGetSite calls the action around a field read.
type fieldGetSite struct {
	base

	vr       binding.Result
	pending  bool
	receiver value
}

func (s *fieldGetSite) fire(w *methodWeaver, ev event) error {
	if ev.kind != evInsn || (ev.in.Op != cu.GETFIELD && ev.in.Op != cu.GETSTATIC) {
		return nil
	}
	in := ev.in
	if ev.phase == phaseAfter {
		if !s.pending {
			return nil
		}
		s.pending = false
		if s.where() != probe.After {
			return nil
		}
		ft, err := typedesc.Parse(in.Desc)
		if err != nil {
			return err
		}
		return w.inSite(ev.base, func() error {
			vals := siteValues{target: s.receiver, member: fieldName(s.d, in)}
			if s.roles().Return != probe.NoRole {
				slot, err := w.emit.capture(w.slots, ft)
				if err != nil {
					return err
				}
				vals.ret = local{t: ft, slot: slot}
			}
			return w.invoke(s.d, s.vr, vals)
		})
	}

	if !w.u.matchField(s.d.Location, in) {
		return nil
	}
	static := in.Op == cu.GETSTATIC
	if static && s.roles().TargetInstance != probe.NoRole {
		return nil
	}
	site := binding.Site{}
	if s.where() == probe.After {
		ft, err := typedesc.Parse(in.Desc)
		if err != nil {
			return err
		}
		site.ReturnType = ft
	}
	vr := w.bind(s.d, site, false)
	if !vr.Valid() {
		return nil
	}
	s.vr = vr
	s.pending = true
	return w.inSite(ev.base, func() error {
		var err error
		s.receiver, err = w.captureIf(!static && s.roles().TargetInstance != probe.NoRole, typedesc.Object)
		if err != nil {
			return err
		}
		if s.where() == probe.Before {
			return w.invoke(s.d, vr, siteValues{target: s.receiver, member: fieldName(s.d, in)})
		}
		return nil
	})
}

// fieldSetSite calls the action around a field write. The value being
// written is the only positional value.
type fieldSetSite struct {
	base

	vr       binding.Result
	pending  bool
	val      value
	receiver value
}

func (s *fieldSetSite) fire(w *methodWeaver, ev event) error {
	if ev.kind != evInsn || (ev.in.Op != cu.PUTFIELD && ev.in.Op != cu.PUTSTATIC) {
		return nil
	}
	in := ev.in
	if ev.phase == phaseAfter {
		if !s.pending {
			return nil
		}
		s.pending = false
		if s.where() != probe.After {
			return nil
		}
		return w.inSite(ev.base, func() error {
			return w.invoke(s.d, s.vr, s.values(in))
		})
	}

	if !w.u.matchField(s.d.Location, in) {
		return nil
	}
	static := in.Op == cu.PUTSTATIC
	wantTarget := s.roles().TargetInstance != probe.NoRole
	if static && wantTarget {
		return nil
	}
	ft, err := typedesc.Parse(in.Desc)
	if err != nil {
		return err
	}
	vr := w.bind(s.d, binding.Site{Available: []typedesc.Type{ft}}, false)
	if !vr.Valid() {
		return nil
	}
	s.vr = vr
	s.pending = true
	return w.inSite(ev.base, func() error {
		s.val, s.receiver = nil, nil
		if uses(vr, 0) || (!static && wantTarget) {
			slot, err := w.slots.newLocal(ft)
			if err != nil {
				return err
			}
			if err := w.emit.store(ft, slot); err != nil {
				return err
			}
			s.val = local{t: ft, slot: slot}
			if !static && wantTarget {
				if s.receiver, err = w.captureIf(true, typedesc.Object); err != nil {
					return err
				}
			}
			if err := s.val.load(&w.emit); err != nil {
				return err
			}
		}
		if s.where() == probe.Before {
			return w.invoke(s.d, vr, s.values(in))
		}
		return nil
	})
}

func (s *fieldSetSite) values(in cu.Instruction) siteValues {
	return siteValues{
		available: []value{s.val},
		target:    s.receiver,
		member:    fieldName(s.d, in),
	}
}

func fieldName(d *probe.Descriptor, in cu.Instruction) string {
	if d.TargetMemberFQN {
		return typedesc.ToDotted(in.Owner) + "." + in.Name
	}
	return in.Name
}

// arrayGetSite calls the action around an array element load. The array
// and the index are the positional values.
type arrayGetSite struct {
	base

	vr      binding.Result
	pending bool
	arr     value
	idx     value
}

func (s *arrayGetSite) fire(w *methodWeaver, ev event) error {
	if ev.kind != evInsn || !ev.in.Op.IsArrayLoad() {
		return nil
	}
	arrType, elem := arrayTypes(ev.in.Op)
	if ev.phase == phaseAfter {
		if !s.pending {
			return nil
		}
		s.pending = false
		if s.where() != probe.After {
			return nil
		}
		return w.inSite(ev.base, func() error {
			vals := siteValues{available: []value{s.arr, s.idx}}
			if s.roles().Return != probe.NoRole {
				slot, err := w.emit.capture(w.slots, elem)
				if err != nil {
					return err
				}
				vals.ret = local{t: elem, slot: slot}
			}
			return w.invoke(s.d, s.vr, vals)
		})
	}

	site := binding.Site{Available: []typedesc.Type{arrType, typedesc.Int}}
	if s.where() == probe.After {
		site.ReturnType = elem
	}
	vr := w.bind(s.d, site, false)
	if !vr.Valid() {
		return nil
	}
	s.vr = vr
	s.pending = true
	return w.inSite(ev.base, func() error {
		s.arr, s.idx = nil, nil
		if uses(vr, 0) || uses(vr, 1) {
			if err := w.emit.emit(cu.Insn(cu.DUP2)); err != nil {
				return err
			}
			idx, err := w.slots.newLocal(typedesc.Int)
			if err != nil {
				return err
			}
			if err := w.emit.store(typedesc.Int, idx); err != nil {
				return err
			}
			arr, err := w.slots.newLocal(arrType)
			if err != nil {
				return err
			}
			if err := w.emit.store(arrType, arr); err != nil {
				return err
			}
			s.arr = local{t: arrType, slot: arr}
			s.idx = local{t: typedesc.Int, slot: idx}
		}
		if s.where() == probe.Before {
			return w.invoke(s.d, vr, siteValues{available: []value{s.arr, s.idx}})
		}
		return nil
	})
}

// arraySetSite calls the action around an array element store. The array,
// the index and the stored value are the positional values.
type arraySetSite struct {
	base

	vr      binding.Result
	pending bool
	vals    []value
}

func (s *arraySetSite) fire(w *methodWeaver, ev event) error {
	if ev.kind != evInsn || !ev.in.Op.IsArrayStore() {
		return nil
	}
	if ev.phase == phaseAfter {
		if !s.pending {
			return nil
		}
		s.pending = false
		if s.where() != probe.After {
			return nil
		}
		return w.inSite(ev.base, func() error {
			return w.invoke(s.d, s.vr, siteValues{available: s.vals})
		})
	}

	arrType, elem := arrayTypes(ev.in.Op)
	vr := w.bind(s.d, binding.Site{Available: []typedesc.Type{arrType, typedesc.Int, elem}}, false)
	if !vr.Valid() {
		return nil
	}
	s.vr = vr
	s.pending = true
	return w.inSite(ev.base, func() error {
		s.vals = make([]value, 3)
		if uses(vr, 0) || uses(vr, 1) || uses(vr, 2) {
			val, err := w.slots.newLocal(elem)
			if err != nil {
				return err
			}
			if err := w.emit.store(elem, val); err != nil {
				return err
			}
			if err := w.emit.emit(cu.Insn(cu.DUP2)); err != nil {
				return err
			}
			idx, err := w.slots.newLocal(typedesc.Int)
			if err != nil {
				return err
			}
			if err := w.emit.store(typedesc.Int, idx); err != nil {
				return err
			}
			arr, err := w.slots.newLocal(arrType)
			if err != nil {
				return err
			}
			if err := w.emit.store(arrType, arr); err != nil {
				return err
			}
			if err := w.emit.load(elem, val); err != nil {
				return err
			}
			s.vals = []value{local{t: arrType, slot: arr}, local{t: typedesc.Int, slot: idx}, local{t: elem, slot: val}}
		}
		if s.where() == probe.Before {
			return w.invoke(s.d, vr, siteValues{available: s.vals})
		}
		return nil
	})
}

// newObjectSite calls the action before a NEW or after the constructor
// call completing it. The dotted class name is the positional value.
type newObjectSite struct{ base }

func (s *newObjectSite) fire(w *methodWeaver, ev event) error {
	var typ string
	switch {
	case s.where() == probe.Before && isBefore(ev, cu.NEW):
		typ = ev.in.Type
	case s.where() == probe.After && ev.kind == evInsn && ev.phase == phaseAfter && ev.alloc != nil:
		typ = ev.alloc.typ
	default:
		return nil
	}
	name := typedesc.ToDotted(typ)
	if !w.u.ins.matcher.Match(s.d.Location.Clazz, name) {
		return nil
	}
	site := binding.Site{Available: []typedesc.Type{typedesc.String}}
	if ev.alloc != nil && ev.alloc.dupped {
		site.ReturnType = typedesc.ObjectType(typ)
	}
	vr := w.bind(s.d, site, false)
	if !vr.Valid() {
		return nil
	}
	return w.inSite(ev.base, func() error {
		vals := siteValues{available: []value{constString(name)}}
		if s.roles().Return != probe.NoRole && !site.ReturnType.IsZero() {
			slot, err := w.emit.capture(w.slots, site.ReturnType)
			if err != nil {
				return err
			}
			vals.ret = local{t: site.ReturnType, slot: slot}
		}
		return w.invoke(s.d, vr, vals)
	})
}

// newArraySite calls the action around an array allocation. The element
// class name and the number of allocated dimensions are the positional
// values.
type newArraySite struct{ base }

// allocatedArray returns the array type an allocation produces and the
// type of its elements after dims dimensions.
func allocatedArray(in cu.Instruction) (arr, elem typedesc.Type, dims int, ok bool) {
	switch in.Op {
	case cu.NEWARRAY:
		elem, ok = typedesc.FromPrimitiveArrayCode(in.Int)
		if !ok {
			return
		}
		return typedesc.ArrayOf(elem), elem, 1, true
	case cu.ANEWARRAY:
		elem = internalType(in.Type)
		return typedesc.ArrayOf(elem), elem, 1, true
	case cu.MULTIANEWARRAY:
		t, err := typedesc.Parse(in.Type)
		if err != nil || t.Sort() != typedesc.SortArray || in.Int < 1 || in.Int > t.Dimensions() {
			return
		}
		elem = t
		for i := 0; i < in.Int; i++ {
			elem = elem.ComponentType()
		}
		return t, elem, in.Int, true
	}
	return
}

func (s *newArraySite) fire(w *methodWeaver, ev event) error {
	if ev.kind != evInsn {
		return nil
	}
	if (ev.phase == phaseBefore) != (s.where() == probe.Before) {
		return nil
	}
	arr, elem, dims, ok := allocatedArray(ev.in)
	if !ok {
		return nil
	}
	name := elem.ClassName()
	if !w.u.ins.matcher.Match(s.d.Location.Clazz, name) {
		return nil
	}
	site := binding.Site{Available: []typedesc.Type{typedesc.String, typedesc.Int}}
	if ev.phase == phaseAfter {
		site.ReturnType = arr
	}
	vr := w.bind(s.d, site, false)
	if !vr.Valid() {
		return nil
	}
	return w.inSite(ev.base, func() error {
		vals := siteValues{available: []value{constString(name), constInt(dims)}}
		if ev.phase == phaseAfter && s.roles().Return != probe.NoRole {
			slot, err := w.emit.capture(w.slots, arr)
			if err != nil {
				return err
			}
			vals.ret = local{t: arr, slot: slot}
		}
		return w.invoke(s.d, vr, vals)
	})
}

// typeCheckSite calls the action around a CHECKCAST or INSTANCEOF. The
// checked value is the positional value: typed java.lang.Object before the
// check, and the cast type after a CHECKCAST. INSTANCEOF leaves an int on
// the stack, so its after phase reuses the value saved before.
type typeCheckSite struct {
	base

	vr      binding.Result
	pending bool
	saved   value
}

func (s *typeCheckSite) opcode() cu.Opcode {
	if s.d.Location.Kind == probe.Checkcast {
		return cu.CHECKCAST
	}
	return cu.INSTANCEOF
}

func (s *typeCheckSite) fire(w *methodWeaver, ev event) error {
	if ev.kind != evInsn || ev.in.Op != s.opcode() {
		return nil
	}
	checked := internalType(ev.in.Type)
	if clazz := s.d.Location.Clazz; clazz != "" && !w.u.ins.matcher.Match(clazz, checked.ClassName()) {
		return nil
	}
	if ev.phase == phaseAfter {
		if s.where() != probe.After {
			return nil
		}
		if s.opcode() == cu.INSTANCEOF {
			if !s.pending {
				return nil
			}
			s.pending = false
			return w.inSite(ev.base, func() error {
				return w.invoke(s.d, s.vr, siteValues{available: []value{s.saved}})
			})
		}
		vr := w.bind(s.d, binding.Site{Available: []typedesc.Type{checked}}, false)
		if !vr.Valid() {
			return nil
		}
		return w.inSite(ev.base, func() error {
			v, err := w.captureIf(uses(vr, 0), checked)
			if err != nil {
				return err
			}
			return w.invoke(s.d, vr, siteValues{available: []value{v}})
		})
	}

	if s.where() == probe.After && s.opcode() == cu.CHECKCAST {
		return nil
	}
	vr := w.bind(s.d, binding.Site{Available: []typedesc.Type{typedesc.Object}}, false)
	if !vr.Valid() {
		return nil
	}
	return w.inSite(ev.base, func() error {
		v, err := w.captureIf(uses(vr, 0), typedesc.Object)
		if err != nil {
			return err
		}
		if s.where() == probe.After {
			s.vr, s.saved, s.pending = vr, v, true
			return nil
		}
		return w.invoke(s.d, vr, siteValues{available: []value{v}})
	})
}

// lineSite calls the action at a source line. The line number is the
// positional value.
type lineSite struct{ base }

func (s *lineSite) fire(w *methodWeaver, ev event) error {
	if ev.kind != evInsn || ev.in.Op != cu.LINE {
		return nil
	}
	if (ev.phase == phaseBefore) != (s.where() == probe.Before) {
		return nil
	}
	if line := s.d.Location.Line; line != probe.AnyLine && line != ev.in.Line {
		return nil
	}
	vr := w.bind(s.d, binding.Site{Available: []typedesc.Type{typedesc.Int}}, false)
	if !vr.Valid() {
		return nil
	}
	return w.inSite(ev.base, func() error {
		return w.invoke(s.d, vr, siteValues{available: []value{constInt(ev.in.Line)}})
	})
}

// syncSite calls the action around MONITORENTER or MONITOREXIT, and at
// entry or exit of synchronized methods. A synchronized method exits
// before each return and in the catch-all handler. The monitor is the
// positional value.
type syncSite struct {
	base

	vr      binding.Result
	pending bool
	saved   value
}

func (s *syncSite) entering() bool {
	return s.d.Location.Kind == probe.SyncEntry
}

func (s *syncSite) monitorOp() cu.Opcode {
	if s.entering() {
		return cu.MONITORENTER
	}
	return cu.MONITOREXIT
}

func (s *syncSite) fire(w *methodWeaver, ev event) error {
	if w.sync {
		switch {
		case s.entering() && ev.kind == evEntry:
			return s.method(w, ev)
		case !s.entering() && ev.kind == evInsn && ev.phase == phaseBefore && ev.in.Op.IsReturn():
			return s.method(w, ev)
		case !s.entering() && ev.kind == evError:
			return s.method(w, ev)
		}
	}
	if ev.kind != evInsn || ev.in.Op != s.monitorOp() {
		return nil
	}
	if ev.phase == phaseAfter {
		if !s.pending {
			return nil
		}
		s.pending = false
		return w.inSite(ev.base, func() error {
			return w.invoke(s.d, s.vr, siteValues{available: []value{s.saved}})
		})
	}
	vr := w.bind(s.d, binding.Site{Available: []typedesc.Type{typedesc.Object}}, false)
	if !vr.Valid() {
		return nil
	}
	return w.inSite(ev.base, func() error {
		v, err := w.captureIf(uses(vr, 0), typedesc.Object)
		if err != nil {
			return err
		}
		if s.where() == probe.After {
			s.vr, s.saved, s.pending = vr, v, true
			return nil
		}
		return w.invoke(s.d, vr, siteValues{available: []value{v}})
	})
}

func (s *syncSite) result(w *methodWeaver) binding.Result {
	return w.bind(s.d, binding.Site{Available: []typedesc.Type{typedesc.Object}}, false)
}

// method fires for the implicit monitor of a synchronized method: the
// receiver, or the class object of the unit for static methods.
func (s *syncSite) method(w *methodWeaver, ev event) error {
	vr := s.result(w)
	if !vr.Valid() {
		return nil
	}
	var monitor value = local{t: w.u.selfType(), slot: 0}
	if w.static {
		monitor = classConst(w.u.name)
	}
	return w.inSite(ev.base, func() error {
		return w.invoke(s.d, vr, siteValues{available: []value{monitor}})
	})
}

// errorSite calls the action when an exception leaves the method.
type errorSite struct{ base }

func (s *errorSite) result(w *methodWeaver) binding.Result {
	return w.bind(s.d, binding.Site{Available: []typedesc.Type{typedesc.Throwable}}, true)
}

func (s *errorSite) fire(w *methodWeaver, ev event) error {
	if ev.kind != evError {
		return nil
	}
	vr := s.result(w)
	if !vr.Valid() {
		return nil
	}
	return w.inSite(ev.base, func() error {
		v, err := w.captureIf(uses(vr, 0), typedesc.Throwable)
		if err != nil {
			return err
		}
		return w.invoke(s.d, vr, siteValues{available: []value{v}})
	})
}
