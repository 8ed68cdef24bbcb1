package instrumentor

import (
	"errors"

	"github.com/kolkov/probeweaver/internal/weave/binding"
	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/pattern"
	"github.com/kolkov/probeweaver/internal/weave/probe"
	"github.com/kolkov/probeweaver/internal/weave/typedesc"
)

// timestamps are the locals holding the entry and exit timestamps of a
// method whose RETURN or ERROR actions take a @Duration.
type timestamps struct {
	start, end int
	on         bool
}

func (t timestamps) enabled() bool { return t.on }

// methodWeaver instruments one method.
//
// Lifecycle:
//
//	VisitAnnotation*     collect probes selected by "@Anno" member patterns
//	VisitTryCatch*       record handler labels for CATCH
//	VisitCode            build one site per applicable probe, enter
//	VisitInstruction*    before phase, original instruction, after phase
//	VisitMaxs            append the ERROR handler, widen maxs
//	VisitEnd
//
// Every injection runs inside inSite, which opens the slot allocator for
// the duration of the site. Original instructions are only forwarded
// while the allocator is frozen. Injected code goes straight to the
// emitter and is never dispatched again.
//
// Thread Safety: NOT thread-safe (one weaver per traversed method).
type methodWeaver struct {
	u    *unitWeaver
	next cu.MethodVisitor
	info cu.MethodInfo

	static bool
	ctor   bool
	sync   bool
	args   []typedesc.Type
	ret    typedesc.Type

	// candidates passed the unit and member checks; byAnnotation holds
	// those whose member pattern is an annotation pattern and which stay
	// pending until a matching method annotation is seen.
	candidates   []*probe.Descriptor
	byAnnotation map[*probe.Descriptor]bool
	sites        []site

	slots     *slotAllocator
	emit      emitter
	nextLabel int

	// entered is set once the entry event fired. selfReady is false in
	// constructors until the super/this constructor call returns.
	entered   bool
	selfReady bool

	allocs   []allocation
	lastNew  bool
	handlers map[int]string

	needsTimestamp bool
	ts             timestamps
	needsHandler   bool
	errorStart     int

	injected int
}

func newMethodWeaver(u *unitWeaver, next cu.MethodVisitor, info cu.MethodInfo,
	candidates []*probe.Descriptor, byAnnotation map[*probe.Descriptor]bool) (*methodWeaver, error) {
	args, err := typedesc.ArgumentTypes(info.Desc)
	if err != nil {
		return nil, err
	}
	ret, err := typedesc.ReturnType(info.Desc)
	if err != nil {
		return nil, err
	}
	w := &methodWeaver{
		u:            u,
		next:         next,
		info:         info,
		static:       info.Access.Has(cu.AccStatic),
		ctor:         info.Name == cu.ConstructorName,
		sync:         info.Access.Has(cu.AccSynchronized),
		args:         args,
		ret:          ret,
		candidates:   candidates,
		byAnnotation: byAnnotation,
		nextLabel:    info.NextLabel,
		handlers:     make(map[int]string),
	}
	w.selfReady = !w.ctor
	w.emit.next = next

	firstFree := typedesc.ArgumentsSize(args)
	if !w.static {
		firstFree++
	}
	if info.MaxLocals > firstFree {
		firstFree = info.MaxLocals
	}
	w.slots = newSlotAllocator(firstFree)
	return w, nil
}

// VisitAnnotation forwards the annotation and selects the probes whose
// "@Anno" member pattern it matches.
func (w *methodWeaver) VisitAnnotation(a cu.Annotation) error {
	for d, selected := range w.byAnnotation {
		if !selected && w.u.ins.matcher.MatchAnnotation(pattern.Parse(d.MethodPattern()), a.Desc) {
			w.byAnnotation[d] = true
		}
	}
	return w.next.VisitAnnotation(a)
}

// VisitParameterAnnotation forwards the event.
func (w *methodWeaver) VisitParameterAnnotation(param int, a cu.Annotation) error {
	return w.next.VisitParameterAnnotation(param, a)
}

// VisitTryCatch forwards the block and records its handler.
func (w *methodWeaver) VisitTryCatch(tc cu.TryCatch) error {
	if prev, ok := w.handlers[tc.Handler]; ok && prev != tc.Type {
		w.handlers[tc.Handler] = ""
	} else {
		w.handlers[tc.Handler] = tc.Type
	}
	return w.next.VisitTryCatch(tc)
}

// VisitCode builds the sites and, outside constructors, enters the method.
func (w *methodWeaver) VisitCode() error {
	if err := w.next.VisitCode(); err != nil {
		return err
	}
	for _, d := range w.candidates {
		if selected, ok := w.byAnnotation[d]; ok && !selected {
			continue
		}
		if s := newSite(d); s != nil {
			w.sites = append(w.sites, s)
		}
	}
	w.plan()
	if w.ctor {
		return nil
	}
	return w.fail(w.enter())
}

// plan decides up front whether the method needs entry timestamps and the
// catch-all handler, used by ERROR and by SYNC_EXIT of synchronized
// methods. Both depend only on the method, so the bindings are
// checked as they will be after entry.
func (w *methodWeaver) plan() {
	ready := w.selfReady
	w.selfReady = true
	defer func() { w.selfReady = ready }()

	for _, s := range w.sites {
		d := s.descriptor()
		switch s := s.(type) {
		case *returnSite:
			if d.Location.Where == probe.Before && d.Roles.Duration != probe.NoRole && s.result(w).Valid() {
				w.needsTimestamp = true
			}
		case *errorSite:
			if s.result(w).Valid() {
				w.needsHandler = true
				if d.Roles.Duration != probe.NoRole {
					w.needsTimestamp = true
				}
			}
		case *syncSite:
			if w.sync && !s.entering() && s.result(w).Valid() {
				w.needsHandler = true
			}
		}
	}
}

// enter fires the entry event: the start timestamp, ENTRY actions and
// SYNC_ENTRY of synchronized methods, then the start of the range covered
// by the ERROR handler.
func (w *methodWeaver) enter() error {
	w.entered = true
	w.selfReady = true
	if w.needsTimestamp {
		err := w.inSite(0, func() error {
			start, err := w.slots.newLocal(typedesc.Long)
			if err != nil {
				return err
			}
			end, err := w.slots.newLocal(typedesc.Long)
			if err != nil {
				return err
			}
			w.ts = timestamps{start: start, end: end, on: true}
			return w.timestamp(start)
		})
		if err != nil {
			return err
		}
	}
	if err := w.dispatch(event{kind: evEntry}); err != nil {
		return err
	}
	if w.needsHandler {
		w.errorStart = w.newLabel()
		return w.next.VisitInstruction(cu.Label(w.errorStart))
	}
	return nil
}

// timestamp stores the current time into slot.
func (w *methodWeaver) timestamp(slot int) error {
	w.u.usesTimestamp = true
	if err := w.emit.emit(cu.MethodInsn(cu.INVOKESTATIC, w.u.name, probe.TimestampHelper, probe.TimestampHelperDesc)); err != nil {
		return err
	}
	return w.emit.store(typedesc.Long, slot)
}

// VisitInstruction dispatches the before phase, forwards the instruction,
// then dispatches the after phase.
func (w *methodWeaver) VisitInstruction(in cu.Instruction) error {
	if err := w.dispatch(event{kind: evInsn, phase: phaseBefore, in: in}); err != nil {
		return w.fail(err)
	}
	if !w.slots.frozen() {
		return w.fail(ErrSiteOpen)
	}
	if err := w.next.VisitInstruction(in); err != nil {
		return w.fail(err)
	}
	alloc, superCall := w.track(in)
	if superCall {
		if err := w.enter(); err != nil {
			return w.fail(err)
		}
	}
	return w.fail(w.dispatch(event{kind: evInsn, phase: phaseAfter, in: in, alloc: alloc}))
}

// track follows pending allocations. It returns the allocation a
// constructor call completes, and reports the super/this constructor call
// of a constructor.
func (w *methodWeaver) track(in cu.Instruction) (*allocation, bool) {
	lastNew := w.lastNew
	if !in.Op.IsPseudo() {
		w.lastNew = false
	}
	switch {
	case in.Op == cu.NEW:
		w.allocs = append(w.allocs, allocation{typ: in.Type})
		w.lastNew = true
	case in.Op == cu.DUP && lastNew:
		w.allocs[len(w.allocs)-1].dupped = true
	case in.Op == cu.INVOKESPECIAL && in.Name == cu.ConstructorName:
		if n := len(w.allocs); n > 0 {
			a := w.allocs[n-1]
			w.allocs = w.allocs[:n-1]
			return &a, false
		}
		return nil, w.ctor && !w.entered
	}
	return nil, false
}

// dispatch delivers ev to every site in probe order. Before a return the
// exit timestamp is taken first.
func (w *methodWeaver) dispatch(ev event) error {
	if ev.kind == evInsn && ev.phase == phaseBefore && ev.in.Op.IsReturn() && w.ts.enabled() {
		if err := w.inSite(0, func() error { return w.timestamp(w.ts.end) }); err != nil {
			return err
		}
	}
	for _, s := range w.sites {
		if err := s.fire(w, ev); err != nil {
			return err
		}
	}
	return nil
}

// VisitMaxs appends the ERROR handler when one is needed and widens the
// method's stack and locals by what injected code uses.
func (w *methodWeaver) VisitMaxs(maxStack, maxLocals int) error {
	if w.entered && w.needsHandler {
		if err := w.fail(w.errorHandler()); err != nil {
			return err
		}
	}
	return w.next.VisitMaxs(maxStack+w.emit.peak, w.slots.maxLocals(maxLocals))
}

// errorHandler emits a catch-all handler over the whole method body that
// runs the ERROR and SYNC_EXIT actions and rethrows. It is registered after the
// method's own handlers so they keep precedence.
func (w *methodWeaver) errorHandler() error {
	end, handler := w.newLabel(), w.newLabel()
	if err := w.next.VisitInstruction(cu.Label(end)); err != nil {
		return err
	}
	if err := w.next.VisitInstruction(cu.Label(handler)); err != nil {
		return err
	}
	if w.ts.enabled() {
		if err := w.inSite(1, func() error { return w.timestamp(w.ts.end) }); err != nil {
			return err
		}
	}
	if err := w.dispatch(event{kind: evError, base: 1}); err != nil {
		return err
	}
	if err := w.next.VisitInstruction(cu.Insn(cu.ATHROW)); err != nil {
		return err
	}
	return w.next.VisitTryCatch(cu.TryCatch{Start: w.errorStart, End: end, Handler: handler})
}

// VisitEnd completes the method.
func (w *methodWeaver) VisitEnd() error {
	if w.injected > 0 {
		w.u.stats.MethodsInstrumented++
	}
	return w.next.VisitEnd()
}

// inSite runs fn as one injection site starting at stack depth base.
func (w *methodWeaver) inSite(base int, fn func() error) error {
	if err := w.slots.thaw(); err != nil {
		return err
	}
	defer w.slots.freeze()
	w.emit.reset(base)
	return fn()
}

// bind aligns d with a site of this method. @Self binds only once the
// receiver is initialized.
func (w *methodWeaver) bind(d *probe.Descriptor, s binding.Site, throwable bool) binding.Result {
	s.Static = s.Static || w.static || !w.selfReady
	s.SelfType = w.u.selfType()
	s.Assignable = w.u.assignable(throwable)
	return binding.Validate(d, s)
}

// captureIf copies the top-of-stack value of type t into a new local when
// cond holds. It returns nil otherwise.
func (w *methodWeaver) captureIf(cond bool, t typedesc.Type) (value, error) {
	if !cond {
		return nil, nil
	}
	slot, err := w.emit.capture(w.slots, t)
	if err != nil {
		return nil, err
	}
	return local{t: t, slot: slot}, nil
}

// argValues returns the method arguments as locals.
func (w *methodWeaver) argValues() []value {
	vals := make([]value, len(w.args))
	slot := 0
	if !w.static {
		slot = 1
	}
	for i, t := range w.args {
		vals[i] = local{t: t, slot: slot}
		slot += t.Size()
	}
	return vals
}

// postValue returns the return type, or the zero type for void methods.
func (w *methodWeaver) postValue() typedesc.Type {
	if w.ret == typedesc.Void {
		return typedesc.Type{}
	}
	return w.ret
}

func (w *methodWeaver) newLabel() int {
	l := w.nextLabel
	w.nextLabel++
	return l
}

// fail attributes err to this method.
func (w *methodWeaver) fail(err error) error {
	if err == nil {
		return nil
	}
	var ee *EmissionError
	if errors.As(err, &ee) {
		return err
	}
	return &EmissionError{
		Unit:       w.u.dotted,
		Method:     w.info.Name + w.info.Desc,
		Err:        err,
		Suggestion: suggestionFor(err),
	}
}
