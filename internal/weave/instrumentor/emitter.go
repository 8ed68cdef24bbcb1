package instrumentor

import (
	"fmt"

	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/typedesc"
)

// emitter appends injected instructions to the method being written and
// tracks how far injected code raises the operand stack above the depth of
// the original code at the site.
//
// Every site starts at a relative depth of zero (one for an exception
// handler, which starts with the exception on the stack). The method's
// new max stack is the original one plus the highest relative depth seen.
type emitter struct {
	next  cu.MethodVisitor
	depth int
	peak  int
}

// reset starts a new site at the given relative depth.
func (e *emitter) reset(base int) {
	e.depth = base
	if base > e.peak {
		e.peak = base
	}
}

// emit appends one instruction.
func (e *emitter) emit(in cu.Instruction) error {
	delta, err := stackEffect(in)
	if err != nil {
		return err
	}
	e.depth += delta
	if e.depth > e.peak {
		e.peak = e.depth
	}
	return e.next.VisitInstruction(in)
}

// emitAll appends instructions in order.
func (e *emitter) emitAll(ins ...cu.Instruction) error {
	for _, in := range ins {
		if err := e.emit(in); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) load(t typedesc.Type, slot int) error {
	return e.emit(cu.VarInsn(loadOp(t), slot))
}

func (e *emitter) store(t typedesc.Type, slot int) error {
	return e.emit(cu.VarInsn(storeOp(t), slot))
}

// dup duplicates a top-of-stack value of type t.
func (e *emitter) dup(t typedesc.Type) error {
	if t.Size() == 2 {
		return e.emit(cu.Insn(cu.DUP2))
	}
	return e.emit(cu.Insn(cu.DUP))
}

// capture copies the top-of-stack value of type t into a new local.
func (e *emitter) capture(slots *slotAllocator, t typedesc.Type) (int, error) {
	if err := e.dup(t); err != nil {
		return -1, err
	}
	slot, err := slots.newLocal(t)
	if err != nil {
		return -1, err
	}
	return slot, e.store(t, slot)
}

// pushDefault pushes the zero value of t.
func (e *emitter) pushDefault(t typedesc.Type) error {
	switch t.Sort() {
	case typedesc.SortLong:
		return e.emit(cu.Insn(cu.LCONST_0))
	case typedesc.SortFloat:
		return e.emit(cu.Insn(cu.FCONST_0))
	case typedesc.SortDouble:
		return e.emit(cu.Insn(cu.DCONST_0))
	case typedesc.SortArray, typedesc.SortObject:
		return e.emit(cu.Insn(cu.ACONST_NULL))
	}
	return e.emit(cu.Insn(cu.ICONST_0))
}

// box converts a primitive on top of the stack to its wrapper object.
func (e *emitter) box(t typedesc.Type) error {
	b, ok := typedesc.BoxOf(t)
	if !ok {
		return nil
	}
	return e.emit(cu.MethodInsn(cu.INVOKESTATIC, b.Owner, "valueOf", b.Desc))
}

func loadOp(t typedesc.Type) cu.Opcode {
	switch t.Sort() {
	case typedesc.SortLong:
		return cu.LLOAD
	case typedesc.SortFloat:
		return cu.FLOAD
	case typedesc.SortDouble:
		return cu.DLOAD
	case typedesc.SortArray, typedesc.SortObject:
		return cu.ALOAD
	}
	return cu.ILOAD
}

func storeOp(t typedesc.Type) cu.Opcode {
	return loadOp(t) + (cu.ISTORE - cu.ILOAD)
}

// arrayTypes returns the array and element types an array load or store
// instruction operates on.
func arrayTypes(op cu.Opcode) (arr, elem typedesc.Type) {
	switch op {
	case cu.IALOAD, cu.IASTORE:
		elem = typedesc.Int
	case cu.LALOAD, cu.LASTORE:
		elem = typedesc.Long
	case cu.FALOAD, cu.FASTORE:
		elem = typedesc.Float
	case cu.DALOAD, cu.DASTORE:
		elem = typedesc.Double
	case cu.BALOAD, cu.BASTORE:
		elem = typedesc.Byte
	case cu.CALOAD, cu.CASTORE:
		elem = typedesc.Char
	case cu.SALOAD, cu.SASTORE:
		elem = typedesc.Short
	default:
		elem = typedesc.Object
	}
	return typedesc.ArrayOf(elem), elem
}

// stackEffect returns the change in operand stack depth caused by in.
// Only instructions the engine emits itself are supported.
func stackEffect(in cu.Instruction) (int, error) {
	switch op := in.Op; op {
	case cu.LABEL, cu.LINE, cu.NOP, cu.SWAP, cu.CHECKCAST, cu.ANEWARRAY, cu.NEWARRAY, cu.GOTO:
		return 0, nil
	case cu.ACONST_NULL, cu.ICONST_M1, cu.ICONST_0, cu.ICONST_1, cu.ICONST_2, cu.ICONST_3,
		cu.ICONST_4, cu.ICONST_5, cu.FCONST_0, cu.FCONST_1, cu.FCONST_2, cu.BIPUSH, cu.SIPUSH,
		cu.ILOAD, cu.FLOAD, cu.ALOAD, cu.DUP, cu.DUP_X1, cu.DUP_X2:
		return 1, nil
	case cu.LCONST_0, cu.LCONST_1, cu.DCONST_0, cu.DCONST_1, cu.LLOAD, cu.DLOAD,
		cu.DUP2, cu.DUP2_X1, cu.DUP2_X2:
		return 2, nil
	case cu.LDC:
		if in.Const == nil {
			return 0, fmt.Errorf("%w: ldc without constant", cu.ErrInconsistentCode)
		}
		return in.Const.Size(), nil
	case cu.ISTORE, cu.FSTORE, cu.ASTORE, cu.POP, cu.ATHROW, cu.IRETURN, cu.FRETURN, cu.ARETURN:
		return -1, nil
	case cu.LSTORE, cu.DSTORE, cu.POP2, cu.LSUB, cu.LRETURN, cu.DRETURN:
		return -2, nil
	case cu.RETURN:
		return 0, nil
	case cu.IASTORE, cu.FASTORE, cu.AASTORE, cu.BASTORE, cu.CASTORE, cu.SASTORE:
		return -3, nil
	case cu.LASTORE, cu.DASTORE:
		return -4, nil
	case cu.INVOKESTATIC, cu.INVOKEVIRTUAL, cu.INVOKESPECIAL, cu.INVOKEINTERFACE:
		args, err := typedesc.ArgumentTypes(in.Desc)
		if err != nil {
			return 0, err
		}
		ret, err := typedesc.ReturnType(in.Desc)
		if err != nil {
			return 0, err
		}
		delta := ret.Size() - typedesc.ArgumentsSize(args)
		if op != cu.INVOKESTATIC {
			delta--
		}
		return delta, nil
	}
	return 0, fmt.Errorf("%w: %s is not emitted by injected code", cu.ErrInconsistentCode, in.Op)
}
