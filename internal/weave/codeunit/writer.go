package codeunit

import (
	"errors"
	"fmt"
)

// ErrInconsistentCode is returned when emitted code refers to labels that
// were never placed, or uses unknown opcodes.
var ErrInconsistentCode = errors.New("inconsistent instruction sequence")

// Writer is the emission end of a visitor chain: it rebuilds a Unit from
// the events it receives. Each method is checked for consistency when its
// VisitEnd arrives.
type Writer struct {
	unit    Unit
	started bool
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Unit returns the unit built so far.
func (w *Writer) Unit() *Unit {
	return &w.unit
}

// VisitHeader records the unit declaration.
func (w *Writer) VisitHeader(h Header) error {
	if w.started {
		return fmt.Errorf("%w: second unit header %s", ErrInconsistentCode, h.Name)
	}
	w.started = true
	w.unit.Format = h.Format
	w.unit.Access = h.Access
	w.unit.Name = h.Name
	w.unit.Super = h.Super
	w.unit.Interfaces = append([]string(nil), h.Interfaces...)
	w.unit.Source = h.Source
	return nil
}

// VisitOuterClass records the enclosing unit.
func (w *Writer) VisitOuterClass(o OuterClass) error {
	w.unit.OuterClass = &o
	return nil
}

// VisitAnnotation records a unit annotation.
func (w *Writer) VisitAnnotation(a Annotation) error {
	w.unit.Annotations = append(w.unit.Annotations, a)
	return nil
}

// VisitInnerClass records a nested-unit entry.
func (w *Writer) VisitInnerClass(ic InnerClass) error {
	w.unit.InnerClasses = append(w.unit.InnerClasses, ic)
	return nil
}

// VisitField records a field.
func (w *Writer) VisitField(f Field) error {
	w.unit.Fields = append(w.unit.Fields, f)
	return nil
}

// VisitMethod starts a new method.
func (w *Writer) VisitMethod(m MethodInfo) (MethodVisitor, error) {
	return &methodWriter{
		w: w,
		m: Method{
			Access:     m.Access,
			Name:       m.Name,
			Desc:       m.Desc,
			Exceptions: append([]string(nil), m.Exceptions...),
			MaxStack:   m.MaxStack,
			MaxLocals:  m.MaxLocals,
		},
		placed: make(map[int]bool),
	}, nil
}

// VisitEnd completes the unit.
func (w *Writer) VisitEnd() error {
	if !w.started {
		return fmt.Errorf("%w: unit without header", ErrInconsistentCode)
	}
	return nil
}

type methodWriter struct {
	w      *Writer
	m      Method
	placed map[int]bool
}

func (mw *methodWriter) VisitAnnotation(a Annotation) error {
	mw.m.Annotations = append(mw.m.Annotations, a)
	return nil
}

func (mw *methodWriter) VisitParameterAnnotation(param int, a Annotation) error {
	if param < 0 {
		return fmt.Errorf("%w: negative parameter index %d", ErrInconsistentCode, param)
	}
	for len(mw.m.ParameterAnnotations) <= param {
		mw.m.ParameterAnnotations = append(mw.m.ParameterAnnotations, nil)
	}
	mw.m.ParameterAnnotations[param] = append(mw.m.ParameterAnnotations[param], a)
	return nil
}

func (mw *methodWriter) VisitTryCatch(tc TryCatch) error {
	mw.m.TryCatch = append(mw.m.TryCatch, tc)
	return nil
}

func (mw *methodWriter) VisitCode() error {
	return nil
}

func (mw *methodWriter) VisitInstruction(in Instruction) error {
	if !in.Op.Valid() {
		return fmt.Errorf("%w: unknown opcode %d", ErrInconsistentCode, int(in.Op))
	}
	if in.Op == LABEL {
		if mw.placed[in.Label] {
			return fmt.Errorf("%w: label %d placed twice", ErrInconsistentCode, in.Label)
		}
		mw.placed[in.Label] = true
	}
	mw.m.Code = append(mw.m.Code, in)
	return nil
}

func (mw *methodWriter) VisitMaxs(maxStack, maxLocals int) error {
	mw.m.MaxStack = maxStack
	mw.m.MaxLocals = maxLocals
	return nil
}

func (mw *methodWriter) VisitEnd() error {
	if err := mw.check(); err != nil {
		return fmt.Errorf("%s%s: %w", mw.m.Name, mw.m.Desc, err)
	}
	mw.w.unit.Methods = append(mw.w.unit.Methods, mw.m)
	return nil
}

// check verifies that every referenced label was placed.
func (mw *methodWriter) check() error {
	ref := func(label int, what string) error {
		if !mw.placed[label] {
			return fmt.Errorf("%w: %s refers to missing label %d", ErrInconsistentCode, what, label)
		}
		return nil
	}
	for _, in := range mw.m.Code {
		switch {
		case in.Op.IsJump() || in.Op == LINE:
			if err := ref(in.Label, in.Op.String()); err != nil {
				return err
			}
		case in.Op.IsSwitch():
			if err := ref(in.Default, in.Op.String()); err != nil {
				return err
			}
			for _, l := range in.Labels {
				if err := ref(l, in.Op.String()); err != nil {
					return err
				}
			}
		}
	}
	for _, tc := range mw.m.TryCatch {
		for _, l := range []int{tc.Start, tc.End, tc.Handler} {
			if err := ref(l, "try/catch block"); err != nil {
				return err
			}
		}
	}
	return nil
}
