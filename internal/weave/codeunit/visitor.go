package codeunit

import "fmt"

// UnitVisitor receives the events of one unit traversal.
//
// Event order is fixed: VisitHeader, VisitOuterClass (if any),
// VisitAnnotation*, VisitInnerClass*, VisitField*, VisitMethod*, VisitEnd.
// Returning an error from any callback stops the traversal and Accept
// returns that error.
type UnitVisitor interface {
	VisitHeader(h Header) error
	VisitOuterClass(o OuterClass) error
	VisitAnnotation(a Annotation) error
	VisitInnerClass(ic InnerClass) error
	VisitField(f Field) error
	// VisitMethod returns the visitor for the method body. A nil visitor
	// with a nil error drops the method's events.
	VisitMethod(m MethodInfo) (MethodVisitor, error)
	VisitEnd() error
}

// MethodVisitor receives the events of one method.
//
// Event order is fixed: VisitAnnotation*, VisitParameterAnnotation*,
// VisitTryCatch*, then for methods with code VisitCode followed by
// VisitInstruction* in code order and VisitMaxs, and finally VisitEnd.
// VisitTryCatch may also be called after the instructions by
// transformations that append handlers.
type MethodVisitor interface {
	VisitAnnotation(a Annotation) error
	VisitParameterAnnotation(param int, a Annotation) error
	VisitTryCatch(tc TryCatch) error
	VisitCode() error
	VisitInstruction(in Instruction) error
	VisitMaxs(maxStack, maxLocals int) error
	VisitEnd() error
}

// Accept walks u and delivers its events to v.
func Accept(u *Unit, v UnitVisitor) error {
	err := v.VisitHeader(Header{
		Format:     u.Format,
		Access:     u.Access,
		Name:       u.Name,
		Super:      u.Super,
		Interfaces: u.Interfaces,
		Source:     u.Source,
	})
	if err != nil {
		return err
	}
	if u.OuterClass != nil {
		if err := v.VisitOuterClass(*u.OuterClass); err != nil {
			return err
		}
	}
	for _, a := range u.Annotations {
		if err := v.VisitAnnotation(a); err != nil {
			return err
		}
	}
	for _, ic := range u.InnerClasses {
		if err := v.VisitInnerClass(ic); err != nil {
			return err
		}
	}
	for _, f := range u.Fields {
		if err := v.VisitField(f); err != nil {
			return err
		}
	}
	for i := range u.Methods {
		m := &u.Methods[i]
		mv, err := v.VisitMethod(m.Info())
		if err != nil {
			return err
		}
		if mv == nil {
			continue
		}
		if err := AcceptMethod(m, mv); err != nil {
			return fmt.Errorf("%s.%s%s: %w", u.Name, m.Name, m.Desc, err)
		}
	}
	return v.VisitEnd()
}

// AcceptMethod delivers the body events of m to mv.
func AcceptMethod(m *Method, mv MethodVisitor) error {
	for _, a := range m.Annotations {
		if err := mv.VisitAnnotation(a); err != nil {
			return err
		}
	}
	for i, anns := range m.ParameterAnnotations {
		for _, a := range anns {
			if err := mv.VisitParameterAnnotation(i, a); err != nil {
				return err
			}
		}
	}
	for _, tc := range m.TryCatch {
		if err := mv.VisitTryCatch(tc); err != nil {
			return err
		}
	}
	if len(m.Code) > 0 {
		if err := mv.VisitCode(); err != nil {
			return err
		}
		for _, in := range m.Code {
			if err := mv.VisitInstruction(in); err != nil {
				return err
			}
		}
		if err := mv.VisitMaxs(m.MaxStack, m.MaxLocals); err != nil {
			return err
		}
	}
	return mv.VisitEnd()
}

// UnitAdapter forwards every event to Next. Embed it to override only the
// events a transformation cares about. A nil Next swallows events.
type UnitAdapter struct {
	Next UnitVisitor
}

// VisitHeader forwards the event.
func (a *UnitAdapter) VisitHeader(h Header) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitHeader(h)
}

// VisitOuterClass forwards the event.
func (a *UnitAdapter) VisitOuterClass(o OuterClass) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitOuterClass(o)
}

// VisitAnnotation forwards the event.
func (a *UnitAdapter) VisitAnnotation(ann Annotation) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitAnnotation(ann)
}

// VisitInnerClass forwards the event.
func (a *UnitAdapter) VisitInnerClass(ic InnerClass) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitInnerClass(ic)
}

// VisitField forwards the event.
func (a *UnitAdapter) VisitField(f Field) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitField(f)
}

// VisitMethod forwards the event.
func (a *UnitAdapter) VisitMethod(m MethodInfo) (MethodVisitor, error) {
	if a.Next == nil {
		return nil, nil
	}
	return a.Next.VisitMethod(m)
}

// VisitEnd forwards the event.
func (a *UnitAdapter) VisitEnd() error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitEnd()
}

// MethodAdapter forwards every event to Next. A nil Next swallows events.
type MethodAdapter struct {
	Next MethodVisitor
}

// VisitAnnotation forwards the event.
func (a *MethodAdapter) VisitAnnotation(ann Annotation) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitAnnotation(ann)
}

// VisitParameterAnnotation forwards the event.
func (a *MethodAdapter) VisitParameterAnnotation(param int, ann Annotation) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitParameterAnnotation(param, ann)
}

// VisitTryCatch forwards the event.
func (a *MethodAdapter) VisitTryCatch(tc TryCatch) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitTryCatch(tc)
}

// VisitCode forwards the event.
func (a *MethodAdapter) VisitCode() error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitCode()
}

// VisitInstruction forwards the event.
func (a *MethodAdapter) VisitInstruction(in Instruction) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitInstruction(in)
}

// VisitMaxs forwards the event.
func (a *MethodAdapter) VisitMaxs(maxStack, maxLocals int) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitMaxs(maxStack, maxLocals)
}

// VisitEnd forwards the event.
func (a *MethodAdapter) VisitEnd() error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitEnd()
}
