package codeunit

// Instruction constructors. They keep hand-written code sequences, in the
// engine and in tests, readable.

// Insn returns a zero-operand instruction.
func Insn(op Opcode) Instruction { return Instruction{Op: op} }

// VarInsn returns a load or store of a local slot.
func VarInsn(op Opcode, slot int) Instruction { return Instruction{Op: op, Var: slot} }

// IntInsn returns bipush, sipush, or newarray with its operand.
func IntInsn(op Opcode, operand int) Instruction { return Instruction{Op: op, Int: operand} }

// IincInsn increments a local int slot.
func IincInsn(slot, delta int) Instruction { return Instruction{Op: IINC, Var: slot, Int: delta} }

// TypeInsn returns new, anewarray, checkcast, or instanceof.
func TypeInsn(op Opcode, typ string) Instruction { return Instruction{Op: op, Type: typ} }

// MultiANewArrayInsn allocates a multi-dimensional array.
func MultiANewArrayInsn(desc string, dims int) Instruction {
	return Instruction{Op: MULTIANEWARRAY, Type: desc, Int: dims}
}

// FieldInsn returns a field access.
func FieldInsn(op Opcode, owner, name, desc string) Instruction {
	return Instruction{Op: op, Owner: owner, Name: name, Desc: desc}
}

// MethodInsn returns a method invocation.
func MethodInsn(op Opcode, owner, name, desc string) Instruction {
	return Instruction{Op: op, Owner: owner, Name: name, Desc: desc}
}

// JumpInsn returns a branch to label.
func JumpInsn(op Opcode, label int) Instruction { return Instruction{Op: op, Label: label} }

// Label places label id at the current position.
func Label(id int) Instruction { return Instruction{Op: LABEL, Label: id} }

// LineNumber associates line with the position of label.
func LineNumber(line, label int) Instruction { return Instruction{Op: LINE, Line: line, Label: label} }

// LdcString pushes a string constant.
func LdcString(s string) Instruction {
	return Instruction{Op: LDC, Const: &Constant{Kind: ConstString, String: s}}
}

// LdcType pushes the class object of a type descriptor.
func LdcType(desc string) Instruction {
	return Instruction{Op: LDC, Const: &Constant{Kind: ConstType, String: desc}}
}

// PushInt pushes an int constant with the shortest instruction.
func PushInt(v int) Instruction {
	switch {
	case v >= -1 && v <= 5:
		return Insn(ICONST_0 + Opcode(v))
	case v >= -128 && v <= 127:
		return IntInsn(BIPUSH, v)
	case v >= -32768 && v <= 32767:
		return IntInsn(SIPUSH, v)
	}
	return Instruction{Op: LDC, Const: &Constant{Kind: ConstInt, Int: int64(v)}}
}

// Annotation element constructors.

// StringElem returns a string element.
func StringElem(name, s string) Element { return Element{Name: name, Value: Value{String: &s}} }

// IntElem returns an integer element.
func IntElem(name string, v int64) Element { return Element{Name: name, Value: Value{Int: &v}} }

// BoolElem returns a boolean element.
func BoolElem(name string, v bool) Element { return Element{Name: name, Value: Value{Bool: &v}} }

// EnumElem returns an enum element.
func EnumElem(name, enumDesc, constant string) Element {
	return Element{Name: name, Value: Value{Enum: &EnumValue{Desc: enumDesc, Name: constant}}}
}

// AnnotationElem returns a nested annotation element.
func AnnotationElem(name string, a Annotation) Element {
	return Element{Name: name, Value: Value{Annotation: &a}}
}
