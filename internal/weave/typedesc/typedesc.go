// Package typedesc implements the descriptor type system of code units.
//
// Types are represented by their descriptor strings, the same encoding used
// in field and method descriptors of the unit format:
//
//	I                    int
//	J                    long
//	Ljava/lang/String;   java.lang.String
//	[[D                  double[][]
//	(Ljava/lang/String;I)V   method taking (String, int) returning void
//
// The package converts between descriptor, internal ("java/lang/String") and
// dotted ("java.lang.String") spellings, parses method descriptors and the
// human readable declarations used in probe definitions
// ("java.lang.String(java.lang.String,int)"), and knows the one wildcard
// type probe actions may use to accept any value.
//
// Thread Safety: All functions are pure. Type values are immutable.
package typedesc

import (
	"fmt"
	"strings"
)

// Sort classifies a Type.
type Sort int

// Sorts of types, ordered like their load/store opcode families.
const (
	SortVoid Sort = iota
	SortBoolean
	SortChar
	SortByte
	SortShort
	SortInt
	SortFloat
	SortLong
	SortDouble
	SortArray
	SortObject
)

// AnyTypeInternal is the internal name of the wildcard marker type.
//
// A probe action parameter typed AnyType accepts any single context value
// (primitives are boxed); a parameter typed AnyType[] accepts the whole
// ordered context snapshot.
const AnyTypeInternal = "probeweaver/AnyType"

// Type is a value described by a field descriptor.
type Type struct {
	desc string
}

// Predefined types.
var (
	Void      = Type{"V"}
	Boolean   = Type{"Z"}
	Char      = Type{"C"}
	Byte      = Type{"B"}
	Short     = Type{"S"}
	Int       = Type{"I"}
	Float     = Type{"F"}
	Long      = Type{"J"}
	Double    = Type{"D"}
	Object    = Type{"Ljava/lang/Object;"}
	String    = Type{"Ljava/lang/String;"}
	Throwable = Type{"Ljava/lang/Throwable;"}
	Class     = Type{"Ljava/lang/Class;"}

	ObjectArray  = Type{"[Ljava/lang/Object;"}
	AnyType      = Type{"L" + AnyTypeInternal + ";"}
	AnyTypeArray = Type{"[L" + AnyTypeInternal + ";"}
)

var primitiveNames = map[string]Type{
	"void":    Void,
	"boolean": Boolean,
	"char":    Char,
	"byte":    Byte,
	"short":   Short,
	"int":     Int,
	"float":   Float,
	"long":    Long,
	"double":  Double,
}

// Parse parses a single field descriptor (or "V").
func Parse(desc string) (Type, error) {
	n, err := scan(desc, 0)
	if err != nil {
		return Type{}, err
	}
	if n != len(desc) {
		return Type{}, fmt.Errorf("invalid descriptor %q: trailing characters", desc)
	}
	return Type{desc}, nil
}

// MustParse is like Parse but panics on malformed input.
// Intended for package-level constants and tests.
func MustParse(desc string) Type {
	t, err := Parse(desc)
	if err != nil {
		panic(err)
	}
	return t
}

// ObjectType returns the type of the given internal name. Array descriptors
// ("[I") are accepted as internal names, as in type instructions.
func ObjectType(internalName string) Type {
	if strings.HasPrefix(internalName, "[") {
		return Type{internalName}
	}
	return Type{"L" + internalName + ";"}
}

// ArrayOf returns the one-dimensional array type with the given element.
func ArrayOf(elem Type) Type {
	return Type{"[" + elem.desc}
}

// scan returns the end offset of the field descriptor starting at off.
func scan(desc string, off int) (int, error) {
	if off >= len(desc) {
		return 0, fmt.Errorf("invalid descriptor %q: unexpected end", desc)
	}
	switch desc[off] {
	case 'V', 'Z', 'C', 'B', 'S', 'I', 'F', 'J', 'D':
		return off + 1, nil
	case '[':
		return scan(desc, off+1)
	case 'L':
		end := strings.IndexByte(desc[off:], ';')
		if end <= 1 {
			return 0, fmt.Errorf("invalid descriptor %q: unterminated class name", desc)
		}
		return off + end + 1, nil
	default:
		return 0, fmt.Errorf("invalid descriptor %q: unexpected %q", desc, desc[off])
	}
}

// IsZero reports whether t is the zero Type (no type at all).
func (t Type) IsZero() bool { return t.desc == "" }

// Descriptor returns the descriptor string.
func (t Type) Descriptor() string { return t.desc }

// String implements fmt.Stringer using the dotted class name.
func (t Type) String() string { return t.ClassName() }

// Sort returns the sort of t.
func (t Type) Sort() Sort {
	if t.desc == "" {
		return SortVoid
	}
	switch t.desc[0] {
	case 'Z':
		return SortBoolean
	case 'C':
		return SortChar
	case 'B':
		return SortByte
	case 'S':
		return SortShort
	case 'I':
		return SortInt
	case 'F':
		return SortFloat
	case 'J':
		return SortLong
	case 'D':
		return SortDouble
	case '[':
		return SortArray
	case 'L':
		return SortObject
	}
	return SortVoid
}

// Size returns the number of stack words (and local slots) a value of t
// occupies: 0 for void, 2 for long and double, 1 otherwise.
func (t Type) Size() int {
	switch t.Sort() {
	case SortVoid:
		return 0
	case SortLong, SortDouble:
		return 2
	}
	return 1
}

// IsPrimitive reports whether t is a primitive value type (not void).
func (t Type) IsPrimitive() bool {
	s := t.Sort()
	return s != SortVoid && s != SortArray && s != SortObject
}

// IsReference reports whether t is an object or array type.
func (t Type) IsReference() bool {
	s := t.Sort()
	return s == SortArray || s == SortObject
}

// InternalName returns "java/lang/String" for object types and the
// descriptor itself for arrays.
func (t Type) InternalName() string {
	switch t.Sort() {
	case SortObject:
		return t.desc[1 : len(t.desc)-1]
	case SortArray:
		return t.desc
	}
	return ""
}

// Dimensions returns the number of array dimensions (0 for non-arrays).
func (t Type) Dimensions() int {
	n := 0
	for n < len(t.desc) && t.desc[n] == '[' {
		n++
	}
	return n
}

// ElementType returns the innermost element type of an array, or t itself.
func (t Type) ElementType() Type {
	return Type{t.desc[t.Dimensions():]}
}

// ComponentType strips exactly one array dimension.
func (t Type) ComponentType() Type {
	if t.Sort() != SortArray {
		return t
	}
	return Type{t.desc[1:]}
}

// ClassName returns the dotted, source-like name: "int", "java.lang.String",
// "int[][]".
func (t Type) ClassName() string {
	switch t.Sort() {
	case SortObject:
		return ToDotted(t.InternalName())
	case SortArray:
		return t.ElementType().ClassName() + strings.Repeat("[]", t.Dimensions())
	}
	for name, p := range primitiveNames {
		if p.desc == t.desc {
			return name
		}
	}
	return ""
}

// ToDotted converts an internal name to a dotted name.
func ToDotted(internalName string) string {
	return strings.ReplaceAll(internalName, "/", ".")
}

// ToInternal converts a dotted name to an internal name.
func ToInternal(dotted string) string {
	return strings.ReplaceAll(dotted, ".", "/")
}

// FromClassName parses a source-like type name ("int", "java.lang.String",
// "byte[]", "AnyType") into a Type.
func FromClassName(name string) (Type, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Type{}, fmt.Errorf("empty type name")
	}
	dims := 0
	for strings.HasSuffix(name, "[]") {
		dims++
		name = strings.TrimSpace(strings.TrimSuffix(name, "[]"))
	}
	var elem Type
	if p, ok := primitiveNames[name]; ok {
		elem = p
	} else {
		switch name {
		case "AnyType", "anytype", ToDotted(AnyTypeInternal):
			elem = AnyType
		default:
			elem = ObjectType(ToInternal(name))
		}
	}
	if dims > 0 && elem == Void {
		return Type{}, fmt.Errorf("invalid type %q: array of void", name)
	}
	return Type{strings.Repeat("[", dims) + elem.desc}, nil
}

// ArgumentTypes returns the parameter types of a method descriptor.
func ArgumentTypes(methodDesc string) ([]Type, error) {
	if !strings.HasPrefix(methodDesc, "(") {
		return nil, fmt.Errorf("invalid method descriptor %q", methodDesc)
	}
	var args []Type
	off := 1
	for off < len(methodDesc) && methodDesc[off] != ')' {
		end, err := scan(methodDesc, off)
		if err != nil {
			return nil, fmt.Errorf("invalid method descriptor %q: %w", methodDesc, err)
		}
		t := Type{methodDesc[off:end]}
		if t == Void {
			return nil, fmt.Errorf("invalid method descriptor %q: void parameter", methodDesc)
		}
		args = append(args, t)
		off = end
	}
	if off >= len(methodDesc) {
		return nil, fmt.Errorf("invalid method descriptor %q: missing ')'", methodDesc)
	}
	return args, nil
}

// ReturnType returns the return type of a method descriptor.
func ReturnType(methodDesc string) (Type, error) {
	i := strings.IndexByte(methodDesc, ')')
	if i < 0 || !strings.HasPrefix(methodDesc, "(") {
		return Type{}, fmt.Errorf("invalid method descriptor %q", methodDesc)
	}
	return Parse(methodDesc[i+1:])
}

// ArgumentsSize returns the number of words the arguments occupy.
func ArgumentsSize(args []Type) int {
	n := 0
	for _, a := range args {
		n += a.Size()
	}
	return n
}

// MethodDescriptor builds a method descriptor.
func MethodDescriptor(ret Type, args ...Type) string {
	var b strings.Builder
	b.WriteByte('(')
	for _, a := range args {
		b.WriteString(a.desc)
	}
	b.WriteByte(')')
	b.WriteString(ret.desc)
	return b.String()
}

// DeclarationToDescriptor converts a probe type declaration into a method
// descriptor.
//
// Accepted forms:
//
//	"(int, java.lang.String)"                 return type void
//	"java.lang.String(java.lang.String,int)"  return type given
//	"void run()"                              method name ignored
//	"(Ljava/lang/String;)V"                   already a descriptor
func DeclarationToDescriptor(decl string) (string, error) {
	decl = strings.TrimSpace(decl)
	if strings.HasPrefix(decl, "(") && !strings.Contains(decl, ".") && !strings.Contains(decl, " ") {
		if _, err := ArgumentTypes(decl); err == nil {
			if _, err := ReturnType(decl); err == nil {
				return decl, nil
			}
		}
	}
	open := strings.IndexByte(decl, '(')
	closing := strings.LastIndexByte(decl, ')')
	if open < 0 || closing < open {
		return "", fmt.Errorf("invalid declaration %q: missing parameter list", decl)
	}

	ret := Void
	if head := strings.Fields(decl[:open]); len(head) > 0 {
		t, err := FromClassName(head[0])
		if err != nil {
			return "", fmt.Errorf("invalid declaration %q: %w", decl, err)
		}
		ret = t
	}

	var args []Type
	if params := strings.TrimSpace(decl[open+1 : closing]); params != "" {
		for _, p := range strings.Split(params, ",") {
			// Parameter names are allowed: "int count".
			fields := strings.Fields(p)
			if len(fields) == 0 {
				return "", fmt.Errorf("invalid declaration %q: empty parameter", decl)
			}
			t, err := FromClassName(fields[0])
			if err != nil {
				return "", fmt.Errorf("invalid declaration %q: %w", decl, err)
			}
			if t == Void {
				return "", fmt.Errorf("invalid declaration %q: void parameter", decl)
			}
			args = append(args, t)
		}
	}
	return MethodDescriptor(ret, args...), nil
}

// IsAnyType reports whether t is the single-value wildcard.
func IsAnyType(t Type) bool { return t == AnyType }

// IsAnyTypeArray reports whether t is the whole-context wildcard array.
func IsAnyTypeArray(t Type) bool { return t == AnyTypeArray }

// ReplaceAnyType rewrites every wildcard occurrence in a descriptor (field,
// method, or array) to java.lang.Object.
func ReplaceAnyType(desc string) string {
	return strings.ReplaceAll(desc, AnyType.desc, Object.desc)
}

// Box describes the boxing conversion of a primitive type.
type Box struct {
	Owner string // internal name of the wrapper class
	Desc  string // descriptor of the static valueOf method
}

// BoxOf returns the boxing conversion for a primitive type.
func BoxOf(t Type) (Box, bool) {
	var owner string
	switch t.Sort() {
	case SortBoolean:
		owner = "java/lang/Boolean"
	case SortChar:
		owner = "java/lang/Character"
	case SortByte:
		owner = "java/lang/Byte"
	case SortShort:
		owner = "java/lang/Short"
	case SortInt:
		owner = "java/lang/Integer"
	case SortFloat:
		owner = "java/lang/Float"
	case SortLong:
		owner = "java/lang/Long"
	case SortDouble:
		owner = "java/lang/Double"
	default:
		return Box{}, false
	}
	return Box{Owner: owner, Desc: "(" + t.desc + ")L" + owner + ";"}, true
}

// PrimitiveArrayCode returns the operand of the NEWARRAY instruction for a
// primitive element type.
func PrimitiveArrayCode(t Type) (int, bool) {
	switch t.Sort() {
	case SortBoolean:
		return 4, true
	case SortChar:
		return 5, true
	case SortFloat:
		return 6, true
	case SortDouble:
		return 7, true
	case SortByte:
		return 8, true
	case SortShort:
		return 9, true
	case SortInt:
		return 10, true
	case SortLong:
		return 11, true
	}
	return 0, false
}

// FromPrimitiveArrayCode is the inverse of PrimitiveArrayCode.
func FromPrimitiveArrayCode(code int) (Type, bool) {
	switch code {
	case 4:
		return Boolean, true
	case 5:
		return Char, true
	case 6:
		return Float, true
	case 7:
		return Double, true
	case 8:
		return Byte, true
	case 9:
		return Short, true
	case 10:
		return Int, true
	case 11:
		return Long, true
	}
	return Type{}, false
}
