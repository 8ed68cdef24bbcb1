// Package codeunit models binary code units and provides the traversal and
// emission primitives the weaving engine is built on.
//
// A code unit is one compiled class: its declaration, annotations, fields,
// and methods with their instruction streams. Units are read from and
// written to a compact binary encoding (see codec.go) and can be converted
// to and from a YAML text form for authoring and inspection (see text.go).
//
// Traversal follows the visitor style: Accept walks a Unit and delivers
// declaration, annotation, field, method, and per-instruction events in a
// fixed order to a UnitVisitor. Writer is the UnitVisitor that rebuilds a
// Unit from those events, so a transformation is a visitor chained in front
// of a Writer:
//
//	w := codeunit.NewWriter()
//	if err := codeunit.Accept(unit, myTransform{next: w}); err != nil {
//	    return err
//	}
//	out, err := codeunit.Encode(w.Unit())
//
// Thread Safety: Units are plain values. Accept does not mutate the unit it
// walks; concurrent traversals of the same unit are safe.
package codeunit

// Access holds access and property flags of units, fields, and methods.
type Access uint32

// Access flags.
const (
	AccPublic       Access = 0x0001
	AccPrivate      Access = 0x0002
	AccProtected    Access = 0x0004
	AccStatic       Access = 0x0008
	AccFinal        Access = 0x0010
	AccSynchronized Access = 0x0020
	AccSuper        Access = 0x0020
	AccVolatile     Access = 0x0040
	AccTransient    Access = 0x0080
	AccNative       Access = 0x0100
	AccInterface    Access = 0x0200
	AccAbstract     Access = 0x0400
	AccSynthetic    Access = 0x1000
	AccAnnotation   Access = 0x2000
	AccEnum         Access = 0x4000
)

// Has reports whether all bits of flag are set.
func (a Access) Has(flag Access) bool { return a&flag == flag }

// Constructor and static initializer method names.
const (
	ConstructorName = "<init>"
	InitializerName = "<clinit>"
)

// Unit is one code unit.
type Unit struct {
	Format       string       `msgpack:"format" yaml:"format"`
	Access       Access       `msgpack:"access" yaml:"access"`
	Name         string       `msgpack:"name" yaml:"name"`
	Super        string       `msgpack:"super,omitempty" yaml:"super,omitempty"`
	Interfaces   []string     `msgpack:"interfaces,omitempty" yaml:"interfaces,omitempty"`
	Source       string       `msgpack:"source,omitempty" yaml:"source,omitempty"`
	OuterClass   *OuterClass  `msgpack:"outer,omitempty" yaml:"outer,omitempty"`
	Annotations  []Annotation `msgpack:"annotations,omitempty" yaml:"annotations,omitempty"`
	InnerClasses []InnerClass `msgpack:"inner,omitempty" yaml:"inner,omitempty"`
	Fields       []Field      `msgpack:"fields,omitempty" yaml:"fields,omitempty"`
	Methods      []Method     `msgpack:"methods,omitempty" yaml:"methods,omitempty"`
}

// Method returns the method with the given name and descriptor, or nil.
func (u *Unit) Method(name, desc string) *Method {
	for i := range u.Methods {
		if u.Methods[i].Name == name && u.Methods[i].Desc == desc {
			return &u.Methods[i]
		}
	}
	return nil
}

// Header is the unit declaration.
type Header struct {
	Format     string
	Access     Access
	Name       string
	Super      string
	Interfaces []string
	Source     string
}

// OuterClass records the enclosing unit of a local or anonymous unit.
type OuterClass struct {
	Owner string `msgpack:"owner" yaml:"owner"`
	Name  string `msgpack:"name,omitempty" yaml:"name,omitempty"`
	Desc  string `msgpack:"desc,omitempty" yaml:"desc,omitempty"`
}

// InnerClass records a nested-unit relationship.
type InnerClass struct {
	Name      string `msgpack:"name" yaml:"name"`
	OuterName string `msgpack:"outer,omitempty" yaml:"outer,omitempty"`
	InnerName string `msgpack:"inner,omitempty" yaml:"inner,omitempty"`
	Access    Access `msgpack:"access" yaml:"access"`
}

// Field is a field declaration.
type Field struct {
	Access      Access       `msgpack:"access" yaml:"access"`
	Name        string       `msgpack:"name" yaml:"name"`
	Desc        string       `msgpack:"desc" yaml:"desc"`
	Value       *Constant    `msgpack:"value,omitempty" yaml:"value,omitempty"`
	Annotations []Annotation `msgpack:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// Method is a method declaration with its code.
type Method struct {
	Access               Access         `msgpack:"access" yaml:"access"`
	Name                 string         `msgpack:"name" yaml:"name"`
	Desc                 string         `msgpack:"desc" yaml:"desc"`
	Exceptions           []string       `msgpack:"exceptions,omitempty" yaml:"exceptions,omitempty"`
	Annotations          []Annotation   `msgpack:"annotations,omitempty" yaml:"annotations,omitempty"`
	ParameterAnnotations [][]Annotation `msgpack:"param_annotations,omitempty" yaml:"param_annotations,omitempty"`
	TryCatch             []TryCatch     `msgpack:"try_catch,omitempty" yaml:"try_catch,omitempty"`
	Code                 []Instruction  `msgpack:"code,omitempty" yaml:"code,omitempty"`
	MaxStack             int            `msgpack:"max_stack,omitempty" yaml:"max_stack,omitempty"`
	MaxLocals            int            `msgpack:"max_locals,omitempty" yaml:"max_locals,omitempty"`
}

// Info returns the method header delivered to visitors.
func (m *Method) Info() MethodInfo {
	next := 0
	for _, in := range m.Code {
		if (in.Op == LABEL || in.Op.IsJump()) && in.Label >= next {
			next = in.Label + 1
		}
		for _, l := range in.Labels {
			if l >= next {
				next = l + 1
			}
		}
		if in.Op.IsSwitch() && in.Default >= next {
			next = in.Default + 1
		}
	}
	return MethodInfo{
		Access:     m.Access,
		Name:       m.Name,
		Desc:       m.Desc,
		Exceptions: m.Exceptions,
		MaxStack:   m.MaxStack,
		MaxLocals:  m.MaxLocals,
		NextLabel:  next,
	}
}

// MethodInfo is the method declaration delivered to UnitVisitor.VisitMethod.
//
// NextLabel is one past the highest label id used by the method's code;
// labels allocated by transformations start there.
type MethodInfo struct {
	Access     Access
	Name       string
	Desc       string
	Exceptions []string
	MaxStack   int
	MaxLocals  int
	NextLabel  int
}

// TryCatch is an exception handler covering [Start, End) with code at
// Handler. An empty Type catches everything.
type TryCatch struct {
	Start   int    `msgpack:"start" yaml:"start"`
	End     int    `msgpack:"end" yaml:"end"`
	Handler int    `msgpack:"handler" yaml:"handler"`
	Type    string `msgpack:"type,omitempty" yaml:"type,omitempty"`
}

// Instruction is one element of a method's code.
//
// Operand fields are used according to Op:
//
//	Var              load/store/iinc slot
//	Int              bipush/sipush value, iinc increment, newarray type code,
//	                 multianewarray dimensions
//	Type             new/anewarray/checkcast/instanceof/multianewarray type
//	Owner/Name/Desc  field and method instructions
//	Label            jump target, or the position id of LABEL and LINE
//	Line             source line of LINE
//	Const            ldc constant
//	Default/Labels   switch targets; Keys for lookupswitch, Min/Max for
//	                 tableswitch
type Instruction struct {
	Op      Opcode    `msgpack:"op" yaml:"op"`
	Var     int       `msgpack:"var,omitempty" yaml:"var,omitempty"`
	Int     int       `msgpack:"int,omitempty" yaml:"int,omitempty"`
	Type    string    `msgpack:"type,omitempty" yaml:"type,omitempty"`
	Owner   string    `msgpack:"owner,omitempty" yaml:"owner,omitempty"`
	Name    string    `msgpack:"name,omitempty" yaml:"name,omitempty"`
	Desc    string    `msgpack:"desc,omitempty" yaml:"desc,omitempty"`
	Label   int       `msgpack:"label,omitempty" yaml:"label,omitempty"`
	Line    int       `msgpack:"line,omitempty" yaml:"line,omitempty"`
	Const   *Constant `msgpack:"const,omitempty" yaml:"const,omitempty"`
	Default int       `msgpack:"default,omitempty" yaml:"default,omitempty"`
	Labels  []int     `msgpack:"labels,omitempty" yaml:"labels,omitempty"`
	Keys    []int     `msgpack:"keys,omitempty" yaml:"keys,omitempty"`
	Min     int       `msgpack:"min,omitempty" yaml:"min,omitempty"`
	Max     int       `msgpack:"max,omitempty" yaml:"max,omitempty"`
}

// ConstKind tags a Constant.
type ConstKind string

// Constant kinds.
const (
	ConstInt    ConstKind = "int"
	ConstLong   ConstKind = "long"
	ConstFloat  ConstKind = "float"
	ConstDouble ConstKind = "double"
	ConstString ConstKind = "string"
	ConstType   ConstKind = "type"
)

// Constant is an ldc operand or a field's constant value.
// Type constants carry a descriptor in String.
type Constant struct {
	Kind   ConstKind `msgpack:"kind" yaml:"kind"`
	Int    int64     `msgpack:"int,omitempty" yaml:"int,omitempty"`
	Float  float64   `msgpack:"float,omitempty" yaml:"float,omitempty"`
	String string    `msgpack:"string,omitempty" yaml:"string,omitempty"`
}

// Size returns the number of stack words the constant occupies.
func (c *Constant) Size() int {
	if c.Kind == ConstLong || c.Kind == ConstDouble {
		return 2
	}
	return 1
}

// Annotation is an applied annotation with its element values.
type Annotation struct {
	Desc     string    `msgpack:"desc" yaml:"desc"`
	Elements []Element `msgpack:"elements,omitempty" yaml:"elements,omitempty"`
}

// Element is a named annotation element.
type Element struct {
	Name  string `msgpack:"name" yaml:"name"`
	Value Value  `msgpack:"value" yaml:"value"`
}

// Value is an annotation element value. Exactly one field is set.
type Value struct {
	String     *string     `msgpack:"string,omitempty" yaml:"string,omitempty"`
	Int        *int64      `msgpack:"int,omitempty" yaml:"int,omitempty"`
	Bool       *bool       `msgpack:"bool,omitempty" yaml:"bool,omitempty"`
	Enum       *EnumValue  `msgpack:"enum,omitempty" yaml:"enum,omitempty"`
	Annotation *Annotation `msgpack:"annotation,omitempty" yaml:"annotation,omitempty"`
	Array      []Value     `msgpack:"array,omitempty" yaml:"array,omitempty"`
}

// EnumValue is an enum constant: the enum type descriptor and the constant
// name.
type EnumValue struct {
	Desc string `msgpack:"desc" yaml:"desc"`
	Name string `msgpack:"name" yaml:"name"`
}

// Get returns the named element value.
func (a *Annotation) Get(name string) (Value, bool) {
	for _, e := range a.Elements {
		if e.Name == name {
			return e.Value, true
		}
	}
	return Value{}, false
}

// StringValue returns a string element or def.
func (a *Annotation) StringValue(name, def string) string {
	if v, ok := a.Get(name); ok && v.String != nil {
		return *v.String
	}
	return def
}

// BoolValue returns a boolean element or def.
func (a *Annotation) BoolValue(name string, def bool) bool {
	if v, ok := a.Get(name); ok && v.Bool != nil {
		return *v.Bool
	}
	return def
}

// IntValue returns an integer element or def.
func (a *Annotation) IntValue(name string, def int64) int64 {
	if v, ok := a.Get(name); ok && v.Int != nil {
		return *v.Int
	}
	return def
}

// EnumValue returns the constant name of an enum element, or "".
func (a *Annotation) EnumValue(name string) string {
	if v, ok := a.Get(name); ok && v.Enum != nil {
		return v.Enum.Name
	}
	return ""
}

// NestedValue returns a nested annotation element, or nil.
func (a *Annotation) NestedValue(name string) *Annotation {
	if v, ok := a.Get(name); ok {
		return v.Annotation
	}
	return nil
}
