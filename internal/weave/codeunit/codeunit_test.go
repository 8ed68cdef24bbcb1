package codeunit

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleUnit builds a small unit exercising most model features.
func sampleUnit() *Unit {
	return &Unit{
		Format:     FormatVersion,
		Access:     AccPublic | AccSuper,
		Name:       "demo/Greeter",
		Super:      "java/lang/Object",
		Interfaces: []string{"java/lang/Runnable"},
		Annotations: []Annotation{{
			Desc:     "Ldemo/Marker;",
			Elements: []Element{StringElem("value", "x"), BoolElem("flag", true)},
		}},
		Fields: []Field{{Access: AccPrivate | AccStatic, Name: "count", Desc: "I"}},
		Methods: []Method{
			{
				Access: AccPublic,
				Name:   "run",
				Desc:   "()V",
				Code: []Instruction{
					Label(0),
					LineNumber(10, 0),
					FieldInsn(GETSTATIC, "demo/Greeter", "count", "I"),
					JumpInsn(IFEQ, 1),
					LdcString("hello"),
					Insn(POP),
					Label(1),
					Insn(RETURN),
				},
				MaxStack:  1,
				MaxLocals: 1,
			},
			{Access: AccPublic | AccAbstract, Name: "shape", Desc: "()Ldemo/Greeter;"},
		},
	}
}

// TestCodec_RoundTrip tests that encoding then decoding preserves the unit
// and that re-encoding is byte-stable.
func TestCodec_RoundTrip(t *testing.T) {
	u := sampleUnit()
	data, err := Encode(u)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	if diff := cmp.Diff(u, back); diff != "" {
		t.Errorf("decoded unit mismatch (-want +got):\n%s", diff)
	}

	again, err := Encode(back)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

// TestDecode_Errors tests rejection of foreign bytes and bad versions.
func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte("\xca\xfe\xba\xbe"))
	assert.ErrorIs(t, err, ErrBadMagic)

	u := sampleUnit()
	u.Format = "v2.0.0"
	_, err = Encode(u)
	var fe *FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "v2.0.0", fe.Version)
}

// TestCheckFormat tests the semantic version policy.
func TestCheckFormat(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{FormatVersion, true},
		{"v1.0.0", true},
		{"v1.1.7", true},
		{"v1.3.0", false},
		{"v0.9.0", false},
		{"v2.0.0", false},
		{"1.0.0", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			err := CheckFormat(tt.version)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// TestText_RoundTrip tests the YAML text form.
func TestText_RoundTrip(t *testing.T) {
	u := sampleUnit()
	text, err := MarshalText(u)
	require.NoError(t, err)
	assert.Contains(t, string(text), "op: getstatic")
	assert.Contains(t, string(text), "access: public synchronized")

	back, err := UnmarshalText(text)
	require.NoError(t, err)
	if diff := cmp.Diff(u, back); diff != "" {
		t.Errorf("text round trip mismatch (-want +got):\n%s", diff)
	}
}

// TestUnmarshalText_UnknownOpcode tests mnemonic validation.
func TestUnmarshalText_UnknownOpcode(t *testing.T) {
	src := `
name: demo/Bad
methods:
  - access: public static
    name: m
    desc: ()V
    code:
      - op: frobnicate
`
	_, err := UnmarshalText([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frobnicate")
}

// recorder logs every event it receives.
type recorder struct {
	events []string
}

func (r *recorder) VisitHeader(h Header) error {
	r.events = append(r.events, "header "+h.Name)
	return nil
}
func (r *recorder) VisitOuterClass(o OuterClass) error {
	r.events = append(r.events, "outer "+o.Owner)
	return nil
}
func (r *recorder) VisitAnnotation(a Annotation) error {
	r.events = append(r.events, "annotation "+a.Desc)
	return nil
}
func (r *recorder) VisitInnerClass(ic InnerClass) error {
	r.events = append(r.events, "inner "+ic.Name)
	return nil
}
func (r *recorder) VisitField(f Field) error {
	r.events = append(r.events, "field "+f.Name)
	return nil
}
func (r *recorder) VisitMethod(m MethodInfo) (MethodVisitor, error) {
	r.events = append(r.events, fmt.Sprintf("method %s next=%d", m.Name, m.NextLabel))
	return &MethodAdapter{Next: &methodRecorder{r: r}}, nil
}
func (r *recorder) VisitEnd() error {
	r.events = append(r.events, "end")
	return nil
}

type methodRecorder struct {
	r *recorder
}

func (m *methodRecorder) VisitAnnotation(a Annotation) error { return nil }
func (m *methodRecorder) VisitParameterAnnotation(int, Annotation) error {
	return nil
}
func (m *methodRecorder) VisitTryCatch(TryCatch) error { return nil }
func (m *methodRecorder) VisitCode() error {
	m.r.events = append(m.r.events, "code")
	return nil
}
func (m *methodRecorder) VisitInstruction(in Instruction) error {
	m.r.events = append(m.r.events, "  "+in.Op.String())
	return nil
}
func (m *methodRecorder) VisitMaxs(int, int) error {
	m.r.events = append(m.r.events, "maxs")
	return nil
}
func (m *methodRecorder) VisitEnd() error {
	m.r.events = append(m.r.events, "method end")
	return nil
}

// TestAccept_Order tests the fixed traversal order.
func TestAccept_Order(t *testing.T) {
	u := sampleUnit()
	u.InnerClasses = []InnerClass{{Name: "demo/Greeter$1"}}
	u.OuterClass = &OuterClass{Owner: "demo/Outer"}

	r := &recorder{}
	require.NoError(t, Accept(u, r))

	want := []string{
		"header demo/Greeter",
		"outer demo/Outer",
		"annotation Ldemo/Marker;",
		"inner demo/Greeter$1",
		"field count",
		"method run next=2",
		"code",
		"  label", "  line", "  getstatic", "  ifeq", "  ldc", "  pop", "  label", "  return",
		"maxs",
		"method end",
		"method shape next=0",
		"method end",
		"end",
	}
	assert.Equal(t, want, r.events)
}

// TestWriter_CopiesUnit tests that Accept into a Writer reproduces the unit.
func TestWriter_CopiesUnit(t *testing.T) {
	u := sampleUnit()
	w := NewWriter()
	require.NoError(t, Accept(u, w))
	if diff := cmp.Diff(u, w.Unit()); diff != "" {
		t.Errorf("copied unit mismatch (-want +got):\n%s", diff)
	}
}

// TestWriter_MissingLabel tests emission consistency checks.
func TestWriter_MissingLabel(t *testing.T) {
	u := sampleUnit()
	u.Methods[0].Code = []Instruction{JumpInsn(GOTO, 7), Insn(RETURN)}

	err := Accept(u, NewWriter())
	assert.ErrorIs(t, err, ErrInconsistentCode)
}

// TestWriter_UnknownOpcode tests that unknown opcodes are rejected.
func TestWriter_UnknownOpcode(t *testing.T) {
	u := sampleUnit()
	u.Methods[0].Code = []Instruction{{Op: Opcode(250)}, Insn(RETURN)}

	err := Accept(u, NewWriter())
	assert.ErrorIs(t, err, ErrInconsistentCode)
}

// TestRename tests rewriting of self references.
func TestRename(t *testing.T) {
	u := sampleUnit()
	r, err := Rename(u, "demo/Greeter$1")
	require.NoError(t, err)

	assert.Equal(t, "demo/Greeter$1", r.Name)
	assert.Equal(t, "demo/Greeter$1", r.Methods[0].Code[2].Owner)
	assert.Equal(t, "()Ldemo/Greeter$1;", r.Methods[1].Desc)
	// The original is untouched.
	assert.Equal(t, "demo/Greeter", u.Methods[0].Code[2].Owner)
}

// TestPushInt tests constant instruction selection.
func TestPushInt(t *testing.T) {
	assert.Equal(t, ICONST_M1, PushInt(-1).Op)
	assert.Equal(t, ICONST_5, PushInt(5).Op)
	assert.Equal(t, BIPUSH, PushInt(100).Op)
	assert.Equal(t, SIPUSH, PushInt(1000).Op)
	in := PushInt(1 << 20)
	require.Equal(t, LDC, in.Op)
	assert.Equal(t, int64(1<<20), in.Const.Int)
}

// TestAccess_String tests flag rendering and parsing.
func TestAccess_String(t *testing.T) {
	a := AccPublic | AccStatic | AccFinal
	assert.Equal(t, "public static final", a.String())
	parsed, err := ParseAccess("public static final")
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseAccess("publik")
	assert.Error(t, err)
}
