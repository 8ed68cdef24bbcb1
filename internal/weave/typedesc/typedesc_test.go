package typedesc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParse_Sorts tests descriptor parsing and classification.
func TestParse_Sorts(t *testing.T) {
	tests := []struct {
		desc      string
		sort      Sort
		size      int
		className string
	}{
		{"V", SortVoid, 0, "void"},
		{"Z", SortBoolean, 1, "boolean"},
		{"I", SortInt, 1, "int"},
		{"J", SortLong, 2, "long"},
		{"D", SortDouble, 2, "double"},
		{"Ljava/lang/String;", SortObject, 1, "java.lang.String"},
		{"[I", SortArray, 1, "int[]"},
		{"[[Ljava/lang/Object;", SortArray, 1, "java.lang.Object[][]"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			typ, err := Parse(tt.desc)
			require.NoError(t, err)
			assert.Equal(t, tt.sort, typ.Sort())
			assert.Equal(t, tt.size, typ.Size())
			assert.Equal(t, tt.className, typ.ClassName())
		})
	}
}

// TestParse_Invalid tests that malformed descriptors are rejected.
func TestParse_Invalid(t *testing.T) {
	for _, desc := range []string{"", "Q", "Ljava/lang/String", "II", "["} {
		_, err := Parse(desc)
		assert.Error(t, err, "descriptor %q", desc)
	}
}

// TestArgumentTypes tests method descriptor parsing.
func TestArgumentTypes(t *testing.T) {
	args, err := ArgumentTypes("(Ljava/lang/String;I[JD)V")
	require.NoError(t, err)
	assert.Equal(t, []Type{String, Int, MustParse("[J"), Double}, args)
	assert.Equal(t, 5, ArgumentsSize(args))

	ret, err := ReturnType("(Ljava/lang/String;I)Ljava/lang/Object;")
	require.NoError(t, err)
	assert.Equal(t, Object, ret)

	_, err = ArgumentTypes("(V)V")
	assert.Error(t, err)
	_, err = ArgumentTypes("I)V")
	assert.Error(t, err)
}

// TestDeclarationToDescriptor tests conversion of probe type declarations.
func TestDeclarationToDescriptor(t *testing.T) {
	tests := []struct {
		decl string
		want string
	}{
		{"java.lang.String(java.lang.String,int)", "(Ljava/lang/String;I)Ljava/lang/String;"},
		{"(int, java.lang.String)", "(ILjava/lang/String;)V"},
		{"void run()", "()V"},
		{"int[] copy(byte[][] src, int len)", "([[BI)[I"},
		{"void (AnyType)", "(Lprobeweaver/AnyType;)V"},
		{"(Ljava/lang/String;)V", "(Ljava/lang/String;)V"},
	}

	for _, tt := range tests {
		t.Run(tt.decl, func(t *testing.T) {
			got, err := DeclarationToDescriptor(tt.decl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DeclarationToDescriptor("java.lang.String")
	assert.Error(t, err)
	_, err = DeclarationToDescriptor("(void)")
	assert.Error(t, err)
}

// TestReplaceAnyType tests wildcard rewriting in descriptors.
func TestReplaceAnyType(t *testing.T) {
	desc := MethodDescriptor(Void, AnyTypeArray, AnyType, Int)
	assert.Equal(t, "([Ljava/lang/Object;Ljava/lang/Object;I)V", ReplaceAnyType(desc))
	assert.True(t, IsAnyTypeArray(MustParse("[Lprobeweaver/AnyType;")))
	assert.True(t, IsAnyType(ObjectType(AnyTypeInternal)))
}

// TestBoxOf tests the boxing table.
func TestBoxOf(t *testing.T) {
	box, ok := BoxOf(Int)
	require.True(t, ok)
	assert.Equal(t, "java/lang/Integer", box.Owner)
	assert.Equal(t, "(I)Ljava/lang/Integer;", box.Desc)

	_, ok = BoxOf(String)
	assert.False(t, ok)
}

// TestPrimitiveArrayCode tests NEWARRAY operand conversion both ways.
func TestPrimitiveArrayCode(t *testing.T) {
	for _, typ := range []Type{Boolean, Char, Float, Double, Byte, Short, Int, Long} {
		code, ok := PrimitiveArrayCode(typ)
		require.True(t, ok)
		back, ok := FromPrimitiveArrayCode(code)
		require.True(t, ok)
		assert.Equal(t, typ, back)
	}
}
