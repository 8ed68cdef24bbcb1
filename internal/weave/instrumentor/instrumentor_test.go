package instrumentor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/pattern"
	"github.com/kolkov/probeweaver/internal/weave/probe"
	"github.com/kolkov/probeweaver/internal/weave/typedesc"
	"github.com/kolkov/probeweaver/internal/weave/verifier"
	wt "github.com/kolkov/probeweaver/internal/weave/weavetest"
)

const service = "demo/Service"

// load verifies a probe unit and returns an Instrumentor for it.
func load(t *testing.T, p *cu.Unit) *Instrumentor {
	t.Helper()
	res, err := verifier.VerifyUnit(p, false)
	require.NoError(t, err)
	return New(res.Unit, res.Probes)
}

// run instruments target and returns the rewritten unit.
func run(t *testing.T, ins *Instrumentor, target *cu.Unit) *Result {
	t.Helper()
	res, err := ins.Instrument(wt.MustEncode(target), target.Name, nil)
	require.NoError(t, err)
	return res
}

func method(t *testing.T, u *cu.Unit, name, desc string) *cu.Method {
	t.Helper()
	m := u.Method(name, desc)
	require.NotNil(t, m, "method %s%s", name, desc)
	return m
}

func invokeAction(probeUnit, action, desc string) cu.Instruction {
	return cu.MethodInsn(cu.INVOKESTATIC, service, probe.ActionName(probeUnit, action), desc)
}

func runMethod(code ...cu.Instruction) cu.Method {
	return wt.Method(cu.AccPublic, "run", "()V", 2, 1, code...)
}

// TestInstrument_EntryWithoutParameters tests that a parameterless ENTRY
// action is called as the first instruction.
func TestInstrument_EntryWithoutParameters(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/Entry",
		wt.Action("onRun", "()V", wt.OnMethod("demo.Service", "run"))))

	res := run(t, ins, wt.TargetUnit(service, runMethod(cu.Insn(cu.RETURN))))
	require.True(t, res.Changed)
	assert.True(t, ins.HasMatch())

	m := method(t, res.Unit, "run", "()V")
	want := []cu.Instruction{
		invokeAction("traces/Entry", "onRun", "()V"),
		cu.Insn(cu.RETURN),
	}
	if diff := cmp.Diff(want, m.Code); diff != "" {
		t.Errorf("run code mismatch (-want +got):\n%s", diff)
	}

	merged := method(t, res.Unit, "$weaver$traces$Entry$onRun", "()V")
	assert.Equal(t, cu.AccPrivate|cu.AccStatic, merged.Access)
	assert.Empty(t, merged.Annotations)

	assert.Equal(t, 1, res.Stats.Injected[probe.Entry])
	assert.Equal(t, 1, res.Stats.MethodsInstrumented)
	assert.Equal(t, 1, res.Stats.ActionsMerged)
	assert.False(t, res.Stats.TimestampHelper)
	require.Len(t, res.Matched, 1)
	assert.Equal(t, "onRun", res.Matched[0].TargetName)
}

// TestInstrument_EntryArguments tests positional binding of the method
// arguments.
func TestInstrument_EntryArguments(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/Args",
		wt.WithParams(
			wt.Action("onRun", "(Ljava/lang/Object;JLjava/lang/String;)V", wt.OnMethod("demo.Service", "run")),
			wt.Role(probe.SelfDesc), nil, nil)))

	target := wt.TargetUnit(service,
		wt.Method(cu.AccPublic, "run", "(JLjava/lang/String;)V", 0, 4, cu.Insn(cu.RETURN)))
	res := run(t, ins, target)
	require.True(t, res.Changed)

	m := method(t, res.Unit, "run", "(JLjava/lang/String;)V")
	want := []cu.Instruction{
		cu.VarInsn(cu.ALOAD, 0),
		cu.VarInsn(cu.LLOAD, 1),
		cu.VarInsn(cu.ALOAD, 3),
		invokeAction("traces/Args", "onRun", "(Ljava/lang/Object;JLjava/lang/String;)V"),
		cu.Insn(cu.RETURN),
	}
	assert.Equal(t, want, m.Code)
	assert.Equal(t, 4, m.MaxStack)
}

// TestInstrument_EntryMismatch tests that an action whose parameters do
// not fit the method arguments is not called.
func TestInstrument_EntryMismatch(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/Args",
		wt.Action("onRun", "(I)V", wt.OnMethod("demo.Service", "run"))))

	target := wt.TargetUnit(service, runMethod(cu.Insn(cu.RETURN)))
	data := wt.MustEncode(target)
	res, err := ins.Instrument(data, target.Name, nil)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, data, res.Bytes)
	assert.False(t, ins.HasMatch())
}

// TestInstrument_ReturnDuration tests @Return and @Duration on a method
// with two exits: the start timestamp is taken once at entry, the end
// timestamp before each return, and the helper is added once.
func TestInstrument_ReturnDuration(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/Latency",
		wt.WithParams(
			wt.Action("onReturn", "(JI)V",
				wt.OnMethod("demo.Service", "compute", wt.At(probe.Return, probe.Before))),
			wt.Role(probe.DurationDesc), wt.Role(probe.ReturnDesc))))

	target := wt.TargetUnit(service,
		wt.Method(cu.AccPublic|cu.AccStatic, "compute", "(I)I", 1, 1,
			cu.VarInsn(cu.ILOAD, 0),
			cu.JumpInsn(cu.IFEQ, 0),
			cu.Insn(cu.ICONST_1),
			cu.Insn(cu.IRETURN),
			cu.Label(0),
			cu.Insn(cu.ICONST_0),
			cu.Insn(cu.IRETURN)))
	res := run(t, ins, target)
	require.True(t, res.Changed)

	m := method(t, res.Unit, "compute", "(I)I")
	exit := []cu.Opcode{
		cu.INVOKESTATIC, cu.LSTORE, // end timestamp
		cu.DUP, cu.ISTORE, // return value
		cu.LLOAD, cu.LLOAD, cu.LSUB, cu.ILOAD, cu.INVOKESTATIC,
		cu.IRETURN,
	}
	want := []cu.Opcode{cu.INVOKESTATIC, cu.LSTORE, cu.ILOAD, cu.IFEQ, cu.ICONST_1}
	want = append(want, exit...)
	want = append(want, cu.ICONST_0)
	want = append(want, exit...)
	assert.Equal(t, want, wt.Ops(m))

	assert.Equal(t, cu.MethodInsn(cu.INVOKESTATIC, service, probe.TimestampHelper, "()J"), m.Code[0])
	assert.Equal(t, cu.VarInsn(cu.LSTORE, 1), m.Code[1])
	assert.GreaterOrEqual(t, m.MaxLocals, 7)

	helpers := 0
	for _, mm := range res.Unit.Methods {
		if mm.Name == probe.TimestampHelper {
			helpers++
			assert.Equal(t, []cu.Opcode{cu.INVOKESTATIC, cu.LRETURN}, wt.Ops(&mm))
		}
	}
	assert.Equal(t, 1, helpers)
	assert.True(t, res.Stats.TimestampHelper)
	assert.Equal(t, 2, res.Stats.Injected[probe.Return])
}

// TestInstrument_ReturnAfterIgnored tests that RETURN with AFTER never
// fires.
func TestInstrument_ReturnAfterIgnored(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/Late",
		wt.Action("onReturn", "()V",
			wt.OnMethod("demo.Service", "run", wt.At(probe.Return, probe.After)))))

	res := run(t, ins, wt.TargetUnit(service, runMethod(cu.Insn(cu.RETURN))))
	assert.False(t, res.Changed)
}

// TestInstrument_NoMatch tests byte-exact passthrough of units no probe
// applies to.
func TestInstrument_NoMatch(t *testing.T) {
	tests := []struct {
		name   string
		probes *cu.Unit
	}{
		{"other unit", wt.ProbeUnit("traces/Entry",
			wt.Action("onRun", "()V", wt.OnMethod("demo.Other", "run")))},
		{"other method", wt.ProbeUnit("traces/Entry",
			wt.Action("onRun", "()V", wt.OnMethod("demo.Service", "stop")))},
		{"regex miss", wt.ProbeUnit("traces/Entry",
			wt.Action("onRun", "()V", wt.OnMethod("/demo\\.Svc.*/", "run")))},
		{"no actions", wt.ProbeUnit("traces/Empty")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins := load(t, tt.probes)
			target := wt.TargetUnit(service, runMethod(cu.Insn(cu.RETURN)))
			data := wt.MustEncode(target)

			res, err := ins.Instrument(data, target.Name, nil)
			require.NoError(t, err)
			assert.False(t, res.Changed)
			assert.Nil(t, res.Unit)
			assert.Equal(t, data, res.Bytes)
			assert.False(t, ins.HasMatch())
		})
	}
}

// TestInstrument_SkippedMethods tests that abstract and native methods and
// members added by earlier passes are left alone.
func TestInstrument_SkippedMethods(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/All",
		wt.Action("onAny", "()V", wt.OnMethod("demo.Service", "/.*/"))))

	target := wt.TargetUnit(service,
		wt.Method(cu.AccPublic|cu.AccAbstract, "abs", "()V", 0, 1),
		wt.Method(cu.AccPublic|cu.AccNative, "nat", "()V", 0, 1),
		wt.Method(cu.AccPrivate|cu.AccStatic, "$weaver$old$onAny", "()V", 0, 0, cu.Insn(cu.RETURN)))
	res := run(t, ins, target)
	assert.False(t, res.Changed)
	assert.Zero(t, res.Stats.MethodsVisited)
}

// TestInstrument_Idempotent tests a second pass over an instrumented unit:
// merged actions are kept, not copied again, and never instrumented.
func TestInstrument_Idempotent(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/All",
		wt.Action("onAny", "()V", wt.OnMethod("demo.Service", "/.*/"))))

	first := run(t, ins, wt.TargetUnit(service, runMethod(cu.Insn(cu.RETURN))))
	require.True(t, first.Changed)

	second, err := ins.Instrument(first.Bytes, service, nil)
	require.NoError(t, err)
	require.True(t, second.Changed)
	assert.Zero(t, second.Stats.ActionsMerged)
	assert.Equal(t, 1, second.Stats.MethodsVisited)

	merged := 0
	for _, m := range second.Unit.Methods {
		if m.Name == "$weaver$traces$All$onAny" {
			merged++
		}
	}
	assert.Equal(t, 1, merged)
}

// TestInstrument_Constructor tests that ENTRY in a constructor fires after
// the super constructor call, where @Self is initialized.
func TestInstrument_Constructor(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/Ctor",
		wt.WithParams(
			wt.Action("onInit", "(Ljava/lang/Object;)V", wt.OnMethod("demo.Service", "<init>")),
			wt.Role(probe.SelfDesc))))

	target := wt.TargetUnit(service,
		wt.Method(cu.AccPublic, cu.ConstructorName, "()V", 1, 1,
			cu.VarInsn(cu.ALOAD, 0),
			cu.MethodInsn(cu.INVOKESPECIAL, "java/lang/Object", cu.ConstructorName, "()V"),
			cu.Insn(cu.RETURN)))
	res := run(t, ins, target)
	require.True(t, res.Changed)

	m := method(t, res.Unit, cu.ConstructorName, "()V")
	assert.Equal(t, []cu.Instruction{
		cu.VarInsn(cu.ALOAD, 0),
		cu.MethodInsn(cu.INVOKESPECIAL, "java/lang/Object", cu.ConstructorName, "()V"),
		cu.VarInsn(cu.ALOAD, 0),
		invokeAction("traces/Ctor", "onInit", "(Ljava/lang/Object;)V"),
		cu.Insn(cu.RETURN),
	}, m.Code)
}

// TestInstrument_Call tests CALL BEFORE: the arguments and receiver are
// saved, the action runs, and the arguments are restored for the call.
func TestInstrument_Call(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/Calls",
		wt.WithParams(
			wt.Action("onCall", "(Ljava/lang/Object;Ljava/lang/String;Ljava/lang/String;)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.Call, probe.Before, wt.Target("demo.Worker", "work")))),
			wt.Role(probe.TargetInstanceDesc), wt.Role(probe.TargetMethodOrFieldDesc), nil)))

	target := wt.TargetUnit(service, runMethod(
		cu.VarInsn(cu.ALOAD, 0),
		cu.LdcString("x"),
		cu.MethodInsn(cu.INVOKEVIRTUAL, "demo/Worker", "work", "(Ljava/lang/String;)I"),
		cu.Insn(cu.POP),
		cu.Insn(cu.RETURN)))
	res := run(t, ins, target)
	require.True(t, res.Changed)

	m := method(t, res.Unit, "run", "()V")
	want := []cu.Instruction{
		cu.VarInsn(cu.ALOAD, 0),
		cu.LdcString("x"),
		cu.VarInsn(cu.ASTORE, 1), // argument
		cu.Insn(cu.DUP),
		cu.VarInsn(cu.ASTORE, 2), // receiver
		cu.VarInsn(cu.ALOAD, 2),
		cu.LdcString("work"),
		cu.VarInsn(cu.ALOAD, 1),
		invokeAction("traces/Calls", "onCall", "(Ljava/lang/Object;Ljava/lang/String;Ljava/lang/String;)V"),
		cu.VarInsn(cu.ALOAD, 1),
		cu.MethodInsn(cu.INVOKEVIRTUAL, "demo/Worker", "work", "(Ljava/lang/String;)I"),
		cu.Insn(cu.POP),
		cu.Insn(cu.RETURN),
	}
	if diff := cmp.Diff(want, m.Code); diff != "" {
		t.Errorf("run code mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, m.MaxLocals)
}

// TestInstrument_CallAfterReturn tests CALL AFTER with the call's return
// value.
func TestInstrument_CallAfterReturn(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/Calls",
		wt.WithParams(
			wt.Action("afterCall", "(Ljava/lang/String;I)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.Call, probe.After, wt.Target("demo.Worker", "work")))),
			nil, wt.Role(probe.ReturnDesc))))

	target := wt.TargetUnit(service, runMethod(
		cu.LdcString("x"),
		cu.MethodInsn(cu.INVOKESTATIC, "demo/Worker", "work", "(Ljava/lang/String;)I"),
		cu.Insn(cu.POP),
		cu.Insn(cu.RETURN)))
	res := run(t, ins, target)
	require.True(t, res.Changed)

	m := method(t, res.Unit, "run", "()V")
	assert.Equal(t, []cu.Opcode{
		cu.LDC,
		cu.ASTORE, cu.ALOAD, // argument saved and restored
		cu.INVOKESTATIC,
		cu.DUP, cu.ISTORE, cu.ALOAD, cu.ILOAD, cu.INVOKESTATIC,
		cu.POP, cu.RETURN,
	}, wt.Ops(m))
}

// TestInstrument_CallEmptyPatternNeverMatches tests that CALL needs a
// target pattern.
func TestInstrument_CallEmptyPatternNeverMatches(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/Calls",
		wt.Action("onCall", "()V", wt.OnMethod("demo.Service", "run", wt.At(probe.Call, probe.Before)))))

	res := run(t, ins, wt.TargetUnit(service, runMethod(
		cu.MethodInsn(cu.INVOKESTATIC, "demo/Worker", "tick", "()V"),
		cu.Insn(cu.RETURN))))
	assert.False(t, res.Changed)
}

// TestInstrument_Error tests the catch-all handler of ERROR probes.
func TestInstrument_Error(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/Err",
		wt.Action("onError", "(Ljava/lang/Throwable;)V",
			wt.OnMethod("demo.Service", "run", wt.At(probe.Error, probe.Before)))))

	res := run(t, ins, wt.TargetUnit(service, runMethod(cu.Insn(cu.RETURN))))
	require.True(t, res.Changed)

	m := method(t, res.Unit, "run", "()V")
	assert.Equal(t, []cu.Opcode{
		cu.RETURN,
		cu.DUP, cu.ASTORE, cu.ALOAD, cu.INVOKESTATIC, cu.ATHROW,
	}, wt.Ops(m))
	require.Len(t, m.TryCatch, 1)
	assert.Equal(t, cu.TryCatch{Start: 0, End: 1, Handler: 2}, m.TryCatch[0])
	assert.Equal(t, cu.Label(0), m.Code[0])
}

// TestInstrument_ErrorKeepsOwnHandlers tests that the method's handlers
// stay ahead of the ERROR handler.
func TestInstrument_ErrorKeepsOwnHandlers(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/Err",
		wt.Action("onError", "()V",
			wt.OnMethod("demo.Service", "run", wt.At(probe.Error, probe.Before)))))

	own := cu.TryCatch{Start: 0, End: 1, Handler: 2, Type: "java/io/IOException"}
	target := wt.TargetUnit(service, runMethod(
		cu.Label(0),
		cu.Insn(cu.RETURN),
		cu.Label(1),
		cu.Label(2),
		cu.Insn(cu.ATHROW)))
	target.Methods[0].TryCatch = []cu.TryCatch{own}

	res := run(t, ins, target)
	require.True(t, res.Changed)

	m := method(t, res.Unit, "run", "()V")
	require.Len(t, m.TryCatch, 2)
	assert.Equal(t, own, m.TryCatch[0])
	assert.Equal(t, "", m.TryCatch[1].Type)
	assert.Equal(t, 3, m.TryCatch[1].Start)
}

// TestInstrument_Kinds tests the remaining kinds against small methods.
func TestInstrument_Kinds(t *testing.T) {
	tests := []struct {
		name   string
		action cu.Method
		target cu.Method
		want   []cu.Opcode
	}{
		{
			name: "new after with instance",
			action: wt.WithParams(
				wt.Action("onNew", "(Ljava/lang/String;Ljava/lang/Object;)V",
					wt.OnMethod("demo.Service", "run", wt.At(probe.New, probe.After, wt.Target("demo.Thing", "")))),
				nil, wt.Role(probe.ReturnDesc)),
			target: runMethod(
				cu.TypeInsn(cu.NEW, "demo/Thing"),
				cu.Insn(cu.DUP),
				cu.MethodInsn(cu.INVOKESPECIAL, "demo/Thing", cu.ConstructorName, "()V"),
				cu.Insn(cu.POP),
				cu.Insn(cu.RETURN)),
			want: []cu.Opcode{
				cu.NEW, cu.DUP, cu.INVOKESPECIAL,
				cu.DUP, cu.ASTORE, cu.LDC, cu.ALOAD, cu.INVOKESTATIC,
				cu.POP, cu.RETURN,
			},
		},
		{
			name: "new before",
			action: wt.Action("onNew", "(Ljava/lang/String;)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.New, probe.Before, wt.Target("/demo\\..*/", "")))),
			target: runMethod(
				cu.TypeInsn(cu.NEW, "demo/Thing"),
				cu.Insn(cu.DUP),
				cu.MethodInsn(cu.INVOKESPECIAL, "demo/Thing", cu.ConstructorName, "()V"),
				cu.Insn(cu.POP),
				cu.Insn(cu.RETURN)),
			want: []cu.Opcode{
				cu.LDC, cu.INVOKESTATIC,
				cu.NEW, cu.DUP, cu.INVOKESPECIAL, cu.POP, cu.RETURN,
			},
		},
		{
			name: "field get after",
			action: wt.WithParams(
				wt.Action("onGet", "(Ljava/lang/String;I)V",
					wt.OnMethod("demo.Service", "run", wt.At(probe.FieldGet, probe.After, wt.Target("demo.Service", "count")))),
				wt.Role(probe.TargetMethodOrFieldDesc), wt.Role(probe.ReturnDesc)),
			target: runMethod(
				cu.VarInsn(cu.ALOAD, 0),
				cu.FieldInsn(cu.GETFIELD, service, "count", "I"),
				cu.Insn(cu.POP),
				cu.Insn(cu.RETURN)),
			want: []cu.Opcode{
				cu.ALOAD, cu.GETFIELD,
				cu.DUP, cu.ISTORE, cu.LDC, cu.ILOAD, cu.INVOKESTATIC,
				cu.POP, cu.RETURN,
			},
		},
		{
			name: "field set before",
			action: wt.Action("onSet", "(J)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.FieldSet, probe.Before, wt.Target("demo.Service", "total")))),
			target: runMethod(
				cu.Insn(cu.LCONST_1),
				cu.FieldInsn(cu.PUTSTATIC, service, "total", "J"),
				cu.Insn(cu.RETURN)),
			want: []cu.Opcode{
				cu.LCONST_1,
				cu.LSTORE, cu.LLOAD, cu.LLOAD, cu.INVOKESTATIC,
				cu.PUTSTATIC, cu.RETURN,
			},
		},
		{
			name: "array get before",
			action: wt.Action("onLoad", "([II)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.ArrayGet, probe.Before))),
			target: runMethod(
				cu.VarInsn(cu.ALOAD, 0),
				cu.FieldInsn(cu.GETFIELD, service, "data", "[I"),
				cu.Insn(cu.ICONST_0),
				cu.Insn(cu.IALOAD),
				cu.Insn(cu.POP),
				cu.Insn(cu.RETURN)),
			want: []cu.Opcode{
				cu.ALOAD, cu.GETFIELD, cu.ICONST_0,
				cu.DUP2, cu.ISTORE, cu.ASTORE, cu.ALOAD, cu.ILOAD, cu.INVOKESTATIC,
				cu.IALOAD, cu.POP, cu.RETURN,
			},
		},
		{
			name: "array set after",
			action: wt.Action("onStore", "(Ljava/lang/Object;ILjava/lang/Object;)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.ArraySet, probe.After))),
			target: wt.Method(cu.AccPublic, "run", "([Ljava/lang/Object;)V", 3, 2,
				cu.VarInsn(cu.ALOAD, 1),
				cu.Insn(cu.ICONST_0),
				cu.Insn(cu.ACONST_NULL),
				cu.Insn(cu.AASTORE),
				cu.Insn(cu.RETURN)),
			want: []cu.Opcode{
				cu.ALOAD, cu.ICONST_0, cu.ACONST_NULL,
				cu.ASTORE, cu.DUP2, cu.ISTORE, cu.ASTORE, cu.ALOAD,
				cu.AASTORE,
				cu.ALOAD, cu.ILOAD, cu.ALOAD, cu.INVOKESTATIC,
				cu.RETURN,
			},
		},
		{
			name: "new array",
			action: wt.Action("onArray", "(Ljava/lang/String;I)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.NewArray, probe.Before, wt.Target("int", "")))),
			target: runMethod(
				cu.Insn(cu.ICONST_3),
				cu.IntInsn(cu.NEWARRAY, 10),
				cu.Insn(cu.POP),
				cu.Insn(cu.RETURN)),
			want: []cu.Opcode{
				cu.ICONST_3,
				cu.LDC, cu.ICONST_1, cu.INVOKESTATIC,
				cu.NEWARRAY, cu.POP, cu.RETURN,
			},
		},
		{
			name: "checkcast after",
			action: wt.Action("onCast", "(Ljava/lang/String;)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.Checkcast, probe.After))),
			target: runMethod(
				cu.VarInsn(cu.ALOAD, 0),
				cu.TypeInsn(cu.CHECKCAST, "java/lang/String"),
				cu.Insn(cu.POP),
				cu.Insn(cu.RETURN)),
			want: []cu.Opcode{
				cu.ALOAD, cu.CHECKCAST,
				cu.DUP, cu.ASTORE, cu.ALOAD, cu.INVOKESTATIC,
				cu.POP, cu.RETURN,
			},
		},
		{
			name: "instanceof after",
			action: wt.Action("onCheck", "(Ljava/lang/Object;)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.Instanceof, probe.After))),
			target: runMethod(
				cu.VarInsn(cu.ALOAD, 0),
				cu.TypeInsn(cu.INSTANCEOF, "java/lang/String"),
				cu.Insn(cu.POP),
				cu.Insn(cu.RETURN)),
			want: []cu.Opcode{
				cu.ALOAD,
				cu.DUP, cu.ASTORE,
				cu.INSTANCEOF,
				cu.ALOAD, cu.INVOKESTATIC,
				cu.POP, cu.RETURN,
			},
		},
		{
			name: "throw",
			action: wt.Action("onThrow", "(Ljava/lang/Throwable;)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.Throw, probe.Before))),
			target: runMethod(
				cu.Insn(cu.ACONST_NULL),
				cu.Insn(cu.ATHROW)),
			want: []cu.Opcode{
				cu.ACONST_NULL,
				cu.DUP, cu.ASTORE, cu.ALOAD, cu.INVOKESTATIC,
				cu.ATHROW,
			},
		},
		{
			name: "line",
			action: wt.Action("onLine", "(I)V",
				wt.OnMethod("demo.Service", "", wt.At(probe.Line, probe.Before, wt.OnLine(10)))),
			target: runMethod(
				cu.Label(0),
				cu.LineNumber(9, 0),
				cu.Label(1),
				cu.LineNumber(10, 1),
				cu.Insn(cu.RETURN)),
			want: []cu.Opcode{cu.BIPUSH, cu.INVOKESTATIC, cu.RETURN},
		},
		{
			name: "monitor enter after",
			action: wt.Action("onLock", "(Ljava/lang/Object;)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.SyncEntry, probe.After))),
			target: runMethod(
				cu.VarInsn(cu.ALOAD, 0),
				cu.Insn(cu.MONITORENTER),
				cu.Insn(cu.RETURN)),
			want: []cu.Opcode{
				cu.ALOAD,
				cu.DUP, cu.ASTORE,
				cu.MONITORENTER,
				cu.ALOAD, cu.INVOKESTATIC,
				cu.RETURN,
			},
		},
		{
			name: "synchronized static method",
			action: wt.Action("onLock", "(Ljava/lang/Object;)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.SyncEntry, probe.Before))),
			target: wt.Method(cu.AccPublic|cu.AccStatic|cu.AccSynchronized, "run", "()V", 0, 0,
				cu.Insn(cu.RETURN)),
			want: []cu.Opcode{cu.LDC, cu.INVOKESTATIC, cu.RETURN},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins := load(t, wt.ProbeUnit("traces/Kinds", tt.action))
			res := run(t, ins, wt.TargetUnit(service, tt.target))
			require.True(t, res.Changed)

			m := method(t, res.Unit, tt.target.Name, tt.target.Desc)
			assert.Equal(t, tt.want, wt.Ops(m))
			assert.Equal(t, 1, res.Stats.Total())
		})
	}
}

// TestInstrument_SitePositions tests where the call is inserted and which
// values are on the stack for it.
func TestInstrument_SitePositions(t *testing.T) {
	withHandler := func(m cu.Method, tc cu.TryCatch) cu.Method {
		m.TryCatch = []cu.TryCatch{tc}
		return m
	}

	tests := []struct {
		name     string
		action   cu.Method
		target   cu.Method
		want     []cu.Instruction
		tryCatch []cu.TryCatch
	}{
		{
			name: "catch",
			action: wt.Action("onCatch", "(Ljava/io/IOException;)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.Catch, probe.Before))),
			target: withHandler(runMethod(
				cu.Label(0),
				cu.Insn(cu.ACONST_NULL),
				cu.Insn(cu.ATHROW),
				cu.Label(1),
				cu.Label(2),
				cu.Insn(cu.POP),
				cu.Insn(cu.RETURN)),
				cu.TryCatch{Start: 0, End: 1, Handler: 2, Type: "java/io/IOException"}),
			want: []cu.Instruction{
				cu.Label(0),
				cu.Insn(cu.ACONST_NULL),
				cu.Insn(cu.ATHROW),
				cu.Label(1),
				cu.Label(2),
				cu.Insn(cu.DUP),
				cu.VarInsn(cu.ASTORE, 1),
				cu.VarInsn(cu.ALOAD, 1),
				invokeAction("traces/Sites", "onCatch", "(Ljava/io/IOException;)V"),
				cu.Insn(cu.POP),
				cu.Insn(cu.RETURN),
			},
			tryCatch: []cu.TryCatch{{Start: 0, End: 1, Handler: 2, Type: "java/io/IOException"}},
		},
		{
			name: "monitor exit before",
			action: wt.Action("onUnlock", "(Ljava/lang/Object;)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.SyncExit, probe.Before))),
			target: runMethod(
				cu.VarInsn(cu.ALOAD, 0),
				cu.Insn(cu.MONITOREXIT),
				cu.Insn(cu.RETURN)),
			want: []cu.Instruction{
				cu.VarInsn(cu.ALOAD, 0),
				cu.Insn(cu.DUP),
				cu.VarInsn(cu.ASTORE, 1),
				cu.VarInsn(cu.ALOAD, 1),
				invokeAction("traces/Sites", "onUnlock", "(Ljava/lang/Object;)V"),
				cu.Insn(cu.MONITOREXIT),
				cu.Insn(cu.RETURN),
			},
		},
		{
			name: "synchronized method exit",
			action: wt.Action("onUnlock", "(Ljava/lang/Object;)V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.SyncExit, probe.Before))),
			target: wt.Method(cu.AccPublic|cu.AccSynchronized, "run", "()V", 0, 1,
				cu.Insn(cu.RETURN)),
			want: []cu.Instruction{
				cu.Label(0),
				cu.VarInsn(cu.ALOAD, 0),
				invokeAction("traces/Sites", "onUnlock", "(Ljava/lang/Object;)V"),
				cu.Insn(cu.RETURN),
				cu.Label(1),
				cu.Label(2),
				cu.VarInsn(cu.ALOAD, 0),
				invokeAction("traces/Sites", "onUnlock", "(Ljava/lang/Object;)V"),
				cu.Insn(cu.ATHROW),
			},
			tryCatch: []cu.TryCatch{{Start: 0, End: 1, Handler: 2}},
		},
		{
			name: "field set after with instance",
			action: wt.WithParams(
				wt.Action("onSet", "(Ljava/lang/Object;I)V",
					wt.OnMethod("demo.Service", "run", wt.At(probe.FieldSet, probe.After, wt.Target("demo.Service", "count")))),
				wt.Role(probe.TargetInstanceDesc), nil),
			target: runMethod(
				cu.VarInsn(cu.ALOAD, 0),
				cu.Insn(cu.ICONST_1),
				cu.FieldInsn(cu.PUTFIELD, service, "count", "I"),
				cu.Insn(cu.RETURN)),
			want: []cu.Instruction{
				cu.VarInsn(cu.ALOAD, 0),
				cu.Insn(cu.ICONST_1),
				cu.VarInsn(cu.ISTORE, 1), // value
				cu.Insn(cu.DUP),
				cu.VarInsn(cu.ASTORE, 2), // receiver
				cu.VarInsn(cu.ILOAD, 1),
				cu.FieldInsn(cu.PUTFIELD, service, "count", "I"),
				cu.VarInsn(cu.ALOAD, 2),
				cu.VarInsn(cu.ILOAD, 1),
				invokeAction("traces/Sites", "onSet", "(Ljava/lang/Object;I)V"),
				cu.Insn(cu.RETURN),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins := load(t, wt.ProbeUnit("traces/Sites", tt.action))
			res := run(t, ins, wt.TargetUnit(service, tt.target))
			require.True(t, res.Changed)

			m := method(t, res.Unit, tt.target.Name, tt.target.Desc)
			if diff := cmp.Diff(tt.want, m.Code); diff != "" {
				t.Errorf("code mismatch (-want +got):\n%s", diff)
			}
			if len(tt.tryCatch) == 0 {
				assert.Empty(t, m.TryCatch)
			} else {
				assert.Equal(t, tt.tryCatch, m.TryCatch)
			}
		})
	}
}

// TestInstrument_Wildcard tests the Object[] snapshot of the whole
// context and the any-type rewrite of the action descriptor.
func TestInstrument_Wildcard(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/Any",
		wt.Action("onRun", "([Lprobeweaver/AnyType;)V", wt.OnMethod("demo.Service", "run"))))

	target := wt.TargetUnit(service,
		wt.Method(cu.AccPublic, "run", "(ILjava/lang/String;)V", 0, 3, cu.Insn(cu.RETURN)))
	res := run(t, ins, target)
	require.True(t, res.Changed)

	m := method(t, res.Unit, "run", "(ILjava/lang/String;)V")
	want := []cu.Instruction{
		cu.Insn(cu.ICONST_2),
		cu.TypeInsn(cu.ANEWARRAY, "java/lang/Object"),
		cu.Insn(cu.DUP),
		cu.Insn(cu.ICONST_0),
		cu.VarInsn(cu.ILOAD, 1),
		cu.MethodInsn(cu.INVOKESTATIC, "java/lang/Integer", "valueOf", "(I)Ljava/lang/Integer;"),
		cu.Insn(cu.AASTORE),
		cu.Insn(cu.DUP),
		cu.Insn(cu.ICONST_1),
		cu.VarInsn(cu.ALOAD, 2),
		cu.Insn(cu.AASTORE),
		invokeAction("traces/Any", "onRun", "([Ljava/lang/Object;)V"),
		cu.Insn(cu.RETURN),
	}
	if diff := cmp.Diff(want, m.Code); diff != "" {
		t.Errorf("run code mismatch (-want +got):\n%s", diff)
	}
	method(t, res.Unit, "$weaver$traces$Any$onRun", "([Ljava/lang/Object;)V")
}

// TestInstrument_AnnotationPatterns tests "@Anno" unit and member
// patterns.
func TestInstrument_AnnotationPatterns(t *testing.T) {
	ins := load(t, wt.ProbeUnit("traces/Anno",
		wt.Action("onRun", "()V", wt.OnMethod("@demo.Traced", "@demo.Hot"))))

	hot := runMethod(cu.Insn(cu.RETURN))
	hot.Annotations = []cu.Annotation{{Desc: "Ldemo/Hot;"}}
	cold := wt.Method(cu.AccPublic, "idle", "()V", 0, 1, cu.Insn(cu.RETURN))
	target := wt.TargetUnit(service, hot, cold)
	target.Annotations = []cu.Annotation{{Desc: "Ldemo/Traced;"}}

	res := run(t, ins, target)
	require.True(t, res.Changed)
	assert.Equal(t, 1, res.Stats.MethodsInstrumented)
	assert.Equal(t, []cu.Opcode{cu.INVOKESTATIC, cu.RETURN}, wt.Ops(method(t, res.Unit, "run", "()V")))
	assert.Equal(t, []cu.Opcode{cu.RETURN}, wt.Ops(method(t, res.Unit, "idle", "()V")))
}

// TestInstrument_MergeTransitive tests that actions called by merged
// actions are merged too, while helper calls stay on the probe unit.
func TestInstrument_MergeTransitive(t *testing.T) {
	p := wt.ProbeUnit("traces/Chain",
		wt.WithCode(wt.Action("onRun", "()V", wt.OnMethod("demo.Service", "run")), 0,
			cu.MethodInsn(cu.INVOKESTATIC, "traces/Chain", "onOther", "()V"),
			cu.MethodInsn(cu.INVOKESTATIC, "traces/Chain", "helper", "()V"),
			cu.Insn(cu.RETURN)),
		wt.Action("onOther", "()V", wt.OnMethod("demo.Nothing", "never")),
		wt.Action("helper", "()V"),
	)
	ins := load(t, p)

	res := run(t, ins, wt.TargetUnit(service, runMethod(cu.Insn(cu.RETURN))))
	require.True(t, res.Changed)
	assert.Equal(t, 2, res.Stats.ActionsMerged)

	merged := method(t, res.Unit, "$weaver$traces$Chain$onRun", "()V")
	assert.Equal(t, []cu.Instruction{
		cu.MethodInsn(cu.INVOKESTATIC, service, "$weaver$traces$Chain$onOther", "()V"),
		cu.MethodInsn(cu.INVOKESTATIC, "traces/Chain", "helper", "()V"),
		cu.Insn(cu.RETURN),
	}, merged.Code)
	method(t, res.Unit, "$weaver$traces$Chain$onOther", "()V")
	assert.Nil(t, res.Unit.Method("$weaver$traces$Chain$helper", "()V"))
}

// TestInstrument_MissingAction tests the EmissionError for a probe table
// that does not belong to the probe unit.
func TestInstrument_MissingAction(t *testing.T) {
	res, err := verifier.VerifyUnit(wt.ProbeUnit("traces/Entry",
		wt.Action("onRun", "()V", wt.OnMethod("demo.Service", "run"))), false)
	require.NoError(t, err)

	ins := New(wt.ProbeUnit("traces/Entry"), res.Probes)
	target := wt.TargetUnit(service, runMethod(cu.Insn(cu.RETURN)))
	_, err = ins.Instrument(wt.MustEncode(target), target.Name, nil)
	require.Error(t, err)

	var ee *EmissionError
	require.True(t, errors.As(err, &ee))
	assert.True(t, errors.Is(err, ErrMissingAction))
	assert.Equal(t, "demo.Service", ee.Unit)
	assert.Equal(t, "onRun()V", ee.Method)
	assert.Contains(t, err.Error(), "Suggestion:")
	assert.False(t, ins.HasMatch())
}

// TestInstrument_BadInput tests that undecodable bytes are reported with
// TestInstrument_Hierarchy tests that units referenced only by name are
// resolved through the hierarchy, both for owner patterns and for
// argument binding.
func TestInstrument_Hierarchy(t *testing.T) {
	reg := pattern.NewRegistry()
	reg.Add(pattern.ClassInfo{Name: "demo/Task", Super: "java/lang/Object", Interfaces: []string{"java/lang/Runnable"}})

	t.Run("call owner", func(t *testing.T) {
		ins := load(t, wt.ProbeUnit("traces/Calls",
			wt.Action("onCall", "()V",
				wt.OnMethod("demo.Service", "run", wt.At(probe.Call, probe.Before, wt.Target("+java.lang.Runnable", "run"))))))
		target := wt.TargetUnit(service, runMethod(
			cu.MethodInsn(cu.INVOKESTATIC, "demo/Task", "run", "()V"),
			cu.Insn(cu.RETURN)))

		res, err := ins.Instrument(wt.MustEncode(target), target.Name, nil)
		require.NoError(t, err)
		assert.False(t, res.Changed)

		res, err = ins.Instrument(wt.MustEncode(target), target.Name, reg)
		require.NoError(t, err)
		require.True(t, res.Changed)
		assert.Equal(t, []cu.Instruction{
			invokeAction("traces/Calls", "onCall", "()V"),
			cu.MethodInsn(cu.INVOKESTATIC, "demo/Task", "run", "()V"),
			cu.Insn(cu.RETURN),
		}, method(t, res.Unit, "run", "()V").Code)
	})

	t.Run("argument binding", func(t *testing.T) {
		ins := load(t, wt.ProbeUnit("traces/Args",
			wt.Action("onRun", "(Ljava/lang/Runnable;)V", wt.OnMethod("demo.Service", "run"))))
		target := wt.TargetUnit(service,
			wt.Method(cu.AccPublic, "run", "(Ldemo/Task;)V", 0, 2, cu.Insn(cu.RETURN)))

		res, err := ins.Instrument(wt.MustEncode(target), target.Name, nil)
		require.NoError(t, err)
		assert.False(t, res.Changed)

		res, err = ins.Instrument(wt.MustEncode(target), target.Name, reg)
		require.NoError(t, err)
		require.True(t, res.Changed)
		assert.Equal(t, []cu.Instruction{
			cu.VarInsn(cu.ALOAD, 1),
			invokeAction("traces/Args", "onRun", "(Ljava/lang/Runnable;)V"),
			cu.Insn(cu.RETURN),
		}, method(t, res.Unit, "run", "(Ldemo/Task;)V").Code)
	})
}

// the hint.
func TestInstrument_BadInput(t *testing.T) {
	ins := New(wt.ProbeUnit("traces/Empty"), nil)
	_, err := ins.Instrument([]byte("garbage"), "demo.Broken", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "demo.Broken")
}

// TestIsAction tests action recognition.
func TestIsAction(t *testing.T) {
	assert.True(t, IsAction(&cu.Method{Annotations: []cu.Annotation{wt.OnMethod("a.B", "c")}}))
	assert.True(t, IsAction(&cu.Method{Annotations: []cu.Annotation{wt.OnProbe("ns", "p")}}))
	assert.False(t, IsAction(&cu.Method{}))
}

// TestSlotAllocator tests the freeze discipline.
func TestSlotAllocator(t *testing.T) {
	s := newSlotAllocator(3)
	assert.True(t, s.frozen())

	_, err := s.newLocal(typedesc.Int)
	assert.ErrorIs(t, err, ErrSlotsFrozen)

	require.NoError(t, s.thaw())
	assert.ErrorIs(t, s.thaw(), ErrSiteOpen)

	slot, err := s.newLocal(typedesc.Long)
	require.NoError(t, err)
	assert.Equal(t, 3, slot)
	slot, err = s.newLocal(typedesc.Int)
	require.NoError(t, err)
	assert.Equal(t, 5, slot)

	_, err = s.newLocal(typedesc.Void)
	assert.Error(t, err)

	s.freeze()
	assert.True(t, s.frozen())
	assert.Equal(t, 6, s.maxLocals(4))
	assert.Equal(t, 10, s.maxLocals(10))
}

// TestStackEffect tests stack accounting of injected instructions.
func TestStackEffect(t *testing.T) {
	tests := []struct {
		in   cu.Instruction
		want int
	}{
		{cu.Insn(cu.DUP), 1},
		{cu.Insn(cu.DUP2), 2},
		{cu.VarInsn(cu.LLOAD, 1), 2},
		{cu.VarInsn(cu.LSTORE, 1), -2},
		{cu.Insn(cu.AASTORE), -3},
		{cu.LdcString("x"), 1},
		{cu.Label(0), 0},
		{cu.MethodInsn(cu.INVOKESTATIC, "a/B", "c", "(JI)V"), -3},
		{cu.MethodInsn(cu.INVOKEVIRTUAL, "a/B", "c", "()J"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.in.Op.String(), func(t *testing.T) {
			got, err := stackEffect(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := stackEffect(cu.Insn(cu.IADD))
	assert.ErrorIs(t, err, cu.ErrInconsistentCode)
}

// TestEmitter_Peak tests that the peak depth is relative to the site.
func TestEmitter_Peak(t *testing.T) {
	w := cu.NewWriter()
	require.NoError(t, w.VisitHeader(cu.Header{Name: "a/B"}))
	mv, err := w.VisitMethod(cu.MethodInfo{Name: "m", Desc: "()V"})
	require.NoError(t, err)

	e := emitter{next: mv}
	e.reset(1)
	require.NoError(t, e.emitAll(cu.Insn(cu.DUP), cu.VarInsn(cu.ASTORE, 0)))
	assert.Equal(t, 2, e.peak)
	e.reset(0)
	require.NoError(t, e.emitAll(cu.Insn(cu.LCONST_0), cu.VarInsn(cu.LSTORE, 1)))
	assert.Equal(t, 2, e.peak)
	require.NoError(t, e.pushDefault(typedesc.ObjectArray))
	require.NoError(t, e.box(typedesc.String))
	assert.Equal(t, 1, e.depth)
}

// TestEmissionError_Format tests the error text.
func TestEmissionError_Format(t *testing.T) {
	err := &EmissionError{Unit: "demo.Service", Method: "run()V", Err: ErrSiteOpen, Suggestion: suggestionFor(ErrSiteOpen)}
	assert.Contains(t, err.Error(), "demo.Service.run()V: emission failed: injection site still open")
	assert.Contains(t, err.Error(), "\n\nSuggestion: ")
	assert.ErrorIs(t, err, ErrSiteOpen)

	plain := &EmissionError{Unit: "demo.Service", Err: errors.New("boom")}
	assert.Equal(t, "demo.Service: emission failed: boom", plain.Error())
}

// TestStats_String tests the summary line.
func TestStats_String(t *testing.T) {
	var s Stats
	s.inject(probe.Return)
	s.inject(probe.Entry)
	s.inject(probe.Return)
	s.MethodsVisited = 5
	s.MethodsInstrumented = 2
	s.ActionsMerged = 2

	assert.Equal(t, 3, s.Total())
	assert.Equal(t, "3 actions injected (ENTRY=1 RETURN=2), 2/5 methods instrumented, 2 actions merged", s.String())
}
