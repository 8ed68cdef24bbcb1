// Package weaver provides the public API of the probe weaver: verification
// of probe-definition units and instrumentation of target code units.
//
// # Quick Start
//
// Probe units and target units are usually authored in their YAML text
// form and assembled with the probeweaver tool:
//
//	$ probeweaver assemble traces.yaml -o traces.pwu
//	$ probeweaver verify traces.pwu
//	$ probeweaver instrument --probe traces.pwu --out woven/ Service.pwu
//
// The same steps from Go:
//
//	probeBytes, _ := weaver.Assemble(probeYAML)
//	ins, err := weaver.New(probeBytes, false)
//	if err != nil {
//		return err
//	}
//	res, err := ins.Instrument(targetBytes, "demo.Service", nil)
//	if err != nil {
//		return err
//	}
//	if res.Changed {
//		os.WriteFile("Service.pwu", res.Bytes, 0o644)
//	}
//
// # Probe Units
//
// A probe-definition unit carries the @Probe marker annotation and public
// static void actions annotated with @OnMethod. Each @OnMethod names the
// units (clazz), the members (method, type), and the Location where the
// action is called:
//
//	ENTRY, RETURN, THROW, CATCH, ERROR         method boundaries
//	CALL, FIELD_GET, FIELD_SET                 member access
//	ARRAY_GET, ARRAY_SET, NEW, NEWARRAY        allocation and arrays
//	CHECKCAST, INSTANCEOF                      type tests
//	LINE, SYNC_ENTRY, SYNC_EXIT                lines and monitors
//
// Action parameters bind positionally to the values of the event. Role
// annotations (@Self, @Return, @Duration, @TargetInstance,
// @TargetMethodOrField, @ProbeClassName, @ProbeMethodName) bind the
// special values instead.
//
// # Safety
//
// Verify rejects probe units whose actions could change the behavior of
// the instrumented program: loops, allocation, field writes, calls outside
// an allow list, and so on. Unsafe probe units are accepted only when
// allowUnsafe is set.
//
// # Output
//
// Instrumented units call private static copies of the actions, merged
// into the unit under "$weaver$" names. A unit that no probe binds to is
// returned byte for byte.
//
// For sessions over many probe and target units, with exclusion lists,
// alias files, caching, and concurrency, use the probeweaver command.
package weaver
