package weaver_test

import (
	"fmt"

	"github.com/kolkov/probeweaver/weaver"
)

const probeYAML = `
name: traces/Entry
access: public
super: java/lang/Object
annotations:
  - desc: Lprobeweaver/annotations/Probe;
methods:
  - access: public static
    name: onRun
    desc: ()V
    annotations:
      - desc: Lprobeweaver/annotations/OnMethod;
        elements:
          - name: clazz
            value: {string: demo.Service}
          - name: method
            value: {string: run}
    code:
      - op: return
`

const serviceYAML = `
name: demo/Service
access: public
super: java/lang/Object
methods:
  - access: public
    name: run
    desc: ()V
    max_locals: 1
    code:
      - op: return
`

// Example weaves an entry probe into a service unit.
func Example() {
	probeUnit, err := weaver.Assemble([]byte(probeYAML))
	if err != nil {
		panic(err)
	}
	target, err := weaver.Assemble([]byte(serviceYAML))
	if err != nil {
		panic(err)
	}

	res, err := weaver.Instrument(probeUnit, target, "demo.Service")
	if err != nil {
		panic(err)
	}
	fmt.Println("changed:", res.Changed)
	for _, in := range res.Unit.Method("run", "()V").Code {
		if in.Owner != "" {
			fmt.Printf("%s %s.%s%s\n", in.Op, in.Owner, in.Name, in.Desc)
			continue
		}
		fmt.Println(in.Op)
	}
	// Output:
	// changed: true
	// invokestatic demo/Service.$weaver$traces$Entry$onRun()V
	// return
}

// ExampleVerify lists the probes of a probe unit.
func ExampleVerify() {
	probeUnit, err := weaver.Assemble([]byte(probeYAML))
	if err != nil {
		panic(err)
	}
	res, err := weaver.Verify(probeUnit, false)
	if err != nil {
		panic(err)
	}
	fmt.Println(res.ClassName)
	for _, p := range res.Probes {
		fmt.Println(p)
	}
	// Output:
	// traces.Entry
	// onRun()V -> demo.Service::run [ENTRY/BEFORE]
}

// ExampleGetInfo prints version information.
func ExampleGetInfo() {
	info := weaver.GetInfo()
	fmt.Printf("probeweaver %s (format %s)\n", info.Version, info.FormatVersion)
	// Output: probeweaver 0.3.0 (format v1.2.0)
}
