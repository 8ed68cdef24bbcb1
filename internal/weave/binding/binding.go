// Package binding aligns the declared parameters of a probe action with the
// context values an injection site makes available.
//
// Parameters carrying a role annotation (@Self, @Return, @Duration, ...)
// are bound by role and never take part in positional alignment. The
// remaining parameters are aligned with the site's available values in
// order:
//
//	action  onCall(@Self Object self, String s, int n)
//	site    CALL foo(String,int)  available [String, int]
//	result  available[0] -> param 1, available[1] -> param 2
//
// A single remaining parameter of the any-type array type instead receives
// every available value, boxed into an Object[] (wildcard mode).
//
// A mismatch is a normal outcome: one probe table is matched against many
// sites and most pairs legitimately do not fit. Validate therefore reports
// it through Result.Valid rather than an error.
package binding

import (
	"github.com/kolkov/probeweaver/internal/weave/probe"
	"github.com/kolkov/probeweaver/internal/weave/typedesc"
)

// Site describes the context an injection site offers to an action.
type Site struct {
	// Static reports that the enclosing method has no receiver, so @Self
	// cannot bind.
	Static bool

	// SelfType is the type of the enclosing unit.
	SelfType typedesc.Type

	// ReturnType is the type of the post-value; zero when the site has none.
	ReturnType typedesc.Type

	// Available lists the positional context values of the site.
	Available []typedesc.Type

	// Assignable optionally reports whether values of internal type from
	// are assignable to internal type to. It widens reference compatibility
	// beyond identity when type hierarchy information is available.
	Assignable func(from, to string) bool
}

// Result is the outcome of aligning one action with one site.
//
// Thread Safety: Immutable after creation.
type Result struct {
	valid bool
	any   bool

	// params[i] is the declared parameter index bound to available value i,
	// or -1. In wildcard mode params has one element, the wildcard
	// parameter.
	params []int
}

// Invalid is the result of a failed alignment.
var Invalid = Result{}

// Valid reports whether the action can be called at the site.
func (r Result) Valid() bool { return r.valid }

// IsAny reports wildcard mode.
func (r Result) IsAny() bool { return r.any }

// Count returns the number of aligned available values.
func (r Result) Count() int { return len(r.params) }

// Param returns the declared parameter index bound to available value i, or
// probe.NoRole when value i is not passed to the action.
func (r Result) Param(i int) int {
	if i < 0 || i >= len(r.params) {
		return probe.NoRole
	}
	return r.params[i]
}

// WildcardParam returns the index of the wildcard parameter, or
// probe.NoRole outside wildcard mode.
func (r Result) WildcardParam() int {
	if !r.any {
		return probe.NoRole
	}
	return r.params[0]
}

// Validate aligns the action of d with site.
//
// Rules:
//   - @Self requires a non-static site and a type compatible with SelfType
//   - @Return requires a non-void post-value of a compatible type
//   - @Duration requires long
//   - @TargetInstance requires a parameter accepting java.lang.Object
//   - @TargetMethodOrField, @ProbeClassName and @ProbeMethodName require
//     a parameter accepting java.lang.String
//   - no remaining parameters: valid, the context is not passed
//   - exactly one remaining parameter of the any-type array: wildcard mode
//   - otherwise counts must match and each pair must be Compatible
//
// Example:
//
//	r := binding.Validate(d, binding.Site{
//	    SelfType:  typedesc.ObjectType("demo/Service"),
//	    Available: []typedesc.Type{typedesc.String, typedesc.Int},
//	})
//	if r.Valid() {
//	    // r.Param(0), r.Param(1) are the declared indexes
//	}
func Validate(d *probe.Descriptor, site Site) Result {
	params, err := typedesc.ArgumentTypes(d.TargetDescriptor)
	if err != nil {
		return Invalid
	}
	if !rolesFit(d.Roles, params, site) {
		return Invalid
	}

	var positional []int
	for i := range params {
		if !d.Roles.IsRole(i) {
			positional = append(positional, i)
		}
	}

	switch {
	case len(positional) == 0:
		return Result{valid: true}
	case len(positional) == 1 && typedesc.IsAnyTypeArray(params[positional[0]]):
		return Result{valid: true, any: true, params: []int{positional[0]}}
	case len(positional) != len(site.Available):
		return Invalid
	}
	for i, p := range positional {
		if !compatible(params[p], site.Available[i], site.Assignable) {
			return Invalid
		}
	}
	return Result{valid: true, params: positional}
}

func rolesFit(r probe.Roles, params []typedesc.Type, site Site) bool {
	param := func(i int) (typedesc.Type, bool) {
		if i < 0 || i >= len(params) {
			return typedesc.Type{}, false
		}
		return params[i], true
	}
	accepts := func(i int, avail typedesc.Type) bool {
		if i == probe.NoRole {
			return true
		}
		t, ok := param(i)
		return ok && compatible(t, avail, site.Assignable)
	}

	if r.Self != probe.NoRole && site.Static {
		return false
	}
	if !accepts(r.Self, site.SelfType) {
		return false
	}
	if r.Return != probe.NoRole {
		if site.ReturnType.IsZero() || site.ReturnType == typedesc.Void {
			return false
		}
		if !accepts(r.Return, site.ReturnType) {
			return false
		}
	}
	if r.Duration != probe.NoRole {
		t, ok := param(r.Duration)
		if !ok || t != typedesc.Long {
			return false
		}
	}
	return accepts(r.TargetInstance, typedesc.Object) &&
		accepts(r.TargetMember, typedesc.String) &&
		accepts(r.ProbeClassName, typedesc.String) &&
		accepts(r.ProbeMethodName, typedesc.String)
}

// Compatible reports whether a value of type avail may be passed to a
// parameter declared as decl.
//
// Accepted pairs:
//   - identical types
//   - the any-type marker declared: any value, primitives are boxed
//   - java.lang.Object declared: any reference
//   - java.lang.Object[] declared: any reference array
//
// Primitive widening is not applied; probe actions declare the exact
// primitive type.
func Compatible(decl, avail typedesc.Type) bool {
	return compatible(decl, avail, nil)
}

func compatible(decl, avail typedesc.Type, assignable func(from, to string) bool) bool {
	switch {
	case decl == avail:
		return true
	case typedesc.IsAnyType(decl):
		return avail.Sort() != typedesc.SortVoid
	case decl == typedesc.Object:
		return avail.IsReference()
	case decl == typedesc.ObjectArray:
		return avail.Sort() == typedesc.SortArray &&
			(avail.Dimensions() > 1 || avail.ElementType().IsReference())
	case assignable != nil && decl.IsReference() && avail.IsReference():
		return assignable(avail.InternalName(), decl.InternalName())
	}
	return false
}

// NeedsBoxing reports whether a value of type avail must be boxed before
// it is passed to a parameter declared as decl.
func NeedsBoxing(decl, avail typedesc.Type) bool {
	return typedesc.IsAnyType(decl) && avail.IsPrimitive()
}
