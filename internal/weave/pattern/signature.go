package pattern

import (
	"github.com/kolkov/probeweaver/internal/weave/typedesc"
)

// TypeMatches reports whether a member descriptor is compatible with a
// probe type declaration: an empty declaration matches anything; otherwise
// both must have the same arity and each declared argument must be
// identical to the actual one or the AnyType wildcard. Return types are not
// compared. A malformed declaration never matches.
func TypeMatches(decl, desc string) bool {
	if decl == "" {
		return true
	}
	declDesc, err := typedesc.DeclarationToDescriptor(decl)
	if err != nil {
		return false
	}
	want, err := typedesc.ArgumentTypes(declDesc)
	if err != nil {
		return false
	}
	got, err := typedesc.ArgumentTypes(desc)
	if err != nil {
		return false
	}
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != got[i] && !typedesc.IsAnyType(want[i]) {
			return false
		}
	}
	return true
}
