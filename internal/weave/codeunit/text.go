package codeunit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var accessNames = []struct {
	flag Access
	name string
}{
	{AccPublic, "public"},
	{AccPrivate, "private"},
	{AccProtected, "protected"},
	{AccStatic, "static"},
	{AccFinal, "final"},
	{AccSynchronized, "synchronized"},
	{AccVolatile, "volatile"},
	{AccTransient, "transient"},
	{AccNative, "native"},
	{AccInterface, "interface"},
	{AccAbstract, "abstract"},
	{AccSynthetic, "synthetic"},
	{AccAnnotation, "annotation"},
	{AccEnum, "enum"},
}

// String renders the flags as space separated keywords.
// 0x0020 renders as "synchronized" whatever the declaration kind.
func (a Access) String() string {
	var parts []string
	rest := a
	for _, n := range accessNames {
		if a.Has(n.flag) {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%04x", uint32(rest)))
	}
	return strings.Join(parts, " ")
}

// ParseAccess parses keywords as produced by Access.String. Hex values are
// accepted for flags without keywords.
func ParseAccess(s string) (Access, error) {
	var a Access
	for _, word := range strings.Fields(s) {
		found := false
		for _, n := range accessNames {
			if n.name == word {
				a |= n.flag
				found = true
				break
			}
		}
		if found {
			continue
		}
		v, err := strconv.ParseUint(word, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("unknown access flag %q", word)
		}
		a |= Access(v)
	}
	return a, nil
}

// MarshalYAML writes the flags as keywords.
func (a Access) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}

// UnmarshalYAML reads keywords.
func (a *Access) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseAccess(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*a = parsed
	return nil
}

// MarshalText renders a unit in its YAML text form.
func MarshalText(u *Unit) ([]byte, error) {
	cp := *u
	if cp.Format == "" {
		cp.Format = FormatVersion
	}
	out, err := yaml.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("failed to render unit %s: %w", u.Name, err)
	}
	return out, nil
}

// UnmarshalText parses the YAML text form of a unit.
func UnmarshalText(data []byte) (*Unit, error) {
	var u Unit
	if err := yaml.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to parse unit text: %w", err)
	}
	if u.Format == "" {
		u.Format = FormatVersion
	}
	if err := CheckFormat(u.Format); err != nil {
		return nil, err
	}
	if u.Name == "" {
		return nil, fmt.Errorf("failed to parse unit text: missing name")
	}
	return &u, nil
}

// Summary returns a short human readable listing of a unit's members,
// sorted by kind then name.
func Summary(u *Unit) string {
	var lines []string
	for _, f := range u.Fields {
		lines = append(lines, fmt.Sprintf("  field  %s %s %s", f.Access, f.Name, f.Desc))
	}
	var methods []string
	for _, m := range u.Methods {
		methods = append(methods, fmt.Sprintf("  method %s %s%s (%d insns)", m.Access, m.Name, m.Desc, len(m.Code)))
	}
	sort.Strings(methods)
	lines = append(lines, methods...)
	header := fmt.Sprintf("%s %s extends %s", u.Access, u.Name, u.Super)
	if len(u.Interfaces) > 0 {
		header += " implements " + strings.Join(u.Interfaces, ", ")
	}
	return header + "\n" + strings.Join(lines, "\n")
}
