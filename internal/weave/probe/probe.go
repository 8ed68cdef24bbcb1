// Package probe defines the probe model: where a probe fires (Location),
// which target units and members it applies to, and how the parameters of
// its action are bound to the context of an injection site (Roles).
//
// Descriptors are produced by the verifier from a probe-definition unit and
// are immutable afterwards. One probe table is shared read-only by every
// instrumentation pass that uses it.
package probe

import (
	"fmt"
	"strings"
)

// Annotation descriptors recognised in probe-definition units.
const (
	// AnnotationPrefix is the descriptor prefix of every probe annotation.
	AnnotationPrefix = "Lprobeweaver/annotations/"

	// MarkerDesc marks a unit as a probe-definition unit. Element "unsafe"
	// requests unsafe mode.
	MarkerDesc = AnnotationPrefix + "Probe;"

	OnMethodDesc = AnnotationPrefix + "OnMethod;"
	OnProbeDesc  = AnnotationPrefix + "OnProbe;"
	LocationDesc = AnnotationPrefix + "Location;"
	KindDesc     = AnnotationPrefix + "Kind;"
	WhereDesc    = AnnotationPrefix + "Where;"

	SelfDesc                = AnnotationPrefix + "Self;"
	ReturnDesc              = AnnotationPrefix + "Return;"
	DurationDesc            = AnnotationPrefix + "Duration;"
	TargetInstanceDesc      = AnnotationPrefix + "TargetInstance;"
	TargetMethodOrFieldDesc = AnnotationPrefix + "TargetMethodOrField;"
	ProbeClassNameDesc      = AnnotationPrefix + "ProbeClassName;"
	ProbeMethodNameDesc     = AnnotationPrefix + "ProbeMethodName;"
)

// ActionPrefix starts the name of every member the engine adds to a target
// unit. Target methods carrying it are never instrumented.
const ActionPrefix = "$weaver$"

// TimestampHelper is the name of the synthesized duration timestamp
// accessor; its descriptor is TimestampHelperDesc.
const (
	TimestampHelper     = ActionPrefix + "timestamp"
	TimestampHelperDesc = "()J"
)

// ActionName returns the name under which an action of the probe unit
// probeUnit (internal name) is merged into target units.
//
// Without '$' in either name, '/' flattens to '$'. Otherwise '$' is
// written as "$$" and '/' as "$_", so the result contains "$$" and never
// equals a flattened name. Distinct pairs get distinct names.
//
// Example:
//
//	ActionName("traces/Latency", "onReturn") // "$weaver$traces$Latency$onReturn"
//	ActionName("traces/Web$1", "onReturn")   // "$weaver$traces$_Web$$1$_onReturn"
func ActionName(probeUnit, action string) string {
	full := probeUnit + "/" + action
	if !strings.Contains(full, "$") {
		return ActionPrefix + strings.ReplaceAll(full, "/", "$")
	}
	return ActionPrefix + actionEscaper.Replace(full)
}

var actionEscaper = strings.NewReplacer("$", "$$", "/", "$_")

// Kind is the category of program event a probe reacts to.
type Kind int

// Kinds.
const (
	Entry Kind = iota
	Return
	Throw
	Catch
	Call
	FieldGet
	FieldSet
	ArrayGet
	ArraySet
	New
	NewArray
	Checkcast
	Instanceof
	Line
	SyncEntry
	SyncExit
	Error
)

var kindNames = [...]string{
	Entry:      "ENTRY",
	Return:     "RETURN",
	Throw:      "THROW",
	Catch:      "CATCH",
	Call:       "CALL",
	FieldGet:   "FIELD_GET",
	FieldSet:   "FIELD_SET",
	ArrayGet:   "ARRAY_GET",
	ArraySet:   "ARRAY_SET",
	New:        "NEW",
	NewArray:   "NEWARRAY",
	Checkcast:  "CHECKCAST",
	Instanceof: "INSTANCEOF",
	Line:       "LINE",
	SyncEntry:  "SYNC_ENTRY",
	SyncExit:   "SYNC_EXIT",
	Error:      "ERROR",
}

// Kinds returns all kinds in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i := range kindNames {
		out[i] = Kind(i)
	}
	return out
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind parses a kind name such as "FIELD_GET".
func ParseKind(s string) (Kind, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown probe kind %q", s)
}

// Where places an injection relative to the triggering event.
type Where int

// Where values.
const (
	Before Where = iota
	After
)

func (w Where) String() string {
	if w == After {
		return "AFTER"
	}
	return "BEFORE"
}

// ParseWhere parses "BEFORE" or "AFTER".
func ParseWhere(s string) (Where, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BEFORE", "":
		return Before, nil
	case "AFTER":
		return After, nil
	}
	return 0, fmt.Errorf("unknown probe position %q", s)
}

// AnyLine as Location.Line selects every line.
const AnyLine = -1

// Location says where a probe fires.
//
// Clazz, Method, Type, and Field narrow the event for kinds that have a
// target: the called method for CALL, the accessed field for FIELD_GET and
// FIELD_SET, the allocated or checked type for NEW, NEWARRAY, CHECKCAST,
// and INSTANCEOF. Line selects the line for LINE.
type Location struct {
	Kind   Kind
	Where  Where
	Clazz  string
	Method string
	Type   string
	Field  string
	Line   int
}

// DefaultLocation is method entry on any line.
func DefaultLocation() Location {
	return Location{Kind: Entry, Where: Before, Line: AnyLine}
}

func (l Location) String() string {
	s := l.Kind.String() + "/" + l.Where.String()
	if l.Kind == Line && l.Line != AnyLine {
		s += fmt.Sprintf(":%d", l.Line)
	}
	return s
}

// HasPostValue reports whether the location exposes a post-value that a
// @Return parameter can bind to.
func (l Location) HasPostValue() bool {
	switch l.Kind {
	case Return:
		return true
	case Call, ArrayGet, FieldGet, New, NewArray:
		return l.Where == After
	}
	return false
}

// HasTarget reports whether the location has a called method or accessed
// field that @TargetInstance and @TargetMethodOrField can bind to.
func (l Location) HasTarget() bool {
	switch l.Kind {
	case Call, FieldGet, FieldSet:
		return true
	}
	return false
}

// HasDuration reports whether @Duration can bind at the location.
func (l Location) HasDuration() bool {
	return l.Kind == Return || l.Kind == Error
}

// NoRole marks an absent role parameter.
const NoRole = -1

// Roles maps special context values to declared action parameter indexes.
// Absent roles are NoRole.
type Roles struct {
	Self            int
	Return          int
	Duration        int
	TargetInstance  int
	TargetMember    int
	ProbeClassName  int
	ProbeMethodName int
}

// NoRoles returns Roles with every role absent.
func NoRoles() Roles {
	return Roles{
		Self:            NoRole,
		Return:          NoRole,
		Duration:        NoRole,
		TargetInstance:  NoRole,
		TargetMember:    NoRole,
		ProbeClassName:  NoRole,
		ProbeMethodName: NoRole,
	}
}

func (r Roles) all() []int {
	return []int{r.Self, r.Return, r.Duration, r.TargetInstance, r.TargetMember, r.ProbeClassName, r.ProbeMethodName}
}

// IsRole reports whether declared parameter i is bound by role.
func (r Roles) IsRole(i int) bool {
	for _, idx := range r.all() {
		if idx == i {
			return true
		}
	}
	return false
}

// Count returns the number of role parameters.
func (r Roles) Count() int {
	n := 0
	for _, idx := range r.all() {
		if idx != NoRole {
			n++
		}
	}
	return n
}

// Descriptor is one probe: the trigger and the action it calls.
type Descriptor struct {
	// Clazz, Method, and Type select target units and members.
	// Method empty means the action's own name. Type empty means any
	// signature.
	Clazz  string
	Method string
	Type   string

	Location Location
	Roles    Roles

	// TargetName and TargetDescriptor identify the action method in the
	// probe-definition unit.
	TargetName       string
	TargetDescriptor string

	// TargetMemberFQN reports @TargetMethodOrField values fully qualified;
	// ProbeMethodFQN does the same for @ProbeMethodName.
	TargetMemberFQN bool
	ProbeMethodFQN  bool
}

// MethodPattern returns the member pattern with the default applied.
func (d *Descriptor) MethodPattern() string {
	if d.Method == "" {
		return d.TargetName
	}
	return d.Method
}

// HasSubclassCheck reports whether the class pattern is a supertype pattern.
func (d *Descriptor) HasSubclassCheck() bool {
	return strings.HasPrefix(d.Clazz, "+")
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s%s -> %s::%s [%s]", d.TargetName, d.TargetDescriptor, d.Clazz, d.MethodPattern(), d.Location)
}

// Alias is an OnProbe entry: an action bound to a named probe point that is
// mapped to concrete locations outside the probe-definition unit.
type Alias struct {
	Namespace string
	Name      string

	Roles            Roles
	TargetName       string
	TargetDescriptor string
	TargetMemberFQN  bool
	ProbeMethodFQN   bool
}

// Key returns "namespace:name".
func (a Alias) Key() string {
	return a.Namespace + ":" + a.Name
}

// Bind turns the alias into a Descriptor for one concrete mapping.
func (a Alias) Bind(clazz, method, typ string, loc Location) *Descriptor {
	return &Descriptor{
		Clazz:            clazz,
		Method:           method,
		Type:             typ,
		Location:         loc,
		Roles:            a.Roles,
		TargetName:       a.TargetName,
		TargetDescriptor: a.TargetDescriptor,
		TargetMemberFQN:  a.TargetMemberFQN,
		ProbeMethodFQN:   a.ProbeMethodFQN,
	}
}

// RoleError reports a role parameter that cannot bind at a location.
type RoleError struct {
	Role     string
	Location Location
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("@%s parameter is not allowed for %s", e.Role, e.Location)
}

// CheckRoles validates role parameters against a location.
func CheckRoles(loc Location, r Roles) error {
	if r.Return != NoRole && !loc.HasPostValue() {
		return &RoleError{Role: "Return", Location: loc}
	}
	if r.TargetInstance != NoRole && !loc.HasTarget() {
		return &RoleError{Role: "TargetInstance", Location: loc}
	}
	if r.TargetMember != NoRole && !loc.HasTarget() {
		return &RoleError{Role: "TargetMethodOrField", Location: loc}
	}
	if r.Duration != NoRole && !loc.HasDuration() {
		return &RoleError{Role: "Duration", Location: loc}
	}
	return nil
}
