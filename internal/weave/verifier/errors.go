package verifier

import (
	"errors"
	"fmt"
)

// Rule identifies a verification rule.
type Rule string

// Verification rules.
const (
	RuleNotProbeUnit       Rule = "not.a.probe.unit"
	RuleUnsafeNotAllowed   Rule = "unsafe.not.allowed"
	RuleUnitNotPublic      Rule = "unit.should.be.public"
	RuleInterface          Rule = "no.interface"
	RuleEnum               Rule = "no.enum"
	RuleAbstract           Rule = "no.abstract"
	RuleSuperclass         Rule = "object.superclass.required"
	RuleInterfaces         Rule = "no.interface.implementation"
	RuleOuterClass         Rule = "no.outer.class"
	RuleNestedClass        Rule = "no.nested.class"
	RuleInstanceField      Rule = "no.instance.variables"
	RuleInstanceMethod     Rule = "no.instance.method"
	RuleSynchronizedMethod Rule = "no.synchronized.methods"
	RuleActionNotPublic    Rule = "method.should.be.public"
	RuleActionNotVoid      Rule = "return.type.should.be.void"
	RuleReturnRole         Rule = "return.not.allowed"
	RuleTargetRole         Rule = "target.not.allowed"
	RuleDurationRole       Rule = "duration.not.allowed"
	RuleBadLocation        Rule = "invalid.location"
	RuleBadAlias           Rule = "invalid.probe.alias"
	RuleMonitor            Rule = "no.synchronized.blocks"
	RuleThrow              Rule = "no.throw"
	RuleLoop               Rule = "no.loops"
	RuleForeignFieldWrite  Rule = "no.assignment"
	RuleForeignCall        Rule = "no.method.calls"
	RuleCallCycle          Rule = "execution.loop.danger"
)

type ruleText struct {
	message    string
	suggestion string
}

var messages = map[Rule]ruleText{
	RuleNotProbeUnit: {
		"not a probe-definition unit: missing @Probe marker before members",
		"Annotate the unit with @probeweaver.annotations.Probe",
	},
	RuleUnsafeNotAllowed: {
		"unit requests unsafe mode but unsafe units are not allowed",
		"Remove unsafe=true from @Probe or enable allow_unsafe in the configuration",
	},
	RuleUnitNotPublic:  {"probe unit must be public", ""},
	RuleInterface:      {"probe unit cannot be an interface or annotation type", ""},
	RuleEnum:           {"probe unit cannot be an enum", ""},
	RuleAbstract:       {"probe unit cannot be abstract", ""},
	RuleSuperclass:     {"probe unit must directly extend java.lang.Object", ""},
	RuleInterfaces:     {"probe unit cannot implement interfaces", ""},
	RuleOuterClass:     {"probe unit cannot be a nested or local unit", ""},
	RuleNestedClass:    {"probe unit cannot declare nested units", "Move helper types out of the probe unit"},
	RuleInstanceField:  {"instance fields are not allowed", "Declare the field static"},
	RuleInstanceMethod: {"instance methods are not allowed", "Declare the method static"},
	RuleSynchronizedMethod: {
		"synchronized methods are not allowed",
		"Probe actions run inside arbitrary target code; remove the synchronized modifier",
	},
	RuleActionNotPublic: {"probe action must be public", ""},
	RuleActionNotVoid:   {"probe action must return void", ""},
	RuleReturnRole: {
		"@Return parameter requires a location with a post-value",
		"Use RETURN, or AFTER with CALL, ARRAY_GET, FIELD_GET, NEW, or NEWARRAY",
	},
	RuleTargetRole: {
		"@TargetInstance and @TargetMethodOrField require a CALL, FIELD_GET, or FIELD_SET location",
		"",
	},
	RuleDurationRole:      {"@Duration parameter requires a RETURN or ERROR location", ""},
	RuleBadLocation:       {"invalid probe location", ""},
	RuleBadAlias:          {"invalid @OnProbe declaration", "Both namespace and name are required"},
	RuleMonitor:           {"synchronized blocks are not allowed", ""},
	RuleThrow:             {"throwing exceptions is not allowed", ""},
	RuleLoop:              {"loops are not allowed", "Probe actions must terminate in bounded time"},
	RuleForeignFieldWrite: {"assignment to fields of other units is not allowed", ""},
	RuleForeignCall:       {"calls to methods of other units are not allowed", "Call only helpers of the probe unit or the allowed runtime libraries"},
	RuleCallCycle: {
		"probe actions call each other in a cycle",
		"Break the cycle; it would recurse without bound once woven into target code",
	},
}

// Error is a verification failure.
//
// Format: unit.member: message, followed by "\n\nSuggestion: ..." when a
// suggestion exists.
type Error struct {
	Rule       Rule
	Unit       string // dotted unit name
	Member     string // member name, empty for unit-level rules
	Message    string
	Suggestion string
}

func (e *Error) Error() string {
	where := e.Unit
	if e.Member != "" {
		where += "." + e.Member
	}
	result := fmt.Sprintf("%s: %s", where, e.Message)
	if e.Suggestion != "" {
		result += fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion)
	}
	return result
}

// newError builds an Error for rule; detail, if any, is appended to the
// rule's message.
func newError(rule Rule, unit, member, detail string) *Error {
	text := messages[rule]
	msg := text.message
	if detail != "" {
		msg += ": " + detail
	}
	return &Error{
		Rule:       rule,
		Unit:       unit,
		Member:     member,
		Message:    msg,
		Suggestion: text.suggestion,
	}
}

// RuleOf returns the rule of a verification error anywhere in err's chain.
func RuleOf(err error) (Rule, bool) {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Rule, true
	}
	return "", false
}
