package instrumentor

import (
	"errors"
	"fmt"

	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
)

// Slot discipline violations. Both indicate a defect in a site, never in
// the target unit, and abort the pass for the unit.
var (
	// ErrSlotsFrozen is returned when a local slot is requested outside an
	// injection site.
	ErrSlotsFrozen = errors.New("local slot requested while allocation is frozen")

	// ErrSiteOpen is returned when a site opens inside another site, or an
	// original instruction is emitted while a site is still open.
	ErrSiteOpen = errors.New("injection site still open")
)

// EmissionError reports an inconsistency while emitting the rewritten unit.
// The pass is aborted and the target unit is left unmodified.
//
// Format: unit.method: message, followed by "\n\nSuggestion: ..." when a
// suggestion exists.
//
// Thread Safety: Immutable after creation, safe for concurrent use.
type EmissionError struct {
	Unit       string // dotted unit name
	Method     string // name+descriptor, empty for unit-level failures
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *EmissionError) Error() string {
	where := e.Unit
	if e.Method != "" {
		where += "." + e.Method
	}
	result := fmt.Sprintf("%s: emission failed: %v", where, e.Err)
	if e.Suggestion != "" {
		result += fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion)
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *EmissionError) Unwrap() error { return e.Err }

// ErrMissingAction is returned when a bound probe refers to an action the
// probe-definition unit does not declare.
var ErrMissingAction = errors.New("action not found in probe unit")

// suggestionFor returns the remediation hint for an emission failure.
func suggestionFor(err error) string {
	switch {
	case errors.Is(err, ErrSlotsFrozen), errors.Is(err, ErrSiteOpen):
		return "This is an injection defect. Re-run with --log-level=debug and report the probe and target unit."
	case errors.Is(err, ErrMissingAction):
		return "Instrument with the probe unit the probe table was verified from."
	case errors.Is(err, cu.ErrInconsistentCode):
		return "Check the target unit with 'probeweaver dump' and re-assemble it."
	}
	return ""
}
