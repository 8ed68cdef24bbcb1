package weaver

import (
	"fmt"

	"github.com/rs/zerolog"

	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/instrumentor"
	"github.com/kolkov/probeweaver/internal/weave/pattern"
	"github.com/kolkov/probeweaver/internal/weave/verifier"
)

// VerifyResult is the outcome of Verify: the unit name, its probe table,
// and the @OnProbe aliases awaiting resolution.
type VerifyResult = verifier.Result

// Instrumentor applies the probes of one verified probe unit.
type Instrumentor = instrumentor.Instrumentor

// Result is the outcome of one instrumentation pass.
type Result = instrumentor.Result

// Hierarchy resolves the supertypes of units for "+Type" patterns.
type Hierarchy = pattern.Hierarchy

// Registry is a Hierarchy fed with the units a caller has seen.
type Registry = pattern.Registry

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry { return pattern.NewRegistry() }

// Verify decodes and verifies a probe-definition unit.
//
// Parameters:
//   - probeUnit: the encoded unit
//   - allowUnsafe: accept unsafe probe units that declare themselves unsafe
//
// Returns *verifier.Error describing the first violated rule; the message
// includes a suggestion for fixing it.
func Verify(probeUnit []byte, allowUnsafe bool) (*VerifyResult, error) {
	return verifier.Verify(probeUnit, allowUnsafe)
}

// Option configures New.
type Option func(*options)

type options struct {
	log zerolog.Logger
}

// WithLogger reports pattern errors and pass summaries to l.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New verifies a probe unit and returns an Instrumentor for its @OnMethod
// probes. @OnProbe actions need alias files and are resolved by the
// probeweaver session instead.
func New(probeUnit []byte, allowUnsafe bool, opts ...Option) (*Instrumentor, error) {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	res, err := verifier.Verify(probeUnit, allowUnsafe, verifier.WithLogger(o.log))
	if err != nil {
		return nil, fmt.Errorf("failed to verify probe unit: %w", err)
	}
	return instrumentor.New(res.Unit, res.Probes, instrumentor.WithLogger(o.log)), nil
}

// Instrument verifies probeUnit and applies it to target in one call.
func Instrument(probeUnit, target []byte, name string) (*Result, error) {
	ins, err := New(probeUnit, false)
	if err != nil {
		return nil, err
	}
	return ins.Instrument(target, name, nil)
}

// Assemble converts the YAML text form of a unit to its binary form.
func Assemble(text []byte) ([]byte, error) {
	u, err := cu.UnmarshalText(text)
	if err != nil {
		return nil, err
	}
	return cu.Encode(u)
}

// Disassemble converts a binary unit to its YAML text form.
func Disassemble(data []byte) ([]byte, error) {
	u, err := cu.Decode(data)
	if err != nil {
		return nil, err
	}
	return cu.MarshalText(u)
}
