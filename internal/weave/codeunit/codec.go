package codeunit

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/mod/semver"
)

// FormatVersion is the unit format version written by Encode. Units whose
// major version differs, or whose minor version is newer, are rejected.
const FormatVersion = "v1.2.0"

// magic prefixes every encoded unit.
var magic = []byte("PWCU")

// ErrBadMagic is returned when decoding bytes that are not a code unit.
var ErrBadMagic = errors.New("not a code unit: bad magic")

// FormatError reports an unsupported format version.
type FormatError struct {
	Version string
}

func (e *FormatError) Error() string {
	if !semver.IsValid(e.Version) {
		return fmt.Sprintf("invalid unit format version %q", e.Version)
	}
	return fmt.Sprintf("unsupported unit format version %s (supported: %s.x up to %s)",
		e.Version, semver.Major(FormatVersion), FormatVersion)
}

// CheckFormat validates a unit format version against FormatVersion.
func CheckFormat(version string) error {
	if !semver.IsValid(version) {
		return &FormatError{Version: version}
	}
	if semver.Major(version) != semver.Major(FormatVersion) {
		return &FormatError{Version: version}
	}
	if semver.Compare(semver.MajorMinor(version), semver.MajorMinor(FormatVersion)) > 0 {
		return &FormatError{Version: version}
	}
	return nil
}

// Encode serializes a unit. An empty Format is filled with FormatVersion.
func Encode(u *Unit) ([]byte, error) {
	if u.Format == "" {
		cp := *u
		cp.Format = FormatVersion
		u = &cp
	}
	if err := CheckFormat(u.Format); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(magic)
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(u); err != nil {
		return nil, fmt.Errorf("failed to encode unit %s: %w", u.Name, err)
	}
	return buf.Bytes(), nil
}

// Decode parses an encoded unit and validates its format version.
func Decode(data []byte) (*Unit, error) {
	if !bytes.HasPrefix(data, magic) {
		return nil, ErrBadMagic
	}
	var u Unit
	if err := msgpack.Unmarshal(data[len(magic):], &u); err != nil {
		return nil, fmt.Errorf("failed to decode unit: %w", err)
	}
	if err := CheckFormat(u.Format); err != nil {
		return nil, err
	}
	if u.Name == "" {
		return nil, fmt.Errorf("failed to decode unit: missing name")
	}
	return &u, nil
}

// Clone returns a deep copy of u.
func Clone(u *Unit) (*Unit, error) {
	data, err := msgpack.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to clone unit %s: %w", u.Name, err)
	}
	var c Unit
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to clone unit %s: %w", u.Name, err)
	}
	return &c, nil
}
