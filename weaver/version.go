package weaver

import (
	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/probe"
)

// Version information for the probe weaver.
const (
	// Version is the current version of the weaver.
	Version = "0.3.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 3

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides information about the weaver build.
type Info struct {
	// Version is the weaver version string.
	Version string

	// FormatVersion is the code unit format written by this build.
	FormatVersion string

	// Kinds lists the supported probe locations.
	Kinds []string
}

// GetInfo returns information about the weaver.
//
// Example:
//
//	info := weaver.GetInfo()
//	fmt.Printf("probeweaver %s (format %s)\n", info.Version, info.FormatVersion)
func GetInfo() Info {
	kinds := probe.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return Info{
		Version:       Version,
		FormatVersion: cu.FormatVersion,
		Kinds:         names,
	}
}
