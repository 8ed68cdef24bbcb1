package main

import (
	"github.com/spf13/pflag"

	"github.com/kolkov/probeweaver/internal/config"
)

// weaveFlags holds the flags that override weaving settings.
type weaveFlags struct {
	Unsafe  bool
	DumpDir string
}

// AddFlags adds --unsafe, and --dump when withDump is set, to a FlagSet.
func (f *weaveFlags) AddFlags(flags *pflag.FlagSet, withDump bool) {
	flags.BoolVar(&f.Unsafe, "unsafe", false, "Accept probe units declared unsafe")
	if withDump {
		flags.StringVar(&f.DumpDir, "dump", "", "Directory for original and instrumented copies")
	}
}

// Apply returns a copy of cfg with the flag values applied.
func (f *weaveFlags) Apply(cfg *config.Config) *config.Config {
	c := *cfg
	c.AllowUnsafe = c.AllowUnsafe || f.Unsafe
	if f.DumpDir != "" {
		c.DumpDir = f.DumpDir
	}
	return &c
}
