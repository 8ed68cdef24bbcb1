// Package main implements the probeweaver CLI tool.
//
// probeweaver verifies probe-definition units and weaves their actions into
// target code units:
//
//	probeweaver assemble traces.yaml -o traces.pwu
//	probeweaver verify traces.pwu
//	probeweaver instrument --probe traces.pwu --out woven/ Service.pwu
//	probeweaver dump woven/Service.pwu
//
// Settings come from --config, PROBEWEAVER_* environment variables, and
// the global flags, in increasing priority.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kolkov/probeweaver/internal/config"
	"github.com/kolkov/probeweaver/internal/logging"
	"github.com/kolkov/probeweaver/weaver"
)

// app carries what the global flags resolve to.
type app struct {
	configPath string
	logLevel   string
	pretty     bool

	cfg *config.Config
	log zerolog.Logger
}

// setup loads the configuration and builds the logger. Flags override the
// file and the environment.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Logging.Pretty = a.pretty
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.NewWithComponent(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	}, "probeweaver")
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "probeweaver",
		Short:         "Weave verified probe actions into code units",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Configuration file (YAML)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&a.pretty, "pretty", true, "Human-readable log output")

	// Probes and targets
	cmd.AddCommand(newVerifyCmd(a))
	cmd.AddCommand(newInstrumentCmd(a))

	// Text form
	cmd.AddCommand(newAssembleCmd())
	cmd.AddCommand(newDumpCmd())

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			info := weaver.GetInfo()
			fmt.Fprintf(out, "probeweaver version %s\n", info.Version)
			fmt.Fprintf(out, "Unit format: %s\n", info.FormatVersion)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
