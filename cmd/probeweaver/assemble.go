package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/weaver"
)

func newAssembleCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "assemble <unit.yaml>",
		Short: "Convert a unit from YAML text to binary form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			text, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read unit text: %w", err)
			}
			data, err := weaver.Assemble(text)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if output == "" {
				output = strings.TrimSuffix(args[0], ".yaml") + ".pwu"
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("failed to write unit: %w", err)
			}
			fmt.Fprintf(out, "wrote %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: input with .pwu extension)")
	return cmd
}

func newDumpCmd() *cobra.Command {
	var summary bool

	cmd := &cobra.Command{
		Use:   "dump <unit.pwu>",
		Short: "Print a binary unit in YAML text form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read unit: %w", err)
			}
			if summary {
				u, err := cu.Decode(data)
				if err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				fmt.Fprintln(out, cu.Summary(u))
				return nil
			}
			text, err := weaver.Disassemble(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprint(out, string(text))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&summary, "summary", "s", false, "Print only the member listing")
	return cmd
}
