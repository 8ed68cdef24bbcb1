package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kolkov/probeweaver/internal/weave/verifier"
)

func newVerifyCmd(a *app) *cobra.Command {
	var wf weaveFlags

	cmd := &cobra.Command{
		Use:   "verify <probe.pwu>",
		Short: "Verify a probe-definition unit and list its probes",
		Long: `Verify checks that a probe-definition unit is well formed and that its
actions are safe to run inside instrumented code. On success it prints the
unit name and one line per probe.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read probe unit: %w", err)
			}

			cfg := wf.Apply(a.cfg)
			res, err := verifier.Verify(data, cfg.AllowUnsafe, verifier.WithLogger(a.log))
			if err != nil {
				return err
			}
			a.log.Info().Str("probe", res.ClassName).Int("probes", len(res.Probes)).Msg("probe unit verified")

			fmt.Fprint(out, res.ClassName)
			if res.Unsafe {
				fmt.Fprint(out, " (unsafe)")
			}
			fmt.Fprintln(out)
			for _, p := range res.Probes {
				fmt.Fprintf(out, "  %s\n", p)
			}
			for _, al := range res.Aliases {
				fmt.Fprintf(out, "  %s%s -> @%s\n", al.TargetName, al.TargetDescriptor, al.Key())
			}
			return nil
		},
	}

	wf.AddFlags(cmd.Flags(), false)
	return cmd
}
