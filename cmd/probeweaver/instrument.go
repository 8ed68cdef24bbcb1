package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	cu "github.com/kolkov/probeweaver/internal/weave/codeunit"
	"github.com/kolkov/probeweaver/internal/weave/session"
)

func newInstrumentCmd(a *app) *cobra.Command {
	var (
		probes  []string
		outDir  string
		verbose bool
		wf      weaveFlags
	)

	cmd := &cobra.Command{
		Use:   "instrument --probe <probe.pwu> [--out dir] <target.pwu>...",
		Short: "Weave probe actions into target units",
		Long: `Instrument applies every --probe, in order, to each target unit and
reports what was injected. With --out, rewritten units are written to the
directory under their file names, together with the runtime form of each
probe unit (the unit without its actions).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			s, err := session.New(wf.Apply(a.cfg), session.WithLogger(a.log))
			if err != nil {
				return err
			}
			var loaded []*session.Probe
			for _, path := range probes {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read probe unit: %w", err)
				}
				p, err := s.Load(data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				loaded = append(loaded, p)
			}

			units := make([]session.Unit, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read target unit: %w", err)
				}
				units = append(units, session.Unit{Name: path, Data: data})
			}

			results, batchErr := s.InstrumentAll(context.Background(), units)
			changed := 0
			for i, res := range results {
				if res == nil {
					continue
				}
				name := units[i].Name
				if !res.Changed {
					fmt.Fprintf(out, "%s: unchanged\n", name)
					continue
				}
				changed++
				fmt.Fprintf(out, "%s: %s\n", name, res.Stats.String())
				if verbose {
					for _, d := range res.Matched {
						fmt.Fprintf(out, "  %s\n", d)
					}
				}
				if outDir != "" {
					if err := writeUnit(outDir, filepath.Base(name), res.Bytes); err != nil {
						return err
					}
				}
			}

			if outDir != "" && changed > 0 {
				for _, p := range loaded {
					u, err := s.RuntimeUnit(p)
					if err != nil {
						return err
					}
					data, err := cu.Encode(u)
					if err != nil {
						return err
					}
					if err := writeUnit(outDir, filepath.Base(filepath.FromSlash(p.InternalName))+".pwu", data); err != nil {
						return err
					}
				}
			}
			fmt.Fprintf(out, "%d of %d units instrumented\n", changed, len(units))
			return batchErr
		},
	}

	cmd.Flags().StringSliceVarP(&probes, "probe", "p", nil, "Probe unit to apply (repeatable)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Directory for instrumented units")
	wf.AddFlags(cmd.Flags(), true)
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "List the probes bound in each unit")
	_ = cmd.MarkFlagRequired("probe")
	return cmd
}

func writeUnit(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
