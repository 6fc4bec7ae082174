package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProbeCmd(ctx *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "List candidate addresses and show which one would be selected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.load(cmd)
			if err != nil {
				return err
			}
			prober, err := newProber(cfg)
			if err != nil {
				return err
			}

			candidates, err := prober.Candidates()
			if err != nil {
				return fmt.Errorf("failed to list interfaces: %w", err)
			}

			selected, selErr := prober.Probe()

			rows := make([][]string, 0, len(candidates))
			for _, c := range candidates {
				mark := ""
				if selErr == nil && c.IP.Equal(selected.IP) && c.Interface == selected.Interface {
					mark = "✓"
				}
				network := ""
				if c.Network != nil {
					network = c.Network.String()
				}
				demoted := ""
				if c.Demoted {
					demoted = "yes"
				}
				rows = append(rows, []string{mark, c.Interface, c.IP.String(), network, string(c.Class), demoted})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"", "Interface", "Address", "Network", "Class", "Demoted"}, rows))

			if selErr != nil {
				return selErr
			}
			fmt.Fprintf(out, "Selected %s\n", selected)
			return nil
		},
	}
}

