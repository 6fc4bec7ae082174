package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/netident/pkg/config"
)

func newConfigCmd(ctx *cliContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect netident configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "sample",
		Short: "Print an annotated sample configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(config.Sample())
			return err
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.load(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✓ Configuration valid")
			fmt.Fprintf(out, "  Upstreams: %d\n", len(cfg.Upstreams))
			fmt.Fprintf(out, "  Reload:    %s\n", describeReload(cfg))
			return nil
		},
	})

	return configCmd
}
