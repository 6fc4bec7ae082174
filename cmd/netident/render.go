package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/netident/pkg/types"
)

func newRenderCmd(ctx *cliContext) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the proxy config that a pass would install, without writing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.load(cmd)
			if err != nil {
				return err
			}

			var ip net.IP
			if address != "" {
				if ip = net.ParseIP(address); ip == nil {
					return &usageError{fmt.Errorf("invalid --address %q", address)}
				}
			} else {
				prober, err := newProber(cfg)
				if err != nil {
					return err
				}
				candidate, err := prober.Probe()
				if err != nil {
					return err
				}
				ip = candidate.IP
			}

			writer, err := newConfigWriter(cfg)
			if err != nil {
				return err
			}

			identity := types.NewNetworkIdentity(ip, cfg.Hostnames, time.Now())
			snapshot, err := writer.Render(identity, cfg.Upstreams)
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(snapshot.Content)
			return err
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Render for this address instead of probing")
	return cmd
}
