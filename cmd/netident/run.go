package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/netident/pkg/lock"
	"github.com/cuemby/netident/pkg/reconciler"
	"github.com/cuemby/netident/pkg/types"
)

func newRunCmd(ctx *cliContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one reconciliation pass",
		Long: `Probe the host address and, if it or the configured hostnames changed since
the last pass (or --force is given), issue a new certificate, rewrite the
proxy configuration and reload the proxy.

Exit status: 0 on success, no change, or a failed proxy reload (reported as
a warning); 2 when no usable address was found; 3 on certificate issuance
failure; 4 on proxy config failure; 5 when the identity store is locked or
unusable; 1 for anything else.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.load(cmd)
			if err != nil {
				return err
			}

			l, err := lock.New(cfg.DataDir)
			if err != nil {
				return &reconciler.StoreError{Op: "lock", Err: err}
			}
			if err := l.TryLock(); err != nil {
				return err
			}
			defer l.Unlock()

			runner, err := newPassRunner(cfg)
			if err != nil {
				return err
			}
			defer runner.Close()

			result, err := runner.Reconcile(cmd.Context(), reconciler.Options{Force: force})
			if err != nil {
				return err
			}

			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Regenerate certificate and config even if nothing changed")
	return cmd
}

// printResult writes a short human summary of a pass
func printResult(w io.Writer, result *types.ReconcileResult) {
	if !result.Reconciled {
		fmt.Fprintf(w, "✓ Network identity unchanged: %s\n", result.Current)
		return
	}

	fmt.Fprintf(w, "✓ Network identity reconciled: %s\n", result.Current)
	if result.Previous != nil {
		fmt.Fprintf(w, "  Previous:    %s\n", result.Previous)
	}
	fmt.Fprintf(w, "  Reasons:     %s\n", joinReasons(result.Reasons))
	fmt.Fprintf(w, "  Interface:   %s (%s)\n", result.Candidate.Interface, result.Candidate.Class)
	if result.Certificate != nil {
		fmt.Fprintf(w, "  Certificate: %s (expires %s)\n", result.Certificate.CertPath, result.Certificate.NotAfter.Format("2006-01-02"))
	}
	if result.ProxyConfig != nil {
		fmt.Fprintf(w, "  Proxy:       %s\n", result.ProxyConfig.Path)
	}
	if result.ReloadWarning != nil {
		fmt.Fprintf(w, "⚠ %v\n", result.ReloadWarning)
		fmt.Fprintln(w, "  The new files are in place; the proxy picks them up on its next reload.")
	}
}

func joinReasons(reasons []types.ReconcileReason) string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}
