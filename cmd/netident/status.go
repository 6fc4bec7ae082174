package main

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/netident/pkg/config"
	"github.com/cuemby/netident/pkg/fsutil"
	"github.com/cuemby/netident/pkg/health"
	"github.com/cuemby/netident/pkg/reload"
	"github.com/cuemby/netident/pkg/security"
	"github.com/cuemby/netident/pkg/storage"
	"github.com/cuemby/netident/pkg/types"
)

// errCheckFailed is returned by `status --check` when a target is unhealthy
var errCheckFailed = errors.New("one or more checks failed")

func newStatusCmd(ctx *cliContext) *cobra.Command {
	var (
		check   bool
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored identity and installed artifacts",
		Long: `Show the last reconciled identity, the installed certificate and whether
the proxy config on disk matches what was installed. Nothing is written.

With --check, also dial every upstream and request the proxy over HTTPS on
the stored address, trusting only the installed certificate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.load(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			identity, fingerprints, storeErr := readStore(cfg)
			if storeErr != nil && !errors.Is(storeErr, storage.ErrLocked) {
				return storeErr
			}
			cert, certErr := security.LoadArtifact(cfg.Certificate.CertPath, cfg.Certificate.KeyPath)
			proxyState := configState(cfg.Proxy.ConfigPath, fingerprints.ProxyConfig)

			if asJSON {
				report := map[string]interface{}{
					"identity":     identity,
					"fingerprints": fingerprints,
					"certificate":  security.CertInfo(cert, time.Now()),
					"proxy_config": map[string]string{"path": cfg.Proxy.ConfigPath, "state": proxyState},
					"reload":       describeReload(cfg),
				}
				if storeErr != nil {
					report["store_error"] = storeErr.Error()
				}
				if certErr != nil {
					report["certificate"] = map[string]string{"error": certErr.Error()}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printStatus(out, identity, fingerprints, storeErr, cert, certErr)
				fmt.Fprintf(out, "Proxy config: %s (%s)\n", cfg.Proxy.ConfigPath, proxyState)
				fmt.Fprintf(out, "Reload:       %s\n", describeReload(cfg))
			}

			if !check {
				return nil
			}
			if certErr != nil {
				cert = nil
			}
			return runChecks(cmd, out, cfg, identity, cert, timeout)
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Probe upstreams and the proxy endpoint")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Timeout per check")
	return cmd
}

func printStatus(out io.Writer, identity *types.NetworkIdentity, fingerprints types.Fingerprints, storeErr error, cert *types.CertificateArtifact, certErr error) {
	switch {
	case storeErr != nil:
		fmt.Fprintln(out, "Identity:     (store busy, a pass is in progress)")
	case identity == nil:
		fmt.Fprintln(out, "Identity:     (none, run `netident run`)")
	default:
		fmt.Fprintf(out, "Identity:     %s\n", identity)
		fmt.Fprintf(out, "Reconciled:   %s\n", identity.ReconciledAt.Format(time.RFC3339))
	}

	if certErr != nil {
		fmt.Fprintf(out, "Certificate:  unusable (%v)\n", certErr)
		return
	}
	fmt.Fprintf(out, "Certificate:  %s\n", cert.CertPath)
	fmt.Fprintf(out, "  Names:      %s\n", strings.Join(cert.Names, ", "))
	fmt.Fprintf(out, "  Expires:    %s (%d days)\n", cert.NotAfter.Format("2006-01-02"), int(security.TimeRemaining(cert, time.Now()).Hours()/24))
	if identity != nil && !cert.Covers(identity.Names()) {
		fmt.Fprintln(out, "  ⚠ does not cover every identity name")
	}
	if fingerprints.Certificate != "" && fingerprints.Certificate != cert.Fingerprint {
		fmt.Fprintln(out, "  ⚠ differs from the certificate netident installed")
	}
}

// readStore reads the identity without creating the store on a fresh host
func readStore(cfg *config.Config) (*types.NetworkIdentity, types.Fingerprints, error) {
	if _, err := os.Stat(filepath.Join(cfg.DataDir, storage.DatabaseFile)); errors.Is(err, os.ErrNotExist) {
		return nil, types.Fingerprints{}, nil
	}

	store, err := storage.NewBoltStore(cfg.DataDir, time.Second)
	if err != nil {
		return nil, types.Fingerprints{}, err
	}
	defer store.Close()

	identity, err := store.Load()
	if err != nil {
		return nil, types.Fingerprints{}, err
	}
	fingerprints, err := store.Fingerprints()
	return identity, fingerprints, err
}

func configState(path, installed string) string {
	current, err := fsutil.FileFingerprint(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "missing"
	case err != nil:
		return "unreadable"
	case installed == "":
		return "present, not installed by netident"
	case current != installed:
		return "modified since install"
	default:
		return "as installed"
	}
}

func describeReload(cfg *config.Config) string {
	switch mode := string(cfg.Reload.Mode); cfg.Reload.Mode {
	case reload.ModeExec:
		return mode + ": " + strings.Join(cfg.Reload.Command, " ")
	case reload.ModeNone:
		return mode
	default:
		return fmt.Sprintf("%s: container %s", mode, cfg.Reload.Container)
	}
}

func runChecks(cmd *cobra.Command, out io.Writer, cfg *config.Config, identity *types.NetworkIdentity, cert *types.CertificateArtifact, timeout time.Duration) error {
	targets := health.UpstreamTargets(cfg.Upstreams, timeout)

	if identity != nil && cert != nil {
		parsed, err := parseCertificate(cert.CertPEM)
		if err != nil {
			return err
		}
		targets = append(targets, health.ProxyTarget(identity, cfg.Proxy.HTTPSPort, parsed, timeout))
	}

	reports := health.RunAll(cmd.Context(), targets)

	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		state := "ok"
		if !r.Result.Healthy {
			state = "FAIL"
		}
		rows = append(rows, []string{
			r.Name,
			string(r.Type),
			state,
			r.Result.Duration.Round(time.Millisecond).String(),
			r.Result.Message,
		})
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, renderTable([]string{"Target", "Type", "State", "Took", "Detail"}, rows, 3))

	if !health.AllHealthy(reports) {
		return errCheckFailed
	}
	return nil
}

func parseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed to decode certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}
