package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/netident/pkg/events"
	"github.com/cuemby/netident/pkg/lock"
	"github.com/cuemby/netident/pkg/log"
	"github.com/cuemby/netident/pkg/metrics"
	"github.com/cuemby/netident/pkg/reconciler"
)

func newWatchCmd(ctx *cliContext) *cobra.Command {
	var (
		force       bool
		interval    time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reconcile now and then periodically until interrupted",
		Long: `Run a pass immediately and then every interval, holding the reconciliation
lock for the lifetime of the process. When a metrics address is set,
/metrics, /health, /ready and /live are served there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				cfg.Watch.Interval = interval
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Watch.MetricsAddr = metricsAddr
			}
			if cfg.Watch.Interval < time.Second {
				return &usageError{fmt.Errorf("interval must be at least 1s, got %s", cfg.Watch.Interval)}
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

			metrics.SetVersion(Version)

			var server *http.Server
			serverErr := make(chan error, 1)
			if cfg.Watch.MetricsAddr != "" {
				server = &http.Server{
					Addr:              cfg.Watch.MetricsAddr,
					Handler:           metrics.NewServeMux(),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						serverErr <- fmt.Errorf("metrics server error: %w", err)
					}
				}()
				log.Logger.Info().Str("addr", cfg.Watch.MetricsAddr).Msg("Serving metrics and health endpoints")
			}

			broker := events.NewBroker()
			broker.Start()
			defer broker.Stop()
			runner.events = broker

			printed := make(chan struct{})
			go printEvents(cmd.OutOrStdout(), broker.Subscribe(), printed)

			watcher := reconciler.NewWatcher(runner, cfg.Watch.Interval, nil)

			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			watcher.Start(runCtx, reconciler.Options{Force: force})

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			var runErr error
			select {
			case sig := <-sigCh:
				log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
			case runErr = <-serverErr:
			case <-runCtx.Done():
			}

			watcher.Stop()
			broker.Stop()
			<-printed
			if server != nil {
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelShutdown()
				_ = server.Shutdown(shutdownCtx)
			}
			return runErr
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Force regeneration on the first pass")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Override watch.interval")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Override watch.metrics_addr (empty disables)")
	return cmd
}

// printEvents writes one line per event until sub is closed
func printEvents(w io.Writer, sub events.Subscriber, done chan<- struct{}) {
	defer close(done)
	for ev := range sub {
		fmt.Fprintf(w, "%s %-20s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Message)
	}
}
