package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/netident/pkg/config"
	"github.com/cuemby/netident/pkg/events"
	"github.com/cuemby/netident/pkg/probe"
	"github.com/cuemby/netident/pkg/proxyconf"
	"github.com/cuemby/netident/pkg/reconciler"
	"github.com/cuemby/netident/pkg/reload"
	"github.com/cuemby/netident/pkg/security"
	"github.com/cuemby/netident/pkg/storage"
	"github.com/cuemby/netident/pkg/types"
)

// storeOpenTimeout bounds the wait for bolt's file lock
const storeOpenTimeout = 5 * time.Second

func newProber(cfg *config.Config) (*probe.Prober, error) {
	preferred, err := probe.ParseSubnet(cfg.PreferredSubnet)
	if err != nil {
		return nil, &usageError{err}
	}
	return probe.NewProber(nil, probe.Options{
		PreferredSubnet: preferred,
		SkipInterfaces:  cfg.SkipInterfaces,
	}), nil
}

func newIssuer(cfg *config.Config) *security.Issuer {
	return security.NewIssuer(security.IssuerConfig{
		CertPath:     cfg.Certificate.CertPath,
		KeyPath:      cfg.Certificate.KeyPath,
		CommonName:   cfg.Certificate.CommonName,
		Organization: cfg.Certificate.Organization,
		KeyBits:      cfg.Certificate.KeyBits,
	}, nil)
}

func newConfigWriter(cfg *config.Config) (*proxyconf.Writer, error) {
	return proxyconf.NewWriter(proxyconf.Config{
		Path:              cfg.Proxy.ConfigPath,
		HTTPPort:          cfg.Proxy.HTTPPort,
		HTTPSPort:         cfg.Proxy.HTTPSPort,
		CertPath:          cfg.Certificate.CertPath,
		KeyPath:           cfg.Certificate.KeyPath,
		ClientMaxBodySize: cfg.Proxy.ClientMaxBodySize,
		ReadTimeout:       cfg.Proxy.ReadTimeout,
	}, nil)
}

func newReloader(cfg *config.Config) (reload.Reloader, error) {
	return reload.New(reload.Config{
		Mode:                cfg.Reload.Mode,
		Container:           cfg.Reload.Container,
		Signal:              cfg.Reload.Signal,
		Command:             cfg.Reload.Command,
		StopTimeout:         cfg.Reload.StopTimeout,
		ContainerdSocket:    cfg.Reload.ContainerdSocket,
		ContainerdNamespace: cfg.Reload.ContainerdNamespace,
	})
}

func controllerConfig(cfg *config.Config) reconciler.Config {
	return reconciler.Config{
		Hostnames:     cfg.Hostnames,
		Upstreams:     cfg.Upstreams,
		ValidityDays:  cfg.Certificate.ValidityDays,
		RenewBefore:   cfg.RenewBefore(),
		ReloadTimeout: cfg.Reload.Timeout,
	}
}

// passRunner opens the identity store for the duration of each pass only, so
// `netident status` can read it while a watcher is running.
type passRunner struct {
	cfg      *config.Config
	prober   reconciler.Prober
	issuer   *security.Issuer
	writer   *proxyconf.Writer
	reloader reload.Reloader
	events   events.Publisher
}

func newPassRunner(cfg *config.Config) (*passRunner, error) {
	prober, err := newProber(cfg)
	if err != nil {
		return nil, err
	}
	writer, err := newConfigWriter(cfg)
	if err != nil {
		return nil, err
	}
	reloader, err := newReloader(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up proxy reload: %w", err)
	}

	return &passRunner{
		cfg:      cfg,
		prober:   prober,
		issuer:   newIssuer(cfg),
		writer:   writer,
		reloader: reloader,
	}, nil
}

// Reconcile implements reconciler.Reconciler
func (r *passRunner) Reconcile(ctx context.Context, opts reconciler.Options) (*types.ReconcileResult, error) {
	store, err := storage.NewBoltStore(r.cfg.DataDir, storeOpenTimeout)
	if err != nil {
		return &types.ReconcileResult{}, &reconciler.StoreError{Op: "open", Err: err}
	}
	defer store.Close()

	controller, err := reconciler.NewController(reconciler.Deps{
		Prober:       r.prober,
		Store:        store,
		Issuer:       r.issuer,
		ConfigWriter: r.writer,
		Reloader:     r.reloader,
		Events:       r.events,
	}, controllerConfig(r.cfg))
	if err != nil {
		return &types.ReconcileResult{}, err
	}

	return controller.Reconcile(ctx, opts)
}

func (r *passRunner) Close() error {
	return reload.Close(r.reloader)
}
