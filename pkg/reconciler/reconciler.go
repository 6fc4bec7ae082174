package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/netident/pkg/events"
	"github.com/cuemby/netident/pkg/fsutil"
	"github.com/cuemby/netident/pkg/log"
	"github.com/cuemby/netident/pkg/metrics"
	"github.com/cuemby/netident/pkg/reload"
	"github.com/cuemby/netident/pkg/security"
	"github.com/cuemby/netident/pkg/storage"
	"github.com/cuemby/netident/pkg/types"
)

// Prober selects the host's primary address
type Prober interface {
	Probe() (types.AddressCandidate, error)
}

// Issuer issues and reads back the certificate artifact
type Issuer interface {
	Issue(primaryName string, subjectNames []string, validityDays int) (*types.CertificateArtifact, error)
	Load() (*types.CertificateArtifact, error)
}

// ConfigWriter renders and installs the proxy configuration
type ConfigWriter interface {
	Render(identity *types.NetworkIdentity, upstreams []types.Upstream) (*types.ProxyConfigSnapshot, error)
	Write(snapshot *types.ProxyConfigSnapshot) error
	Current() ([]byte, error)
}

// Deps are the collaborators of a Controller
type Deps struct {
	Prober       Prober
	Store        storage.Store
	Issuer       Issuer
	ConfigWriter ConfigWriter
	Reloader     reload.Reloader
	// Events receives what each pass did; nil discards
	Events events.Publisher
}

// Config holds the static inputs of every pass
type Config struct {
	Hostnames     []string
	Upstreams     []types.Upstream
	ValidityDays  int
	// RenewBefore reissues an unchanged identity's certificate this long
	// before expiry. Zero reissues only once the certificate has expired.
	RenewBefore   time.Duration
	ReloadTimeout time.Duration
}

// Options modify a single pass
type Options struct {
	// Force regenerates artifacts even when nothing changed
	Force bool
}

// Controller runs reconciliation passes. Passes must be serialized by the
// caller (see pkg/lock); a Controller holds no lock of its own.
type Controller struct {
	deps   Deps
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

// NewController creates a controller
func NewController(deps Deps, cfg Config) (*Controller, error) {
	if deps.Prober == nil || deps.Store == nil || deps.Issuer == nil || deps.ConfigWriter == nil {
		return nil, errors.New("reconciler: prober, store, issuer and config writer are required")
	}
	if deps.Reloader == nil {
		deps.Reloader = reload.Noop{}
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if cfg.ValidityDays == 0 {
		cfg.ValidityDays = security.DefaultValidityDays
	}
	if cfg.ReloadTimeout == 0 {
		cfg.ReloadTimeout = reload.DefaultTimeout
	}

	return &Controller{
		deps:   deps,
		cfg:    cfg,
		now:    time.Now,
		logger: log.WithComponent("reconciler"),
	}, nil
}

// pass carries the state of one Reconcile call
type pass struct {
	result *types.ReconcileResult
	logger zerolog.Logger
	events events.Publisher
}

func (p *pass) publish(eventType events.EventType, message string, metadata map[string]string) {
	p.events.Publish(&events.Event{
		Type:     eventType,
		PassID:   p.result.PassID,
		Message:  message,
		Metadata: metadata,
	})
}

func (p *pass) enter(state types.State) {
	p.result.Transitions = append(p.result.Transitions, state)
	p.logger.Debug().Str("state", string(state)).Msg("State transition")
}

// Reconcile runs one pass: probe, compare, and when anything changed (or
// opts.Force is set) regenerate the certificate and proxy config, commit the
// identity, and reload the proxy.
//
// The returned result is never nil. A failed pass leaves the stored
// identity untouched so the next pass detects the same change again. A
// failed reload does not fail the pass; it is reported in
// result.ReloadWarning.
func (c *Controller) Reconcile(ctx context.Context, opts Options) (*types.ReconcileResult, error) {
	p := &pass{
		result: &types.ReconcileResult{
			PassID:    uuid.NewString(),
			StartedAt: c.now(),
		},
		events: c.deps.Events,
	}
	p.logger = log.WithPass(c.logger, p.result.PassID)

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		p.result.FinishedAt = c.now()
	}()

	err := c.reconcile(ctx, p, opts)
	p.enter(types.StateIdle)

	if err != nil {
		kind := Kind(err)
		metrics.ReconcilePassesTotal.WithLabelValues("failed").Inc()
		metrics.ReconcileErrorsTotal.WithLabelValues(string(kind)).Inc()
		p.logger.Error().Err(err).Str("kind", string(kind)).Msg("Reconciliation failed")
		p.publish(events.EventPassFailed, err.Error(), map[string]string{"kind": string(kind)})
		return p.result, err
	}

	metrics.LastReconcileTimestamp.Set(float64(c.now().Unix()))
	if !p.result.Reconciled {
		metrics.ReconcilePassesTotal.WithLabelValues("unchanged").Inc()
		p.logger.Info().Str("identity", p.result.Current.String()).Msg("Network identity unchanged")
		return p.result, nil
	}

	metrics.ReconcilePassesTotal.WithLabelValues("reconciled").Inc()
	for _, reason := range p.result.Reasons {
		metrics.ReconcileReasonsTotal.WithLabelValues(string(reason)).Inc()
	}

	event := p.logger.Info()
	if p.result.ReloadWarning != nil {
		event = p.logger.Warn().AnErr("reload_error", p.result.ReloadWarning)
	}
	event.
		Str("previous", p.result.Previous.String()).
		Str("identity", p.result.Current.String()).
		Strs("reasons", reasonStrings(p.result.Reasons)).
		Msg("Network identity reconciled")

	return p.result, nil
}

func (c *Controller) reconcile(ctx context.Context, p *pass, opts Options) error {
	p.enter(types.StateProbing)
	candidate, err := c.deps.Prober.Probe()
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	p.result.Candidate = candidate

	identity := types.NewNetworkIdentity(candidate.IP, c.cfg.Hostnames, p.result.StartedAt)

	p.enter(types.StateComparing)
	cmp, err := c.deps.Store.Compare(identity)
	if err != nil {
		return &StoreError{Op: "compare", Err: err}
	}
	p.result.Previous = cmp.Old
	p.result.Reasons = changeReasons(cmp, opts.Force)

	// Rendering is pure; doing it before anything is issued means a render
	// error aborts with nothing written.
	snapshot, err := c.deps.ConfigWriter.Render(identity, c.cfg.Upstreams)
	if err != nil {
		return err
	}

	var installed *types.CertificateArtifact
	if len(p.result.Reasons) == 0 {
		var reasons []types.ReconcileReason
		installed, reasons = c.checkArtifacts(identity, snapshot, p.logger)
		if len(reasons) == 0 {
			p.result.Current = cmp.Old
			p.result.Certificate = installed
			metrics.CertificateExpiry.Set(float64(installed.NotAfter.Unix()))
			return nil
		}
		p.result.Reasons = reasons
	}

	p.enter(types.StateReconciling)
	cert := installed
	if needsCertificate(p.result.Reasons) {
		cert, err = c.deps.Issuer.Issue(identity.PrimaryIP.String(), identity.Hostnames, c.cfg.ValidityDays)
		if err != nil {
			return err
		}
		if !cert.Covers(identity.Names()) {
			return &security.IssuanceError{
				Op:  "verify",
				Err: fmt.Errorf("certificate names %v do not cover %v", cert.Names, identity.Names()),
			}
		}
		metrics.CertificatesIssuedTotal.Inc()
		p.publish(events.EventCertificateIssued, "issued certificate for "+strings.Join(cert.Names, ", "), map[string]string{
			"serial":    cert.SerialNumber,
			"not_after": cert.NotAfter.Format(time.RFC3339),
		})
	}
	p.result.Certificate = cert

	if err := c.deps.ConfigWriter.Write(snapshot); err != nil {
		return err
	}
	metrics.ProxyConfigWritesTotal.Inc()
	p.result.ProxyConfig = snapshot
	p.publish(events.EventProxyConfigWritten, "wrote "+snapshot.Path, map[string]string{"fingerprint": snapshot.Fingerprint})

	fingerprints := types.Fingerprints{Certificate: cert.Fingerprint, ProxyConfig: snapshot.Fingerprint}
	if err := c.deps.Store.Save(identity, fingerprints); err != nil {
		return &StoreError{Op: "save", Err: err}
	}
	p.result.Current = identity
	p.result.Reconciled = true
	metrics.CertificateExpiry.Set(float64(cert.NotAfter.Unix()))
	metrics.SetIdentity(identity.PrimaryIP.String())
	if !identity.Equal(cmp.Old) {
		p.publish(events.EventIdentityChanged, cmp.Old.String()+" -> "+identity.String(), map[string]string{
			"address":  identity.PrimaryIP.String(),
			"previous": cmp.Old.String(),
		})
	}

	p.enter(types.StateReloading)
	p.result.ReloadWarning = c.reload(ctx, p)

	return nil
}

// checkArtifacts looks for reasons to regenerate when the identity itself is
// unchanged. It returns the installed certificate when it is usable.
func (c *Controller) checkArtifacts(identity *types.NetworkIdentity, snapshot *types.ProxyConfigSnapshot, logger zerolog.Logger) (*types.CertificateArtifact, []types.ReconcileReason) {
	cert, err := c.deps.Issuer.Load()
	switch {
	case err != nil && errors.Is(err, fs.ErrNotExist):
		logger.Debug().Err(err).Msg("Certificate artifact missing")
		return nil, []types.ReconcileReason{types.ReasonArtifactMissing}
	case err != nil:
		logger.Debug().Err(err).Msg("Certificate artifact unreadable")
		return nil, []types.ReconcileReason{types.ReasonArtifactStale}
	case !cert.Covers(identity.Names()):
		return nil, []types.ReconcileReason{types.ReasonArtifactStale}
	case security.NeedsRotation(cert, c.cfg.RenewBefore, c.now()):
		return nil, []types.ReconcileReason{types.ReasonArtifactExpiring}
	}

	current, err := c.deps.ConfigWriter.Current()
	if err != nil || fsutil.Fingerprint(current) != snapshot.Fingerprint {
		return cert, []types.ReconcileReason{types.ReasonConfigDrift}
	}
	return cert, nil
}

func (c *Controller) reload(ctx context.Context, p *pass) error {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReloadTimeout)
	defer cancel()

	name := c.deps.Reloader.Name()
	if err := c.deps.Reloader.Reload(rctx); err != nil {
		warning := &reload.Warning{Reloader: name, Err: err}
		metrics.ReloadsTotal.WithLabelValues("warning").Inc()
		p.publish(events.EventProxyReloadFailed, warning.Error(), map[string]string{"reloader": name})
		return warning
	}

	metrics.ReloadsTotal.WithLabelValues("success").Inc()
	p.logger.Debug().Str("reloader", name).Msg("Proxy reloaded")
	p.publish(events.EventProxyReloaded, "reloaded via "+name, map[string]string{"reloader": name})
	return nil
}

// changeReasons derives reasons from the identity comparison alone
func changeReasons(cmp types.Comparison, force bool) []types.ReconcileReason {
	var reasons []types.ReconcileReason
	switch {
	case cmp.Old == nil:
		reasons = append(reasons, types.ReasonFirstRun)
	case cmp.Outcome == types.Changed:
		if !cmp.Old.PrimaryIP.Equal(cmp.New.PrimaryIP) {
			reasons = append(reasons, types.ReasonAddressChanged)
		}
		if !sameNames(cmp.Old.Hostnames, cmp.New.Hostnames) {
			reasons = append(reasons, types.ReasonNamesChanged)
		}
	}
	if force {
		reasons = append(reasons, types.ReasonForced)
	}
	return reasons
}

// needsCertificate is false only when the config alone drifted
func needsCertificate(reasons []types.ReconcileReason) bool {
	for _, r := range reasons {
		if r != types.ReasonConfigDrift {
			return true
		}
	}
	return false
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func reasonStrings(reasons []types.ReconcileReason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}
