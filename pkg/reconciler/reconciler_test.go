package reconciler

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/netident/pkg/events"
	"github.com/cuemby/netident/pkg/fsutil"
	"github.com/cuemby/netident/pkg/probe"
	"github.com/cuemby/netident/pkg/proxyconf"
	"github.com/cuemby/netident/pkg/reload"
	"github.com/cuemby/netident/pkg/security"
	"github.com/cuemby/netident/pkg/storage"
	"github.com/cuemby/netident/pkg/types"
)

const testKeyBits = 1024

var testUpstreams = []types.Upstream{
	{Name: "open-webui", Host: "127.0.0.1", Port: 3000, PathPrefix: "/"},
	{Name: "marqo", Host: "127.0.0.1", Port: 8882, PathPrefix: "/marqo/", StripPrefix: true},
	{Name: "vtuber", Host: "127.0.0.1", Port: 12393, PathPrefix: "/vtuber/"},
}

type fakeProber struct {
	mu        sync.Mutex
	candidate types.AddressCandidate
	err       error
}

func (f *fakeProber) Probe() (types.AddressCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidate, f.err
}

func (f *fakeProber) set(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidate = types.AddressCandidate{Interface: "eth0", IP: net.ParseIP(ip), Class: types.SubnetPrivate}
	f.err = nil
}

// countingWriter counts file installs and can be told to fail
type countingWriter struct {
	inner  fsutil.FileWriter
	mu     sync.Mutex
	writes int
	fail   error
}

func (c *countingWriter) WriteFiles(files ...fsutil.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.writes += len(files)
	return c.inner.WriteFiles(files...)
}

func (c *countingWriter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// countingStore wraps a real store, counting and optionally failing saves
type countingStore struct {
	storage.Store
	saves    int
	failSave error
}

func (s *countingStore) Save(identity *types.NetworkIdentity, fp types.Fingerprints) error {
	if s.failSave != nil {
		return s.failSave
	}
	s.saves++
	return s.Store.Save(identity, fp)
}

type recordingReloader struct {
	calls int
	err   error
}

func (r *recordingReloader) Reload(ctx context.Context) error {
	r.calls++
	return r.err
}

func (r *recordingReloader) Name() string { return "recording" }

type testEnv struct {
	dir        string
	prober     *fakeProber
	store      *countingStore
	certFiles  *countingWriter
	confFiles  *countingWriter
	reloader   *recordingReloader
	issuer     *security.Issuer
	writer     *proxyconf.Writer
	controller *Controller
}

func newTestEnv(t *testing.T, hostnames []string, validityDays int) *testEnv {
	t.Helper()
	dir := t.TempDir()

	bolt, err := storage.NewBoltStore(filepath.Join(dir, "data"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	env := &testEnv{
		dir:       dir,
		prober:    &fakeProber{},
		store:     &countingStore{Store: bolt},
		certFiles: &countingWriter{inner: fsutil.NewAtomicWriter()},
		confFiles: &countingWriter{inner: fsutil.NewAtomicWriter()},
		reloader:  &recordingReloader{},
	}

	env.issuer = security.NewIssuer(security.IssuerConfig{
		CertPath: filepath.Join(dir, "tls", "cert.pem"),
		KeyPath:  filepath.Join(dir, "tls", "key.pem"),
		KeyBits:  testKeyBits,
	}, env.certFiles)

	env.writer, err = proxyconf.NewWriter(proxyconf.Config{
		Path:     filepath.Join(dir, "nginx", "netident.conf"),
		CertPath: filepath.Join(dir, "tls", "cert.pem"),
		KeyPath:  filepath.Join(dir, "tls", "key.pem"),
	}, env.confFiles)
	require.NoError(t, err)

	env.controller, err = NewController(Deps{
		Prober:       env.prober,
		Store:        env.store,
		Issuer:       env.issuer,
		ConfigWriter: env.writer,
		Reloader:     env.reloader,
	}, Config{
		Hostnames:    hostnames,
		Upstreams:    testUpstreams,
		ValidityDays: validityDays,
		RenewBefore:  security.DefaultRenewBefore,
	})
	require.NoError(t, err)

	return env
}

func (e *testEnv) writes() int {
	return e.certFiles.count() + e.confFiles.count()
}

func (e *testEnv) installedCert(t *testing.T) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.dir, "tls", "cert.pem"))
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func (e *testEnv) reconcile(t *testing.T, opts Options) *types.ReconcileResult {
	t.Helper()
	result, err := e.controller.Reconcile(context.Background(), opts)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func TestNewControllerRequiresDeps(t *testing.T) {
	_, err := NewController(Deps{}, Config{})
	assert.Error(t, err)
}

func TestFirstRun(t *testing.T) {
	env := newTestEnv(t, []string{"ai-box.local"}, 365)
	env.prober.set("10.0.0.5")

	result := env.reconcile(t, Options{})

	assert.True(t, result.Reconciled)
	assert.Equal(t, []types.ReconcileReason{types.ReasonFirstRun}, result.Reasons)
	assert.Nil(t, result.Previous)
	assert.Equal(t, "10.0.0.5,ai-box.local", result.Current.String())
	assert.Nil(t, result.ReloadWarning)
	assert.Equal(t, 1, env.reloader.calls)
	assert.NotEmpty(t, result.PassID)
	assert.Equal(t, []types.State{
		types.StateProbing, types.StateComparing, types.StateReconciling, types.StateReloading, types.StateIdle,
	}, result.Transitions)

	stored, err := env.store.Load()
	require.NoError(t, err)
	assert.True(t, stored.Equal(result.Current))

	fp, err := env.store.Fingerprints()
	require.NoError(t, err)
	assert.Equal(t, result.Certificate.Fingerprint, fp.Certificate)
	assert.Equal(t, result.ProxyConfig.Fingerprint, fp.ProxyConfig)
}

func TestCertificateCoversEveryIdentityName(t *testing.T) {
	env := newTestEnv(t, []string{"ai-box.local", "ai-box"}, 365)
	env.prober.set("192.168.1.20")

	result := env.reconcile(t, Options{})

	cert := env.installedCert(t)
	require.Len(t, cert.IPAddresses, 1)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("192.168.1.20")))
	assert.ElementsMatch(t, []string{"ai-box.local", "ai-box"}, cert.DNSNames)
	assert.True(t, result.Certificate.Covers(result.Current.Names()))

	for _, name := range result.Current.Names() {
		assert.NoError(t, cert.VerifyHostname(name), name)
	}
}

func TestSecondRunIsNoOpWithZeroWrites(t *testing.T) {
	env := newTestEnv(t, []string{"ai-box.local"}, 365)
	env.prober.set("10.0.0.5")
	env.reconcile(t, Options{})

	writes, saves, reloads := env.writes(), env.store.saves, env.reloader.calls

	result := env.reconcile(t, Options{})

	assert.False(t, result.Reconciled)
	assert.Empty(t, result.Reasons)
	assert.Equal(t, []types.State{types.StateProbing, types.StateComparing, types.StateIdle}, result.Transitions)
	assert.Equal(t, writes, env.writes())
	assert.Equal(t, saves, env.store.saves)
	assert.Equal(t, reloads, env.reloader.calls)
	assert.Equal(t, "10.0.0.5,ai-box.local", result.Current.String())
}

func TestAddressChange(t *testing.T) {
	env := newTestEnv(t, nil, 365)
	env.prober.set("10.0.0.5")
	env.reconcile(t, Options{})

	env.prober.set("10.0.0.9")
	result := env.reconcile(t, Options{})

	assert.True(t, result.Reconciled)
	assert.Equal(t, []types.ReconcileReason{types.ReasonAddressChanged}, result.Reasons)
	assert.Equal(t, "10.0.0.5", result.Previous.PrimaryIP.String())
	assert.Equal(t, "10.0.0.9", result.Current.PrimaryIP.String())

	cert := env.installedCert(t)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "10.0.0.9", cert.IPAddresses[0].String())

	conf, err := os.ReadFile(filepath.Join(env.dir, "nginx", "netident.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(conf), "server_name 10.0.0.9;")
	assert.NotContains(t, string(conf), "10.0.0.5")

	stored, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", stored.PrimaryIP.String())
}

func TestHostnameChange(t *testing.T) {
	env := newTestEnv(t, []string{"ai-box.local"}, 365)
	env.prober.set("10.0.0.5")
	env.reconcile(t, Options{})

	env.controller.cfg.Hostnames = []string{"ai-box.local", "chat.lan"}
	result := env.reconcile(t, Options{})

	assert.Equal(t, []types.ReconcileReason{types.ReasonNamesChanged}, result.Reasons)
	assert.Contains(t, env.installedCert(t).DNSNames, "chat.lan")
}

func TestForce(t *testing.T) {
	env := newTestEnv(t, nil, 365)
	env.prober.set("10.0.0.5")
	first := env.reconcile(t, Options{})

	result := env.reconcile(t, Options{Force: true})

	assert.True(t, result.Reconciled)
	assert.Equal(t, []types.ReconcileReason{types.ReasonForced}, result.Reasons)
	assert.NotEqual(t, first.Certificate.SerialNumber, result.Certificate.SerialNumber)
	assert.Equal(t, 2, env.reloader.calls)
}

func TestIdempotentAcrossManyPasses(t *testing.T) {
	env := newTestEnv(t, []string{"ai-box.local"}, 365)
	env.prober.set("10.0.0.5")
	env.reconcile(t, Options{})
	writes := env.writes()

	for i := 0; i < 5; i++ {
		assert.False(t, env.reconcile(t, Options{}).Reconciled)
	}
	assert.Equal(t, writes, env.writes())
	assert.Equal(t, 1, env.store.saves)
}

func TestNoAddressAbortsBeforeAnyMutation(t *testing.T) {
	env := newTestEnv(t, nil, 365)
	env.prober.err = probe.ErrNoAddressFound

	result, err := env.controller.Reconcile(context.Background(), Options{})

	require.Error(t, err)
	assert.ErrorIs(t, err, probe.ErrNoAddressFound)
	assert.Equal(t, types.ErrorKindNoAddress, Kind(err))
	assert.NotNil(t, result)
	assert.False(t, result.Reconciled)
	assert.Equal(t, []types.State{types.StateProbing, types.StateIdle}, result.Transitions)
	assert.Zero(t, env.writes())
	assert.Zero(t, env.store.saves)
	assert.Zero(t, env.reloader.calls)
}

func TestIssuanceFailureLeavesStoreAndRetries(t *testing.T) {
	env := newTestEnv(t, nil, 365)
	env.prober.set("10.0.0.5")
	env.reconcile(t, Options{})
	before := env.installedCert(t)

	env.prober.set("10.0.0.9")
	env.certFiles.fail = errors.New("disk full")

	_, err := env.controller.Reconcile(context.Background(), Options{})
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindIssuance, Kind(err))

	// Prior identity and artifacts survive
	stored, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", stored.PrimaryIP.String())
	assert.Equal(t, before.SerialNumber, env.installedCert(t).SerialNumber)
	assert.Equal(t, 1, env.reloader.calls)

	// The next pass sees the same change again
	env.certFiles.fail = nil
	result := env.reconcile(t, Options{})
	assert.True(t, result.Reconciled)
	assert.Equal(t, []types.ReconcileReason{types.ReasonAddressChanged}, result.Reasons)
	assert.Equal(t, "10.0.0.9", env.installedCert(t).IPAddresses[0].String())
}

func TestConfigWriteFailureLeavesStore(t *testing.T) {
	env := newTestEnv(t, nil, 365)
	env.prober.set("10.0.0.5")
	env.confFiles.fail = errors.New("read-only file system")

	_, err := env.controller.Reconcile(context.Background(), Options{})
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindRender, Kind(err))

	stored, err := env.store.Load()
	require.NoError(t, err)
	assert.Nil(t, stored)

	env.confFiles.fail = nil
	result := env.reconcile(t, Options{})
	assert.Equal(t, []types.ReconcileReason{types.ReasonFirstRun}, result.Reasons)
}

func TestRenderFailureWritesNothing(t *testing.T) {
	env := newTestEnv(t, nil, 365)
	env.prober.set("10.0.0.5")
	env.controller.cfg.Upstreams = []types.Upstream{
		{Name: "a", Host: "127.0.0.1", Port: 1, PathPrefix: "/"},
		{Name: "b", Host: "127.0.0.1", Port: 2, PathPrefix: "/"},
	}

	_, err := env.controller.Reconcile(context.Background(), Options{})
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindRender, Kind(err))
	assert.Zero(t, env.writes())
}

func TestSaveFailureIsStoreError(t *testing.T) {
	env := newTestEnv(t, nil, 365)
	env.prober.set("10.0.0.5")
	env.store.failSave = errors.New("database not open")

	_, err := env.controller.Reconcile(context.Background(), Options{})
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindStore, Kind(err))
	assert.Zero(t, env.reloader.calls)
}

func TestReloadFailureIsWarning(t *testing.T) {
	env := newTestEnv(t, nil, 365)
	env.prober.set("10.0.0.5")
	env.reloader.err = errors.New("container not running")

	result, err := env.controller.Reconcile(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, result.Reconciled)
	require.Error(t, result.ReloadWarning)
	assert.Equal(t, types.ErrorKindReloadWarning, Kind(result.ReloadWarning))

	var warning *reload.Warning
	require.ErrorAs(t, result.ReloadWarning, &warning)
	assert.Equal(t, "recording", warning.Reloader)

	// The identity is committed; the next pass is a no-op
	env.reloader.err = nil
	assert.False(t, env.reconcile(t, Options{}).Reconciled)
}

func TestReloadTimeoutIsWarning(t *testing.T) {
	env := newTestEnv(t, nil, 365)
	env.prober.set("10.0.0.5")
	env.controller.cfg.ReloadTimeout = 20 * time.Millisecond
	env.controller.deps.Reloader = blockingReloader{}

	result, err := env.controller.Reconcile(context.Background(), Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, result.ReloadWarning, context.DeadlineExceeded)
}

type blockingReloader struct{}

func (blockingReloader) Reload(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingReloader) Name() string { return "blocking" }

func TestMissingCertificateIsReissued(t *testing.T) {
	env := newTestEnv(t, nil, 365)
	env.prober.set("10.0.0.5")
	env.reconcile(t, Options{})

	require.NoError(t, os.Remove(filepath.Join(env.dir, "tls", "cert.pem")))

	result := env.reconcile(t, Options{})
	assert.Equal(t, []types.ReconcileReason{types.ReasonArtifactMissing}, result.Reasons)
	assert.FileExists(t, filepath.Join(env.dir, "tls", "cert.pem"))
}

func TestMismatchedKeyIsReissued(t *testing.T) {
	env := newTestEnv(t, nil, 365)
	env.prober.set("10.0.0.5")
	env.reconcile(t, Options{})

	other, err := env.issuer.Generate("10.0.0.5", nil, 365)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "tls", "key.pem"), other.KeyPEM, 0600))

	result := env.reconcile(t, Options{})
	assert.Equal(t, []types.ReconcileReason{types.ReasonArtifactStale}, result.Reasons)
}

func TestExpiringCertificateIsReissued(t *testing.T) {
	// Ten days of validity is inside the default thirty day renewal window
	env := newTestEnv(t, nil, 10)
	env.prober.set("10.0.0.5")
	first := env.reconcile(t, Options{})

	result := env.reconcile(t, Options{})
	assert.Equal(t, []types.ReconcileReason{types.ReasonArtifactExpiring}, result.Reasons)
	assert.NotEqual(t, first.Certificate.SerialNumber, result.Certificate.SerialNumber)
}

func TestEarlyRenewalDisabled(t *testing.T) {
	env := newTestEnv(t, nil, 10)
	env.controller.cfg.RenewBefore = 0
	env.prober.set("10.0.0.5")
	env.reconcile(t, Options{})
	writes := env.writes()

	result := env.reconcile(t, Options{})
	assert.False(t, result.Reconciled)
	assert.Empty(t, result.Reasons)
	assert.Equal(t, writes, env.writes())
}

func TestConfigDriftRewritesConfigOnly(t *testing.T) {
	env := newTestEnv(t, nil, 365)
	env.prober.set("10.0.0.5")
	first := env.reconcile(t, Options{})

	confPath := filepath.Join(env.dir, "nginx", "netident.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("# edited by hand\n"), 0644))
	certWrites := env.certFiles.count()

	result := env.reconcile(t, Options{})

	assert.True(t, result.Reconciled)
	assert.Equal(t, []types.ReconcileReason{types.ReasonConfigDrift}, result.Reasons)
	assert.Equal(t, certWrites, env.certFiles.count())
	assert.Equal(t, first.Certificate.SerialNumber, result.Certificate.SerialNumber)
	assert.Equal(t, 2, env.reloader.calls)

	conf, err := os.ReadFile(confPath)
	require.NoError(t, err)
	assert.Contains(t, string(conf), "server_name 10.0.0.5;")
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want types.ErrorKind
	}{
		{nil, types.ErrorKindNone},
		{probe.ErrNoAddressFound, types.ErrorKindNoAddress},
		{&security.IssuanceError{Op: "generate key", Err: errors.New("x")}, types.ErrorKindIssuance},
		{&proxyconf.RenderError{Op: "write", Err: errors.New("x")}, types.ErrorKindRender},
		{&StoreError{Op: "save", Err: errors.New("x")}, types.ErrorKindStore},
		{storage.ErrLocked, types.ErrorKindStore},
		{&reload.Warning{Reloader: "exec", Err: errors.New("x")}, types.ErrorKindReloadWarning},
		{errors.New("boom"), types.ErrorKindOther},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingPublisher) Publish(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) kinds() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestEventsPublished(t *testing.T) {
	env := newTestEnv(t, nil, 365)
	pub := &recordingPublisher{}
	env.controller.deps.Events = pub
	env.prober.set("10.0.0.5")

	result := env.reconcile(t, Options{})
	assert.Equal(t, []events.EventType{
		events.EventCertificateIssued,
		events.EventProxyConfigWritten,
		events.EventIdentityChanged,
		events.EventProxyReloaded,
	}, pub.kinds())
	for _, ev := range pub.events {
		assert.Equal(t, result.PassID, ev.PassID)
	}

	// A no-op pass is silent
	env.reconcile(t, Options{})
	assert.Len(t, pub.kinds(), 4)

	env.reloader.err = errors.New("container not running")
	env.prober.set("10.0.0.9")
	env.reconcile(t, Options{})
	assert.Equal(t, events.EventProxyReloadFailed, pub.kinds()[len(pub.kinds())-1])

	env.prober.err = probe.ErrNoAddressFound
	_, err := env.controller.Reconcile(context.Background(), Options{})
	require.Error(t, err)
	last := pub.events[len(pub.events)-1]
	assert.Equal(t, events.EventPassFailed, last.Type)
	assert.Equal(t, "no_address", last.Metadata["kind"])
}
