package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/netident/pkg/log"
	"github.com/cuemby/netident/pkg/metrics"
	"github.com/cuemby/netident/pkg/types"
)

// Reconciler is what a Watcher drives; *Controller implements it
type Reconciler interface {
	Reconcile(ctx context.Context, opts Options) (*types.ReconcileResult, error)
}

// Watcher runs a pass immediately and then on every tick until stopped
type Watcher struct {
	reconciler Reconciler
	interval   time.Duration
	onResult   func(*types.ReconcileResult, error)

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	logger  zerolog.Logger
}

// NewWatcher creates a watcher. onResult, if set, is called after each pass.
func NewWatcher(r Reconciler, interval time.Duration, onResult func(*types.ReconcileResult, error)) *Watcher {
	return &Watcher{
		reconciler: r,
		interval:   interval,
		onResult:   onResult,
		logger:     log.WithComponent("watcher"),
	}
}

// Start begins the loop. The first pass honours opts; later passes never force.
func (w *Watcher) Start(ctx context.Context, opts Options) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.run(ctx, opts, w.stopCh, w.doneCh)
}

// Stop ends the loop and waits for an in-flight pass to finish
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done
}

// Done is closed when the loop exits
func (w *Watcher) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doneCh
}

func (w *Watcher) run(ctx context.Context, opts Options, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	w.logger.Info().Dur("interval", w.interval).Msg("Watching network identity")

	w.pass(ctx, opts)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.pass(ctx, Options{})
		case <-stopCh:
			w.logger.Info().Msg("Watcher stopped")
			return
		case <-ctx.Done():
			w.logger.Info().Msg("Watcher context cancelled")
			return
		}
	}
}

func (w *Watcher) pass(ctx context.Context, opts Options) {
	result, err := w.reconciler.Reconcile(ctx, opts)
	reportHealth(result, err)

	if w.onResult != nil {
		w.onResult(result, err)
	}
}

// reportHealth maps a pass outcome onto the health components
func reportHealth(result *types.ReconcileResult, err error) {
	switch Kind(err) {
	case types.ErrorKindNone:
		metrics.UpdateComponent(metrics.ComponentReconciler, true, "")
		metrics.UpdateComponent(metrics.ComponentStore, true, "")
	case types.ErrorKindStore:
		metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		metrics.UpdateComponent(metrics.ComponentReconciler, false, "identity store unavailable")
	default:
		metrics.UpdateComponent(metrics.ComponentReconciler, false, err.Error())
	}

	if result == nil {
		return
	}
	if result.Current != nil {
		metrics.SetIdentityName(result.Current.String())
	}
	if result.ReloadWarning != nil {
		metrics.UpdateComponent(metrics.ComponentProxy, false, result.ReloadWarning.Error())
	} else if result.Reconciled {
		metrics.UpdateComponent(metrics.ComponentProxy, true, "")
	}
}
