package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/netident/pkg/metrics"
	"github.com/cuemby/netident/pkg/probe"
	"github.com/cuemby/netident/pkg/types"
)

type scriptedReconciler struct {
	mu    sync.Mutex
	calls []Options
	err   error
}

func (s *scriptedReconciler) Reconcile(ctx context.Context, opts Options) (*types.ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, opts)
	return &types.ReconcileResult{}, s.err
}

func (s *scriptedReconciler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestWatcherRunsImmediatelyThenOnTicks(t *testing.T) {
	r := &scriptedReconciler{}
	results := make(chan error, 16)
	w := NewWatcher(r, 10*time.Millisecond, func(_ *types.ReconcileResult, err error) {
		results <- err
	})

	w.Start(context.Background(), Options{Force: true})
	require.Eventually(t, func() bool { return r.count() >= 3 }, time.Second, 5*time.Millisecond)
	w.Stop()

	r.mu.Lock()
	assert.True(t, r.calls[0].Force, "first pass honours options")
	for _, opts := range r.calls[1:] {
		assert.False(t, opts.Force, "later passes never force")
	}
	r.mu.Unlock()

	n := r.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, r.count(), "no passes after Stop")
	assert.NoError(t, <-results)
}

func TestWatcherStopsOnContextCancel(t *testing.T) {
	r := &scriptedReconciler{}
	w := NewWatcher(r, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx, Options{})
	done := w.Done()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after cancel")
	}
	assert.Equal(t, 1, r.count())

	// Stop after exit is a no-op
	w.Stop()
}

func TestWatcherReportsHealth(t *testing.T) {
	r := &scriptedReconciler{err: probe.ErrNoAddressFound}
	w := NewWatcher(r, time.Hour, nil)

	w.Start(context.Background(), Options{})
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)
	w.Stop()

	assert.Equal(t, "not_ready", metrics.GetReadiness().Status)
}

func TestReportHealth(t *testing.T) {
	reportHealth(&types.ReconcileResult{Reconciled: true}, nil)
	assert.Equal(t, "ready", metrics.GetReadiness().Status)

	reportHealth(&types.ReconcileResult{Reconciled: true, ReloadWarning: errors.New("reload failed")}, nil)
	assert.Equal(t, "degraded", metrics.GetHealth().Status)
	assert.Equal(t, "ready", metrics.GetReadiness().Status)

	reportHealth(nil, &StoreError{Op: "compare", Err: errors.New("timeout")})
	assert.Equal(t, "unhealthy", metrics.GetHealth().Status)
}
