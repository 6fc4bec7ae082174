// Package lock serializes reconciliation passes across processes with an
// advisory file lock placed next to the identity store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// FileName is the lock file name inside the data directory
const FileName = "netident.lock"

// ErrHeld is returned when another process holds the lock
var ErrHeld = errors.New("another reconciliation is in progress")

// Lock is an advisory lock on the data directory
type Lock struct {
	fl *flock.Flock
}

// New returns the lock for dataDir without acquiring it
func New(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Lock{fl: flock.New(filepath.Join(dataDir, FileName))}, nil
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.fl.Path()
}

// TryLock acquires the lock without waiting
func (l *Lock) TryLock() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

// Acquire waits for the lock until ctx is done, retrying every retryDelay
func (l *Lock) Acquire(ctx context.Context, retryDelay time.Duration) error {
	ok, err := l.fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return ErrHeld
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

// Unlock releases the lock
func (l *Lock) Unlock() error {
	return l.fl.Unlock()
}
