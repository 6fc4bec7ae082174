package storage

import (
	"errors"

	"github.com/cuemby/netident/pkg/types"
)

// ErrLocked is returned when another process holds the store
var ErrLocked = errors.New("identity store is locked by another process")

// Store persists the last reconciled network identity.
// It assumes a single reconciliation actor; callers serialize access.
type Store interface {
	// Load returns the stored identity, or nil on first run
	Load() (*types.NetworkIdentity, error)

	// Compare reports whether candidate differs from the stored identity.
	// Nothing is written: the new identity only becomes durable through Save,
	// once its artifacts are installed.
	Compare(candidate *types.NetworkIdentity) (types.Comparison, error)

	// Save replaces the stored identity and artifact fingerprints
	Save(identity *types.NetworkIdentity, fingerprints types.Fingerprints) error

	// Fingerprints returns the fingerprints recorded with the stored identity
	Fingerprints() (types.Fingerprints, error)

	Close() error
}
