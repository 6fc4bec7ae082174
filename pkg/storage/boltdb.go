package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/netident/pkg/types"
	bolt "go.etcd.io/bbolt"
)

const (
	// DatabaseFile is the store's file name inside the data directory
	DatabaseFile = "identity.db"

	recordVersion = 1
)

var (
	bucketIdentity = []byte("identity")
	keyCurrent     = []byte("current")
)

// record is the single durable entry kept in the identity bucket
type record struct {
	Version      int                    `json:"version"`
	Identity     *types.NetworkIdentity `json:"identity"`
	Fingerprints types.Fingerprints     `json:"fingerprints"`
	SavedAt      time.Time              `json:"saved_at"`
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (creating if needed) the store in dataDir.
// openTimeout bounds the wait for bolt's own file lock.
func NewBoltStore(dataDir string, openTimeout time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DatabaseFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Only start a write transaction when the bucket is missing, so opening an
	// initialized store performs no writes.
	var exists bool
	_ = db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketIdentity) != nil
		return nil
	})
	if !exists {
		err = db.Update(func(tx *bolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists(bucketIdentity); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucketIdentity, err)
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return &BoltStore{db: db, path: dbPath}, nil
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.path
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) read() (*record, error) {
	var rec *record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdentity).Get(keyCurrent)
		if data == nil {
			return nil
		}
		rec = &record{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("failed to decode identity record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Version != recordVersion {
		return nil, fmt.Errorf("unsupported identity record version %d", rec.Version)
	}
	return rec, nil
}

// Load returns the stored identity, or nil when none has been saved
func (s *BoltStore) Load() (*types.NetworkIdentity, error) {
	rec, err := s.read()
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Identity, nil
}

// Compare reports Changed when no identity is stored or the names differ
func (s *BoltStore) Compare(candidate *types.NetworkIdentity) (types.Comparison, error) {
	if candidate == nil {
		return types.Comparison{}, fmt.Errorf("candidate identity is nil")
	}

	old, err := s.Load()
	if err != nil {
		return types.Comparison{}, err
	}

	outcome := types.Changed
	if old != nil && old.Equal(candidate) {
		outcome = types.Unchanged
	}
	return types.Comparison{Outcome: outcome, Old: old, New: candidate}, nil
}

// Save replaces the stored record
func (s *BoltStore) Save(identity *types.NetworkIdentity, fingerprints types.Fingerprints) error {
	if identity == nil {
		return fmt.Errorf("identity is nil")
	}

	data, err := json.Marshal(&record{
		Version:      recordVersion,
		Identity:     identity,
		Fingerprints: fingerprints,
		SavedAt:      time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode identity record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put(keyCurrent, data)
	})
}

// Fingerprints returns the stored artifact fingerprints
func (s *BoltStore) Fingerprints() (types.Fingerprints, error) {
	rec, err := s.read()
	if err != nil || rec == nil {
		return types.Fingerprints{}, err
	}
	return rec.Fingerprints, nil
}
