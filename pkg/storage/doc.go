/*
Package storage persists netident's last reconciled network identity.

The store is a BoltDB file (identity.db) in the data directory holding a single
JSON record: the identity, the fingerprints of the certificate and proxy
config installed for it, and when it was saved.

# Contract

	Load() -> identity or nil on first run
	Compare(candidate) -> Unchanged | Changed(old, new)
	Save(identity, fingerprints)

Compare never writes. The controller calls Save only after the certificate and
proxy config for the new identity are installed, so a failed pass leaves the
previous identity in place and the next pass detects the same change again.

# Concurrency

BoltDB takes an exclusive flock on its file while open; NewBoltStore returns
ErrLocked if that lock cannot be obtained within the open timeout. Overlapping
reconciliations are additionally prevented by pkg/lock, which the CLI acquires
before opening the store.
*/
package storage
