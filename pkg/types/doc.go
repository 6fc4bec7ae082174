/*
Package types defines the data model shared by netident's components.

# Core Types

NetworkIdentity is the reconciled state: a primary IP plus ordered extra
hostnames and the time it was last reconciled. It is owned by the identity
store and replaced wholesale on change, never edited in place.

AddressCandidate is a single interface address produced by the probe,
classified as preferred, private, public or unknown. Candidates are never
persisted.

CertificateArtifact records a key/certificate pair together with the exact
subject names and expiry it was issued for. An artifact whose names are not a
superset of the current identity's names is stale (see Covers).

ProxyConfigSnapshot is the rendered virtual-host text and the identity it was
rendered from. Every server name in a snapshot comes from that identity.

Upstream is a statically configured backend: a name, a host:port and a path
prefix, optionally restricted to a subset of the identity's names.

# Reconciliation

State enumerates the controller's states (idle, probing, comparing,
reconciling, reloading). ReconcileResult records one pass: the candidate, the
previous and current identities, why the pass reconciled (ReconcileReason) and
the state transitions it went through. ErrorKind is the failure taxonomy
reported to the invoker.
*/
package types
