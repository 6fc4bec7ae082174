/*
Package reconciler keeps the host's certificate and reverse-proxy
configuration in step with its network identity.

# State machine

Each call to Controller.Reconcile is one pass:

	Idle ─► Probing ─► Comparing ─┬─► Idle                       (unchanged)
	                              └─► Reconciling ─► Reloading ─► Idle

Probing selects the primary address. Comparing checks it, together with the
configured hostnames, against the identity store. A pass regenerates when
the identity changed, on first run, when forced, or when the installed
artifacts no longer match the stored identity (missing, not covering every
name, close to expiry, or a hand-edited proxy config).

In Reconciling the proxy config is rendered first, then the certificate is
issued and installed, then the config is installed. Only after both are in
place is the new identity saved, so any failure before that point leaves the
store holding the old identity and the next pass retries the same change.

Reloading signals the proxy with a bounded timeout. A failed reload is
returned as result.ReloadWarning rather than as an error: the artifacts and
the store are already consistent, and the proxy picks them up on its next
reload.

# Errors

Kind maps any error from Reconcile to a types.ErrorKind. The CLI turns kinds
into exit codes.

# Serialization

The controller assumes it is the only actor. The CLI holds a pkg/lock file
lock for a single run, and for the whole lifetime of a Watcher.
*/
package reconciler
