/*
Package health provides the one-shot HTTP and TCP probes behind
`netident status --check`.

Each upstream is checked with a TCP dial to its host:port. The proxy itself is
checked over HTTPS against the identity's primary address, trusting only the
installed certificate, so a stale or mismatched certificate fails the check
even when nginx is up. Targets run concurrently through RunAll.
*/
package health
