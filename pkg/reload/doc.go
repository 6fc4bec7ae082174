// Package reload tells the external reverse proxy to re-read its config and
// certificate files.
//
// The proxy is a black box behind the Reloader interface. Implementations:
//
//   - docker-signal: send a signal (HUP by default) to the proxy container via the
//     Docker API; a stopped container is restarted instead
//   - docker-restart: restart the container, like `docker restart nginx`
//   - containerd: signal the container's task directly (nerdctl hosts)
//   - exec: run a command such as `nginx -s reload` or `docker compose restart nginx`
//   - none: do nothing
//
// A failed reload is reported by the reconciler as a Warning. It is not fatal:
// the new artifacts are already installed.
package reload
