/*
Package metrics exposes netident's Prometheus metrics and the JSON health
endpoints served by the watch command.

Metrics are package-level collectors registered with the default registry at
init. The reconciler updates them directly:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)
	metrics.ReconcilePassesTotal.WithLabelValues("reconciled").Inc()

Component health is tracked by name. The reconciler and store components are
critical: /ready answers 503 until both have reported healthy, and /health
answers 503 while either is failing. A failing proxy component (typically a
reload warning) marks health as degraded but keeps the endpoint at 200.

NewServeMux wires /metrics, /health, /ready and /live onto one mux.
*/
package metrics
