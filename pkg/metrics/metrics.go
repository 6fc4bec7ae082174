package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation metrics
	ReconcilePassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netident_reconcile_passes_total",
			Help: "Total number of reconciliation passes by outcome (unchanged, reconciled, failed)",
		},
		[]string{"outcome"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netident_reconcile_duration_seconds",
			Help:    "Time taken by a reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netident_reconcile_errors_total",
			Help: "Total number of failed passes by error kind",
		},
		[]string{"kind"},
	)

	ReconcileReasonsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netident_reconcile_reasons_total",
			Help: "Total number of reconciliations by trigger reason",
		},
		[]string{"reason"},
	)

	// Artifact metrics
	CertificatesIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netident_certificates_issued_total",
			Help: "Total number of certificates issued",
		},
	)

	CertificateExpiry = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netident_certificate_expiry_timestamp_seconds",
			Help: "Unix time at which the installed certificate expires",
		},
	)

	ProxyConfigWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netident_proxy_config_writes_total",
			Help: "Total number of proxy configuration files written",
		},
	)

	// Reload metrics
	ReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netident_reloads_total",
			Help: "Total number of proxy reload attempts by result (success, warning)",
		},
		[]string{"result"},
	)

	// Identity metrics
	IdentityInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netident_identity_info",
			Help: "Currently committed network identity (value is always 1)",
		},
		[]string{"address"},
	)

	LastReconcileTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netident_last_reconcile_timestamp_seconds",
			Help: "Unix time of the last pass that completed without a fatal error",
		},
	)
)

func init() {
	prometheus.MustRegister(ReconcilePassesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileErrorsTotal)
	prometheus.MustRegister(ReconcileReasonsTotal)
	prometheus.MustRegister(CertificatesIssuedTotal)
	prometheus.MustRegister(CertificateExpiry)
	prometheus.MustRegister(ProxyConfigWritesTotal)
	prometheus.MustRegister(ReloadsTotal)
	prometheus.MustRegister(IdentityInfo)
	prometheus.MustRegister(LastReconcileTimestamp)
}

// SetIdentity replaces the identity info series with the given address
func SetIdentity(address string) {
	IdentityInfo.Reset()
	IdentityInfo.WithLabelValues(address).Set(1)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
