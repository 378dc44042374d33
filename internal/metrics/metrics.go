// Package metrics exposes the manager's own Prometheus collectors. These
// describe the manager; per-key traffic is exported by the proxy itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// accessKeys is the number of keys in the store by state
	accessKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ssmanager_access_keys",
		Help: "Number of access keys by state",
	}, []string{"state"})

	// keyMutationsTotal counts store mutations by operation and result
	keyMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssmanager_key_mutations_total",
		Help: "Total access key store mutations by operation and result",
	}, []string{"op", "result"})

	// configSyncsTotal counts proxy config syncs; result is applied, unchanged or error
	configSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssmanager_config_syncs_total",
		Help: "Total proxy configuration syncs by result",
	}, []string{"result"})

	// proxyRestartsTotal counts restarts of the proxy after an unexpected exit
	proxyRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssmanager_proxy_restarts_total",
		Help: "Total restarts of the proxy process after it exited unexpectedly",
	})

	// quotaTransitionsTotal counts keys disabled or re-enabled by the quota pass
	quotaTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssmanager_quota_transitions_total",
		Help: "Total access key state changes caused by data limits",
	}, []string{"direction"})

	// usageQueryFailuresTotal counts failed queries against the usage store
	usageQueryFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssmanager_usage_query_failures_total",
		Help: "Total failed data usage queries",
	})

	// reportsTotal counts metrics sharing reports by kind and result
	reportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssmanager_reports_total",
		Help: "Total metrics sharing reports by kind and result",
	}, []string{"kind", "result"})
)

// SetAccessKeys records the key count and how many of them are enabled.
func SetAccessKeys(total, enabled int) {
	accessKeys.WithLabelValues("enabled").Set(float64(enabled))
	accessKeys.WithLabelValues("disabled").Set(float64(total - enabled))
}

func IncKeyMutation(op, result string) {
	keyMutationsTotal.WithLabelValues(op, result).Inc()
}

func IncConfigSync(result string) {
	configSyncsTotal.WithLabelValues(result).Inc()
}

func IncProxyRestart() {
	proxyRestartsTotal.Inc()
}

// IncQuotaTransition takes "disable" or "enable".
func IncQuotaTransition(direction string) {
	quotaTransitionsTotal.WithLabelValues(direction).Inc()
}

func IncUsageQueryFailure() {
	usageQueryFailuresTotal.Inc()
}

// IncReport takes kind "server" or "feature".
func IncReport(kind, result string) {
	reportsTotal.WithLabelValues(kind, result).Inc()
}
