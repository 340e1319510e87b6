// Package metrics exposes Prometheus collectors for the resolver's
// connection, shard, and operation counters, grounded on
// go-server-3/internal/metrics/metrics.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors the resolver exports.
type Registry struct {
	ActiveConnections prometheus.Gauge
	RejectedAtLimit   prometheus.Counter
	RejectedAdmission prometheus.Counter

	BatchSize     prometheus.Histogram
	ShardQueueLen *prometheus.GaugeVec

	ResolveTotal    prometheus.Counter
	ResolveMisses   prometheus.Counter
	PublishTotal    prometheus.Counter
	UnpublishTotal  prometheus.Counter
	TTLExpiryTotal  prometheus.Counter
	TakeoverTotal   prometheus.Counter
	ReferralServed  prometheus.Counter
	PermissionDenied prometheus.Counter
}

// NewRegistry creates and registers every resolver collector against the
// default Prometheus registry.
func NewRegistry() *Registry {
	return &Registry{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "resolver_connections_active",
			Help: "Number of currently open client connections.",
		}),
		RejectedAtLimit: promauto.NewCounter(prometheus.CounterOpts{
			Name: "resolver_connections_rejected_at_limit_total",
			Help: "Connections dropped because max_connections was already reached.",
		}),
		RejectedAdmission: promauto.NewCounter(prometheus.CounterOpts{
			Name: "resolver_connections_rejected_admission_total",
			Help: "Connections dropped by the admission guard (rate limit or cpu/mem brake).",
		}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "resolver_batch_items",
			Help:    "Number of messages decoded per received batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ShardQueueLen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resolver_shard_queue_depth",
			Help: "Number of pending operations queued to a shard.",
		}, []string{"shard"}),
		ResolveTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "resolver_resolve_total",
			Help: "Total Resolve requests processed.",
		}),
		ResolveMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "resolver_resolve_misses_total",
			Help: "Resolve requests that found no publisher.",
		}),
		PublishTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "resolver_publish_total",
			Help: "Total Publish/PublishDefault requests processed.",
		}),
		UnpublishTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "resolver_unpublish_total",
			Help: "Total Unpublish requests processed (including Clear fan-out).",
		}),
		TTLExpiryTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "resolver_ttl_expiry_total",
			Help: "Writer connections that were purged by TTL expiry.",
		}),
		TakeoverTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "resolver_publisher_takeover_total",
			Help: "Times a write_addr reconnected and took over a live publisher slot.",
		}),
		ReferralServed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "resolver_referral_served_total",
			Help: "Requests answered with a referral instead of a local result.",
		}),
		PermissionDenied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "resolver_permission_denied_total",
			Help: "Requests rejected by the SecStore permission check.",
		}),
	}
}

// Handler exposes the registered collectors for a /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
