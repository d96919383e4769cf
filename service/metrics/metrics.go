package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "presence"

var (
	// LocalConnections counts live connections held by this process.
	LocalConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "local_connections",
		Help:      "Live connections owned by this process, per namespace.",
	}, []string{"nsp"})

	AuthRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_rejections_total",
		Help:      "Rejected handshakes by reason.",
	}, []string{"reason"})

	FanoutPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_published_total",
		Help:      "Packets published to peer processes.",
	}, []string{"type"})

	FanoutReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_received_total",
		Help:      "Packets received from peer processes.",
	}, []string{"type"})

	PresencePruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_pruned_total",
		Help:      "Stale or malformed presence entries removed during listing.",
	})

	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of reconciliation runs.",
		Buckets:   prometheus.DefBuckets,
	})

	ReconcileFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_failures_total",
		Help:      "Reconciliation runs that failed.",
	})

	DroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_frames_total",
		Help:      "Outbound frames dropped because a connection's send queue was full.",
	})
)

// Registry holds every collector of this service.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		LocalConnections,
		AuthRejections,
		FanoutPublished,
		FanoutReceived,
		PresencePruned,
		ReconcileDuration,
		ReconcileFailures,
		DroppedFrames,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
