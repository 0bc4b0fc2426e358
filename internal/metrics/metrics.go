// Package metrics holds the prometheus instrumentation for the client
// runtime: connect attempts, retries, reopens and action round-trips,
// grounded on the teacher's own go.mod dependency on
// github.com/prometheus/client_golang (promauto.New* constructors, the
// way prysmaticlabs-prysm's beacon-chain/cache package registers its
// counters).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a set of counters/histograms a Client reports to. The
// zero value is not usable; construct with New or NewForRegistry.
type Metrics struct {
	ConnectAttemptsTotal   prometheus.Counter
	ConnectFailuresTotal   prometheus.Counter
	ConnectRetriesTotal    prometheus.Counter
	ReconnectsTotal        prometheus.Counter
	ActionsTotal           prometheus.Counter
	ActionFailuresTotal    prometheus.Counter
	ActionDurationSeconds  prometheus.Histogram
	FeedOpensTotal         prometheus.Counter
	FeedClosesTotal        prometheus.Counter
	FeedReopensTotal       prometheus.Counter
	FeedReopenSkippedTotal prometheus.Counter
}

// New registers the client's metrics against the default prometheus
// registry, with names namespaced under "feedme_client".
func New() *Metrics {
	return NewForRegistry(prometheus.DefaultRegisterer)
}

// NewForRegistry registers against a caller-supplied registerer (a
// prometheus.NewRegistry() in tests, the default registerer in
// production), the way the teacher isolates test registries from the
// process-wide default.
func NewForRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const ns = "feedme_client"

	return &Metrics{
		ConnectAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "connect_attempts_total",
			Help: "Total number of times the client has attempted to connect.",
		}),
		ConnectFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "connect_failures_total",
			Help: "Total number of connect attempts that ended in a transport failure or timeout.",
		}),
		ConnectRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "connect_retries_total",
			Help: "Total number of scheduled connect retries.",
		}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "reconnects_total",
			Help: "Total number of automatic reconnects after a connected transport failure.",
		}),
		ActionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "actions_total",
			Help: "Total number of actions sent.",
		}),
		ActionFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "action_failures_total",
			Help: "Total number of actions that completed with an error (rejected, timed out, or not connected).",
		}),
		ActionDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "action_duration_seconds",
			Help:    "Time from an action being sent to its continuation firing.",
			Buckets: prometheus.DefBuckets,
		}),
		FeedOpensTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "feed_opens_total",
			Help: "Total number of FeedOpen requests sent.",
		}),
		FeedClosesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "feed_closes_total",
			Help: "Total number of FeedClose requests sent.",
		}),
		FeedReopensTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "feed_reopens_total",
			Help: "Total number of automatic reopens after a BAD_FEED_ACTION closure.",
		}),
		FeedReopenSkippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "feed_reopen_skipped_total",
			Help: "Total number of reopens suppressed by the reopen-throttle cap.",
		}),
	}
}
