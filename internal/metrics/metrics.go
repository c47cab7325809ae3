// Package metrics provides Prometheus metrics for the download gate.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Registry metrics.
	ConnectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "snapgate",
		Subsystem: "connections",
		Name:      "active",
		Help:      "Number of currently tracked downloads per tier.",
	}, []string{"tier"})
	BandwidthUsageBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "snapgate",
		Subsystem: "bandwidth",
		Name:      "usage_bytes",
		Help:      "Bytes used by a user in the current billing period.",
	}, []string{"user", "tier"})
	UsageResetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapgate",
		Subsystem: "usage",
		Name:      "resets_total",
		Help:      "Total number of monthly usage resets.",
	})
	UsageResetUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapgate",
		Subsystem: "usage",
		Name:      "reset_users",
		Help:      "Number of user counters cleared by the most recent reset.",
	})

	// Gate metrics.
	AdmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapgate",
		Subsystem: "gate",
		Name:      "admissions_total",
		Help:      "Download admission decisions.",
	}, []string{"tier", "outcome"}) // "admitted", "quota_exceeded", "capacity_exceeded"
	AnonymousAdmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapgate",
		Subsystem: "gate",
		Name:      "anonymous_admissions_total",
		Help:      "Admitted anonymous downloads by client country.",
	}, []string{"country"})
	QueuePosition = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "snapgate",
		Subsystem: "gate",
		Name:      "last_queue_position",
		Help:      "Queue position hint returned by the most recent capacity refusal.",
	}, []string{"tier"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		BandwidthUsageBytes,
		UsageResetsTotal,
		UsageResetUsers,

		AdmissionsTotal,
		AnonymousAdmissionsTotal,
		QueuePosition,
	)
}

// Sink publishes registry and gate events to the package metrics.
type Sink struct{}

func (Sink) SetActiveConnections(tier string, n int) {
	ConnectionsActive.WithLabelValues(tier).Set(float64(n))
}

func (Sink) SetUsage(userID, tier string, bytes int64) {
	BandwidthUsageBytes.WithLabelValues(userID, tier).Set(float64(bytes))
}

func (Sink) ObserveAdmission(tier, outcome string) {
	AdmissionsTotal.WithLabelValues(tier, outcome).Inc()
}

func (Sink) ObserveQueuePosition(tier string, pos int) {
	QueuePosition.WithLabelValues(tier).Set(float64(pos))
}

func (Sink) ObserveAnonymous(country string) {
	if country == "" {
		country = "unknown"
	}
	AnonymousAdmissionsTotal.WithLabelValues(country).Inc()
}

func (Sink) ObserveReset(users int) {
	UsageResetsTotal.Inc()
	UsageResetUsers.Set(float64(users))
}
