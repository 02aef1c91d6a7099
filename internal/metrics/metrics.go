package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "custodyline"

// Metrics holds the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	eventsAppended        *prometheus.CounterVec
	transitionsRejected   *prometheus.CounterVec
	verifications         *prometheus.CounterVec
	fingerprintMismatches prometheus.Counter
	anchorSubmissions     *prometheus.CounterVec
	anchorConfirmations   *prometheus.CounterVec
	verifyDuration        prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "custody",
			Name:      "events_appended_total",
			Help:      "Custody events appended, by event type.",
		}, []string{"type"}),
		transitionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "custody",
			Name:      "transitions_rejected_total",
			Help:      "Events or actions rejected by the batch status machine.",
		}, []string{"action", "status"}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "batches_total",
			Help:      "Batch verifications, by result.",
		}, []string{"result"}),
		fingerprintMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "fingerprint_mismatches_total",
			Help:      "Stored fingerprints that did not match their recomputed value.",
		}),
		anchorSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anchor",
			Name:      "submissions_total",
			Help:      "Anchor submission attempts, by gateway and outcome.",
		}, []string{"gateway", "outcome"}),
		anchorConfirmations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anchor",
			Name:      "confirmations_total",
			Help:      "Anchor confirmation checks, by gateway and outcome.",
		}, []string{"gateway", "outcome"}),
		verifyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "duration_seconds",
			Help:      "Time spent verifying one batch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) EventAppended(eventType string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

func (m *Metrics) TransitionRejected(action, status string) {
	if m == nil {
		return
	}
	m.transitionsRejected.WithLabelValues(action, status).Inc()
}

func (m *Metrics) Verified(valid bool, mismatches int, took time.Duration) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.verifications.WithLabelValues(result).Inc()
	m.fingerprintMismatches.Add(float64(mismatches))
	m.verifyDuration.Observe(took.Seconds())
}

func (m *Metrics) AnchorSubmitted(gateway, outcome string) {
	if m == nil {
		return
	}
	m.anchorSubmissions.WithLabelValues(gateway, outcome).Inc()
}

func (m *Metrics) AnchorChecked(gateway, outcome string) {
	if m == nil {
		return
	}
	m.anchorConfirmations.WithLabelValues(gateway, outcome).Inc()
}
