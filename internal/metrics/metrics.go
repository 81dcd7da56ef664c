// Package metrics holds guidepost's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	StateTransitions   *prometheus.CounterVec
	Handoffs           *prometheus.CounterVec
	StaleClosesIgnored prometheus.Counter
	TransitionMessages prometheus.Counter
	VerifyAttempts     prometheus.Histogram
	GatewayErrors      *prometheus.CounterVec
	BeaconsSent        prometheus.Counter
	AssistantDuration  prometheus.Histogram
	MutedFallbacks     prometheus.Counter
	SourceReloads      prometheus.Counter
	ActiveRuntimes     prometheus.Gauge
	Notifications      *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guidepost_state_transitions_total",
			Help: "Conversation state machine transitions",
		}, []string{"from", "to"}),
		Handoffs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guidepost_handoffs_total",
			Help: "Human conversations created, by how identity was obtained",
		}, []string{"identity"}),
		StaleClosesIgnored: f.NewCounter(prometheus.CounterOpts{
			Name: "guidepost_stale_closes_ignored_total",
			Help: "Closed pushes dropped because the record was too new to trust",
		}),
		TransitionMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "guidepost_transition_messages_total",
			Help: "Transition messages appended by visitor runtimes",
		}),
		VerifyAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "guidepost_verify_attempts",
			Help:    "Reads needed before a created conversation became readable",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}),
		GatewayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guidepost_gateway_errors_total",
			Help: "Failed gateway calls by operation",
		}, []string{"op"}),
		BeaconsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "guidepost_close_beacons_total",
			Help: "Close requests handed to the fallback delivery path",
		}),
		AssistantDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "guidepost_assistant_duration_seconds",
			Help:    "Time taken by the AI responder",
			Buckets: prometheus.DefBuckets,
		}),
		MutedFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "guidepost_muted_fallbacks_total",
			Help: "Play attempts that were rejected and retried muted",
		}),
		SourceReloads: f.NewCounter(prometheus.CounterOpts{
			Name: "guidepost_source_reloads_total",
			Help: "Forced media source reloads after backgrounding",
		}),
		ActiveRuntimes: f.NewGauge(prometheus.GaugeOpts{
			Name: "guidepost_active_runtimes",
			Help: "Visitor runtimes currently connected",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guidepost_operator_notifications_total",
			Help: "Operator notifications by platform and outcome",
		}, []string{"platform", "status"}),
	}
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Handoff(identity string) {
	if m == nil {
		return
	}
	m.Handoffs.WithLabelValues(identity).Inc()
}

func (m *Metrics) StaleCloseIgnored() {
	if m == nil {
		return
	}
	m.StaleClosesIgnored.Inc()
}

func (m *Metrics) TransitionMessage() {
	if m == nil {
		return
	}
	m.TransitionMessages.Inc()
}

func (m *Metrics) Verified(attempts int) {
	if m == nil {
		return
	}
	m.VerifyAttempts.Observe(float64(attempts))
}

func (m *Metrics) GatewayError(op string) {
	if m == nil {
		return
	}
	m.GatewayErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) BeaconSent() {
	if m == nil {
		return
	}
	m.BeaconsSent.Inc()
}

func (m *Metrics) AssistantCall(d time.Duration) {
	if m == nil {
		return
	}
	m.AssistantDuration.Observe(d.Seconds())
}

func (m *Metrics) MutedFallback() {
	if m == nil {
		return
	}
	m.MutedFallbacks.Inc()
}

func (m *Metrics) SourceReload() {
	if m == nil {
		return
	}
	m.SourceReloads.Inc()
}

func (m *Metrics) RuntimeStarted() {
	if m == nil {
		return
	}
	m.ActiveRuntimes.Inc()
}

func (m *Metrics) RuntimeStopped() {
	if m == nil {
		return
	}
	m.ActiveRuntimes.Dec()
}

func (m *Metrics) Notification(platform string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Notifications.WithLabelValues(platform, status).Inc()
}
