package oasis

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the events the sync core absorbs instead of surfacing.
type Metrics struct {
	DuplicateEvents prometheus.Counter
	StaleEvents     prometheus.Counter
	MalformedEvents prometheus.Counter
	Retries         *prometheus.CounterVec
	Rollbacks       prometheus.Counter
	Resubscribes    prometheus.Counter
}

// NewMetrics registers the counters on reg. A nil reg uses a private
// registry, which keeps several Sync instances in one process apart.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		DuplicateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oasis_duplicate_events_total",
			Help: "Push events absorbed because the store already reflected them.",
		}),
		StaleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oasis_stale_events_total",
			Help: "Push events dropped because no open scope matched them.",
		}),
		MalformedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oasis_malformed_events_total",
			Help: "Push events dropped because they could not be decoded.",
		}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oasis_retries_total",
			Help: "Retried API calls by operation.",
		}, []string{"op"}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oasis_send_rollbacks_total",
			Help: "Optimistic sends rolled back after failure.",
		}),
		Resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oasis_resubscribes_total",
			Help: "Reconnects after which all active scopes were resubscribed.",
		}),
	}
	reg.MustRegister(
		m.DuplicateEvents,
		m.StaleEvents,
		m.MalformedEvents,
		m.Retries,
		m.Rollbacks,
		m.Resubscribes,
	)
	return m
}

// retryHook counts retries of op on top of any hook already set.
func (m *Metrics) retryHook(p RetryPolicy, op string) RetryPolicy {
	prev := p.OnRetry
	counter := m.Retries.WithLabelValues(op)
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		counter.Inc()
		if prev != nil {
			prev(attempt, delay, err)
		}
	}
	return p
}
