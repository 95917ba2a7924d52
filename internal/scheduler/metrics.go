package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the trigger counters exported on /metrics. Build one per
// process with NewMetrics and pass it to the reconciler and the dispatcher.
type Metrics struct {
	Scheduled prometheus.Counter
	Canceled  prometheus.Counter
	Failures  *prometheus.CounterVec
	Fired     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wager_triggers_scheduled_total",
			Help: "Milestone triggers created or replaced.",
		}),
		Canceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wager_triggers_canceled_total",
			Help: "Milestone triggers canceled.",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_trigger_failures_total",
			Help: "Trigger scheduler calls that failed after retries.",
		}, []string{"op"}),
		Fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_triggers_fired_total",
			Help: "Due triggers handled by the dispatcher.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Scheduled, m.Canceled, m.Failures, m.Fired)
	}
	return m
}
