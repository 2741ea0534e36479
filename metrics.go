package pacer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports pacer activity to Prometheus. All vectors are labelled
// by pacer name. A nil *Metrics records nothing.
type Metrics struct {
	Calls       *prometheus.CounterVec
	Wait        *prometheus.HistogramVec
	Duration    *prometheus.HistogramVec
	CurrentRate *prometheus.GaugeVec
	Drift       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_calls_total",
				Help: "Paced calls by terminal outcome",
			},
			[]string{"pacer", "outcome"},
		),
		Wait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pacer_wait_seconds",
				Help:    "Time spent waiting for a token",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"pacer"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pacer_call_duration_seconds",
				Help:    "Duration of paced call bodies",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pacer"},
		),
		CurrentRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pacer_current_rate",
				Help: "Observed calls per hour at the last rate check",
			},
			[]string{"pacer"},
		),
		Drift: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pacer_drift_ratio",
				Help: "Relative deviation from the target rate at the last rate check",
			},
			[]string{"pacer"},
		),
	}

	reg.MustRegister(m.Calls, m.Wait, m.Duration, m.CurrentRate, m.Drift)
	return m
}

func (m *Metrics) call(name string, o Outcome, wait, duration time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(name, o.String()).Inc()
	m.Wait.WithLabelValues(name).Observe(wait.Seconds())
	if o != TimedOut {
		m.Duration.WithLabelValues(name).Observe(duration.Seconds())
	}
}

func (m *Metrics) rateCheck(name string, current, drift float64) {
	if m == nil {
		return
	}
	m.CurrentRate.WithLabelValues(name).Set(current)
	m.Drift.WithLabelValues(name).Set(drift)
}
