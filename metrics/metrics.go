// Package metrics exposes the optional Prometheus instrumentation for
// batchbuilder, alivekeeper, and batchsubscriber. A nil *Recorder is valid
// everywhere it is accepted: every recording method is a no-op on a nil
// receiver, so instrumentation can be wired in or left out without branching
// at call sites.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the instruments shared across a single aliveq deployment.
// Construct one with NewRecorder and register it with a prometheus.Registerer.
type Recorder struct {
	BatchSize     *prometheus.HistogramVec
	BatchDuration *prometheus.HistogramVec
	BatchErrors   *prometheus.CounterVec

	TouchFailures prometheus.Counter
	DeleteFailures prometheus.Counter
	ActiveItems   prometheus.Gauge

	HandlerErrors prometheus.Counter
}

// NewRecorder creates a Recorder and registers its instruments with reg. If
// reg is nil, prometheus.DefaultRegisterer is used.
func NewRecorder(reg prometheus.Registerer, namespace string) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of distinct keys dispatched per batch call.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"builder"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Duration of a single batch call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"builder"}),
		BatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_errors_total",
			Help:      "Whole-batch failures, by builder.",
		}, []string{"builder"}),
		TouchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "touch_failures_total",
			Help:      "Touch retries exhausted, causing deactivation.",
		}),
		DeleteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delete_failures_total",
			Help:      "Delete retries exhausted.",
		}),
		ActiveItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_items",
			Help:      "Items currently registered with the keeper.",
		}),
		HandlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "BatchSubscriber handler failures.",
		}),
	}

	reg.MustRegister(
		r.BatchSize,
		r.BatchDuration,
		r.BatchErrors,
		r.TouchFailures,
		r.DeleteFailures,
		r.ActiveItems,
		r.HandlerErrors,
	)

	return r
}

func (r *Recorder) ObserveBatch(builder string, size int, dur time.Duration, err error) {
	if r == nil {
		return
	}
	r.BatchSize.WithLabelValues(builder).Observe(float64(size))
	r.BatchDuration.WithLabelValues(builder).Observe(dur.Seconds())
	if err != nil {
		r.BatchErrors.WithLabelValues(builder).Inc()
	}
}

func (r *Recorder) IncTouchFailure() {
	if r == nil {
		return
	}
	r.TouchFailures.Inc()
}

func (r *Recorder) IncDeleteFailure() {
	if r == nil {
		return
	}
	r.DeleteFailures.Inc()
}

func (r *Recorder) SetActiveItems(n int) {
	if r == nil {
		return
	}
	r.ActiveItems.Set(float64(n))
}

func (r *Recorder) IncHandlerError() {
	if r == nil {
		return
	}
	r.HandlerErrors.Inc()
}
