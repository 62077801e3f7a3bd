package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "jamcrm"
	subsystem = "bulk_move"
)

// Recorder holds the bulk move metrics on a private registry. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	JobsSubmitted    prometheus.Counter
	JobsFinished     *prometheus.CounterVec
	BatchesFinished  *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec
	BatchAttempts    prometheus.Histogram
	MembersMoved     prometheus.Counter
	MemberFailures   prometheus.Counter
	JobsExpired      prometheus.Counter
	BatchesReclaimed prometheus.Counter
	BatchesInFlight  prometheus.Gauge
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		JobsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_submitted_total",
			Help:      "Count of accepted bulk move jobs",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_finished_total",
			Help:      "Count of bulk move jobs that reached a terminal status",
		}, []string{"status"}),
		BatchesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batches_finished_total",
			Help:      "Count of batches that reached a terminal state",
		}, []string{"state"}),
		BatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batch_duration_seconds",
			Help:      "Duration of batch execution including retries",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"state"}),
		BatchAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batch_attempts",
			Help:      "Attempts needed per batch",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		MembersMoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "members_moved_total",
			Help:      "Count of companies added to a destination collection",
		}),
		MemberFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "member_failures_total",
			Help:      "Count of companies that could not be moved",
		}),
		JobsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_expired_total",
			Help:      "Count of terminal jobs removed after their retention window",
		}),
		BatchesReclaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batches_reclaimed_total",
			Help:      "Count of stuck in-progress batches returned to pending",
		}),
		BatchesInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batches_in_flight",
			Help:      "Batches currently executing in this process",
		}),
	}
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) JobSubmitted() {
	if r == nil {
		return
	}
	r.JobsSubmitted.Inc()
}

func (r *Recorder) JobFinished(status string) {
	if r == nil {
		return
	}
	r.JobsFinished.WithLabelValues(status).Inc()
}

func (r *Recorder) BatchStarted() {
	if r == nil {
		return
	}
	r.BatchesInFlight.Inc()
}

// BatchFinished records a batch outcome. It pairs with BatchStarted.
func (r *Recorder) BatchFinished(state string, attempts, moved, memberFailures int, took time.Duration) {
	if r == nil {
		return
	}
	r.BatchesInFlight.Dec()
	r.BatchesFinished.WithLabelValues(state).Inc()
	r.BatchDuration.WithLabelValues(state).Observe(took.Seconds())
	r.BatchAttempts.Observe(float64(attempts))
	r.MembersMoved.Add(float64(moved))
	r.MemberFailures.Add(float64(memberFailures))
}

// BatchInterrupted undoes BatchStarted for a batch left for resumption.
func (r *Recorder) BatchInterrupted() {
	if r == nil {
		return
	}
	r.BatchesInFlight.Dec()
}

func (r *Recorder) JobsExpiredAdd(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.JobsExpired.Add(float64(n))
}

func (r *Recorder) BatchesReclaimedAdd(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.BatchesReclaimed.Add(float64(n))
}
