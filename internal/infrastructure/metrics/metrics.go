package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments of the task lifecycle core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions   *prometheus.CounterVec
	Conflicts     *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	CycleTasks    *prometheus.CounterVec
	LastCycleUnix prometheus.Gauge
	ActiveStreams prometheus.Gauge
	gatherer      prometheus.Gatherer
}

// New registers the instruments on reg. Passing nil uses the default
// registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Applied task and step transitions by entity, target status and source.",
		}, []string{"entity", "status", "source"}),
		Conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transition_conflicts_total",
			Help:      "Transitions rejected by the conditional update guard, by source.",
		}, []string{"source"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resumption_cycle_duration_seconds",
			Help:      "Duration of resumption scheduler cycles.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		CycleTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resumption_tasks_total",
			Help:      "Tasks handled by the resumption scheduler by outcome.",
		}, []string{"outcome"}),
		LastCycleUnix: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resumption_last_cycle_timestamp_seconds",
			Help:      "Unix time the last resumption cycle finished.",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_event_streams",
			Help:      "Open task event websocket streams.",
		}),
		gatherer: gatherer,
	}
}

func (m *Metrics) ObserveTransition(entity, status, source string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(entity, status, source).Inc()
}

func (m *Metrics) ObserveConflict(source string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveCycle(d time.Duration, resumed, skipped, failed int, finished time.Time) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(d.Seconds())
	m.CycleTasks.WithLabelValues("resumed").Add(float64(resumed))
	m.CycleTasks.WithLabelValues("skipped").Add(float64(skipped))
	m.CycleTasks.WithLabelValues("failed").Add(float64(failed))
	m.LastCycleUnix.Set(float64(finished.Unix()))
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
