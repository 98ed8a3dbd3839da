package eventway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by Stores and Projections
// A nil *Metrics records nothing
type Metrics struct {
	ProjectionEvents *prometheus.CounterVec
	ProjectionOffset *prometheus.GaugeVec
	AggregateSaves   *prometheus.CounterVec
	AppendedEvents   *prometheus.CounterVec
}

const metricsNamespace = "eventway"

const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeConflict = "conflict"
	outcomeSkipped  = "skipped"
)

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProjectionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "projection",
			Name:      "events_total",
			Help:      "Events handled by projections",
		}, []string{"projection", "outcome"}),

		ProjectionOffset: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "projection",
			Name:      "offset",
			Help:      "Highest ordering fully applied by a projection",
		}, []string{"projection"}),

		AggregateSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "aggregate",
			Name:      "saves_total",
			Help:      "Aggregate save attempts",
		}, []string{"aggregate_type", "outcome"}),

		AppendedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "aggregate",
			Name:      "appended_events_total",
			Help:      "Events appended to the log",
		}, []string{"aggregate_type"}),
	}
}

func (m *Metrics) projectionEvent(id, outcome string, n int) {
	if m == nil {
		return
	}
	m.ProjectionEvents.WithLabelValues(id, outcome).Add(float64(n))
}

func (m *Metrics) projectionOffset(id string, offset int64) {
	if m == nil {
		return
	}
	m.ProjectionOffset.WithLabelValues(id).Set(float64(offset))
}

func (m *Metrics) aggregateSave(typ AggregateType, outcome string, n int) {
	if m == nil {
		return
	}
	m.AggregateSaves.WithLabelValues(string(typ), outcome).Inc()
	if outcome == outcomeOK {
		m.AppendedEvents.WithLabelValues(string(typ)).Add(float64(n))
	}
}
