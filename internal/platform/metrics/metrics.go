package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lifecycle holds the Prometheus metrics of the case lifecycle.
type Lifecycle struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Collisions        prometheus.Counter
	EventFailures     prometheus.Counter
}

// NewLifecycle creates the lifecycle metrics and registers them on reg.
func NewLifecycle(reg prometheus.Registerer) *Lifecycle {
	f := promauto.With(reg)
	return &Lifecycle{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_lifecycle_operations_total",
			Help: "Lifecycle operations by operation and result",
		}, []string{"operation", "result"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registry_lifecycle_operation_duration_seconds",
			Help:    "Lifecycle operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		Collisions: f.NewCounter(prometheus.CounterOpts{
			Name: "registry_id_collisions_total",
			Help: "Registry ID candidates rejected because they were already issued",
		}),
		EventFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "registry_archive_events_failed_total",
			Help: "Archive events that could not be published after commit",
		}),
	}
}

func (m *Lifecycle) ObserveOperation(op, result string, d time.Duration) {
	m.Operations.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Lifecycle) RegistryIDCollision() { m.Collisions.Inc() }

func (m *Lifecycle) ArchiveEventFailed() { m.EventFailures.Inc() }

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
