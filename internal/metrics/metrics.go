// Package metrics defines the Prometheus instrumentation for the message
// bus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this service exports. A zero Registry is not
// usable; construct with New, which registers every metric against a fresh
// prometheus.Registry so tests can run several instances without
// "duplicate metrics collector registration" panics from the default
// global registry.
type Registry struct {
	reg *prometheus.Registry

	MessagesPublished    prometheus.Counter
	PublishErrors        *prometheus.CounterVec
	MessagesDelivered    prometheus.Counter
	DeliveryErrors       prometheus.Counter
	ClientsConnected     prometheus.Gauge
	ClientsDisplaced     prometheus.Counter
	BacklogTrims         *prometheus.CounterVec
	FirehoseReconnects   prometheus.Counter
	KeepaliveTimeouts    prometheus.Counter
	WorkerPoolDropped    prometheus.Counter
	WorkerPoolQueueDepth prometheus.Gauge
	LongPollDuration     prometheus.Histogram
	PollOutcomes         *prometheus.CounterVec
	ParkedConnections    prometheus.Gauge
}

// New builds and registers every metric.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messagebus_messages_published_total",
			Help: "Total number of messages successfully published.",
		}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messagebus_publish_errors_total",
			Help: "Total publish failures by reason.",
		}, []string{"reason"}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messagebus_messages_delivered_total",
			Help: "Total number of messages delivered to a client connection.",
		}),
		DeliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messagebus_delivery_errors_total",
			Help: "Total number of client writes that failed and removed the client.",
		}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messagebus_clients_connected",
			Help: "Current number of registered client connections.",
		}),
		ClientsDisplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messagebus_clients_displaced_total",
			Help: "Total number of connections discarded or closed by a same-id reconnect.",
		}),
		BacklogTrims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messagebus_backlog_trims_total",
			Help: "Total number of backlog trim operations by scope.",
		}, []string{"scope"}),
		FirehoseReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messagebus_firehose_reconnects_total",
			Help: "Total number of times the subscriber goroutine reconnected after a crash.",
		}),
		KeepaliveTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messagebus_keepalive_timeouts_total",
			Help: "Total number of times the keepalive watchdog detected a silent firehose.",
		}),
		WorkerPoolDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messagebus_worker_pool_dropped_total",
			Help: "Total number of fan-out tasks dropped because the worker pool queue was full.",
		}),
		WorkerPoolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messagebus_worker_pool_queue_depth",
			Help: "Current number of tasks waiting in the worker pool queue.",
		}),
		LongPollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "messagebus_long_poll_duration_seconds",
			Help:    "Distribution of how long a long-poll connection stayed parked.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 25, 60},
		}),
		PollOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messagebus_poll_outcomes_total",
			Help: "Total long-poll requests by how they were resolved.",
		}, []string{"outcome"}),
		ParkedConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messagebus_parked_connections",
			Help: "Current number of long-poll connections parked awaiting delivery.",
		}),
	}

	reg.MustRegister(
		r.MessagesPublished,
		r.PublishErrors,
		r.MessagesDelivered,
		r.DeliveryErrors,
		r.ClientsConnected,
		r.ClientsDisplaced,
		r.BacklogTrims,
		r.FirehoseReconnects,
		r.KeepaliveTimeouts,
		r.WorkerPoolDropped,
		r.WorkerPoolQueueDepth,
		r.LongPollDuration,
		r.PollOutcomes,
		r.ParkedConnections,
	)
	return r
}

// Handler returns the promhttp handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
