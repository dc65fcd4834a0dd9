// Package metrics exposes coordinator counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "collabhub"

// Connection attempt outcomes
const (
	ResultAccepted     = "accepted"
	ResultRateLimited  = "rate_limited"
	ResultUnauthorized = "unauthorized"
	ResultFailed       = "failed"
)

// Event outcomes
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
)

// Collector owns the coordinator's metric vectors
// ARCHITECTURAL DISCOVERY: Each collector registers on its own registry so tests
// and parallel applications never collide on the global default registerer
type Collector struct {
	registry *prometheus.Registry

	connectionsActive      prometheus.Gauge
	connectionAttempts     *prometheus.CounterVec
	events                 *prometheus.CounterVec
	notificationsDelivered *prometheus.CounterVec
	sendDrops              prometheus.Counter
}

// NewCollector creates and registers all coordinator metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of live websocket connections.",
		}),
		connectionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Connection attempts by outcome.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events by name and outcome.",
		}, []string{"event", "result"}),
		notificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Notification frames enqueued to connections by target kind.",
		}, []string{"kind"}),
		sendDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_queue_drops_total",
			Help:      "Outbound frames dropped because a connection's send queue was full.",
		}),
	}

	c.registry.MustRegister(
		c.connectionsActive,
		c.connectionAttempts,
		c.events,
		c.notificationsDelivered,
		c.sendDrops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ConnectionAttempt(result string) {
	if c == nil {
		return
	}
	c.connectionAttempts.WithLabelValues(result).Inc()
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Dec()
}

func (c *Collector) Event(event, result string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(event, result).Inc()
}

func (c *Collector) NotificationsDelivered(kind string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.notificationsDelivered.WithLabelValues(kind).Add(float64(n))
}

func (c *Collector) SendDropped() {
	if c == nil {
		return
	}
	c.sendDrops.Inc()
}
