// Package metrics holds the process-wide Prometheus series for the HTTP
// surface, the realtime hub, webhooks and the chain watcher. Book series
// live next to the book in the subscription package.
package metrics

import (
	"database/sql"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tierpass"

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

var (
	HTTPRequestsTotal = counterVec("http", "requests_total",
		"HTTP requests by method, route and status class.", "method", "path", "status")

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10},
	}, []string{"method", "path"})

	// WebhookDeliveriesTotal counts deliveries by result: delivered, failed or skipped.
	WebhookDeliveriesTotal = counterVec("webhook", "deliveries_total",
		"Webhook deliveries by result.", "result")

	// WebhookCircuitTransitionsTotal counts per-host breaker state changes.
	WebhookCircuitTransitionsTotal = counterVec("webhook", "circuit_transitions_total",
		"Webhook endpoint circuit transitions by target state.", "to")

	ActiveWebSocketClients = gauge("realtime", "connections",
		"Open realtime WebSocket connections.")

	ContractEventsIndexedTotal = counterVec("watcher", "events_indexed_total",
		"Contract logs decoded by the watcher, by event name.", "event")

	ContractLastIndexedBlock = gauge("watcher", "last_indexed_block",
		"Highest block fully scanned by the contract watcher.")
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebhookDeliveriesTotal,
		WebhookCircuitTransitionsTotal,
		ActiveWebSocketClients,
		ContractEventsIndexedTotal,
		ContractLastIndexedBlock,
	)
}

// RegisterDB exports connection pool statistics for db under the given
// name. Registering the same name twice is not an error.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var dup prometheus.AlreadyRegisteredError
	if errors.As(err, &dup) {
		return nil
	}
	return err
}

// Middleware records request count and latency keyed by route pattern.
// Unmatched routes share the empty pattern so cardinality stays bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, route))
		c.Next()
		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return string(rune('0'+code/100)) + "xx"
}
