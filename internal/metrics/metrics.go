// Package metrics exposes prometheus instrumentation for the hub and the
// graph store. A Collector owns its own registry; a nil *Collector is a
// valid no-op so components can be constructed without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	Connections     prometheus.Gauge
	Topics          prometheus.Gauge
	FramesPublished *prometheus.CounterVec
	FramesDropped   prometheus.Counter
	GraphOperations *prometheus.CounterVec
	GraphFailovers  prometheus.Counter
}

func New(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Live WebSocket connections",
		}),
		Topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_topics",
			Help:      "Role-model topics with at least one subscriber",
		}),
		FramesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_published_total",
			Help:      "Event frames enqueued to subscribers",
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a connection was not writable",
		}),
		GraphOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_operations_total",
			Help:      "Graph store operations by backend, operation and outcome",
		}, []string{"backend", "op", "status"}),
		GraphFailovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_failovers_total",
			Help:      "Demotions from the primary to the fallback graph backend",
		}),
	}

	c.registry.MustRegister(
		c.Connections,
		c.Topics,
		c.FramesPublished,
		c.FramesDropped,
		c.GraphOperations,
		c.GraphFailovers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ConnectionOpened() {
	if c != nil {
		c.Connections.Inc()
	}
}

func (c *Collector) ConnectionClosed() {
	if c != nil {
		c.Connections.Dec()
	}
}

func (c *Collector) SetTopics(n int) {
	if c != nil {
		c.Topics.Set(float64(n))
	}
}

func (c *Collector) FramesSent(kind string, n int) {
	if c != nil && n > 0 {
		c.FramesPublished.WithLabelValues(kind).Add(float64(n))
	}
}

func (c *Collector) FrameDropped() {
	if c != nil {
		c.FramesDropped.Inc()
	}
}

func (c *Collector) GraphOp(backend, op string, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.GraphOperations.WithLabelValues(backend, op, status).Inc()
}

func (c *Collector) Failover() {
	if c != nil {
		c.GraphFailovers.Inc()
	}
}
