// Package metrics exposes the pool's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "darkpool"

// Metrics holds every instrument on its own registry so several nodes can
// live in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	ordersPlaced    *prometheus.CounterVec
	ordersCancelled *prometheus.CounterVec
	fills           *prometheus.CounterVec
	volume          *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	aborts          *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_placed_total", Help: "Orders accepted into the pool",
		}, []string{"market", "side"}),
		ordersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_cancelled_total", Help: "Orders cancelled by their owner",
		}, []string{"market"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fills_settled_total", Help: "Fills applied by settlement",
		}, []string{"market"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fill_volume_total", Help: "Sum of settled fill amounts",
		}, []string{"market"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fill_rejections_total", Help: "Fills rejected by settlement",
		}, []string{"market", "reason"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "confidential_aborts_total", Help: "Confidential passes that aborted",
		}, []string{"market"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_cycle_seconds",
			Help:      "Duration of match-and-settle cycles",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"market", "mode"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ordersPlaced, m.ordersCancelled, m.fills, m.volume, m.rejections, m.aborts, m.cycleDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it)
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) OrderPlaced(market, side string) {
	m.ordersPlaced.WithLabelValues(market, side).Inc()
}

func (m *Metrics) OrderCancelled(market string) {
	m.ordersCancelled.WithLabelValues(market).Inc()
}

// FillsSettled records n applied fills with total matched volume.
func (m *Metrics) FillsSettled(market string, n int, volume uint64) {
	m.fills.WithLabelValues(market).Add(float64(n))
	m.volume.WithLabelValues(market).Add(float64(volume))
}

func (m *Metrics) FillRejected(market, reason string) {
	m.rejections.WithLabelValues(market, reason).Inc()
}

func (m *Metrics) Abort(market string) {
	m.aborts.WithLabelValues(market).Inc()
}

func (m *Metrics) ObserveCycle(market, mode string, d time.Duration) {
	m.cycleDuration.WithLabelValues(market, mode).Observe(d.Seconds())
}
