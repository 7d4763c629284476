package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	connections     prometheus.Gauge
	ticks           *prometheus.CounterVec
	messages        *prometheus.CounterVec
	storeReadTiming prometheus.Histogram
	ingested        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	metrics := &Metrics{
		registry: registry,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "airwatch",
			Name:      "broadcast_connections",
			Help:      "Currently attached telemetry connections.",
		}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airwatch",
			Name:      "broadcast_ticks_total",
			Help:      "Snapshot ticks by outcome.",
		}, []string{"outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airwatch",
			Name:      "broadcast_messages_total",
			Help:      "Messages delivered to connections by kind.",
		}, []string{"kind"}),
		storeReadTiming: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "airwatch",
			Name:      "store_read_seconds",
			Help:      "Latency of sensor store reads issued by the broadcaster.",
			Buckets:   prometheus.DefBuckets,
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airwatch",
			Name:      "ingested_readings_total",
			Help:      "Sensor readings written through the ingestion path by source.",
		}, []string{"source"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.connections,
		metrics.ticks,
		metrics.messages,
		metrics.storeReadTiming,
		metrics.ingested,
	)
	return metrics
}

func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

func (metrics *Metrics) connectionOpened() {
	if metrics != nil {
		metrics.connections.Inc()
	}
}

func (metrics *Metrics) connectionClosed() {
	if metrics != nil {
		metrics.connections.Dec()
	}
}

func (metrics *Metrics) tick(outcome string) {
	if metrics != nil {
		metrics.ticks.WithLabelValues(outcome).Inc()
	}
}

func (metrics *Metrics) messageSent(kind MessageKind) {
	if metrics != nil {
		metrics.messages.WithLabelValues(kind.String()).Inc()
	}
}

func (metrics *Metrics) observeStoreRead(started time.Time) {
	if metrics != nil {
		metrics.storeReadTiming.Observe(time.Since(started).Seconds())
	}
}

func (metrics *Metrics) readingIngested(source string) {
	if metrics != nil {
		metrics.ingested.WithLabelValues(source).Inc()
	}
}
