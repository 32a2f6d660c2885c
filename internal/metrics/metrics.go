// Package metrics exposes relay counters in the Prometheus text format.
package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for relay_messages_dropped_total.
const (
	ReasonMalformed = "malformed"
	ReasonUnknown   = "unknown"
	ReasonInvalid   = "invalid"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry         *prometheus.Registry
	frames           prometheus.Counter
	dropped          *prometheus.CounterVec
	detections       *prometheus.CounterVec
	detectionSeconds prometheus.Histogram
	commands         *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Camera frames received from clients.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_dropped_total",
			Help: "Inbound messages dropped, by reason.",
		}, []string{"reason"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_detections_total",
			Help: "Completed detection runs, by outcome.",
		}, []string{"success"}),
		detectionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_detection_seconds",
			Help:    "Wall time of detection runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_commands_total",
			Help: "Commands routed to clients, by delivery result.",
		}, []string{"delivered"}),
	}
	m.registry.MustRegister(m.frames, m.dropped, m.detections, m.detectionSeconds, m.commands)
	return m
}

// sessionCollector reads the session count at scrape time.
type sessionCollector struct {
	count func() int
}

var sessionsDesc = prometheus.NewDesc("relay_sessions", "Connected client sessions.", nil, nil)

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sessionsDesc
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(c.count()))
}

// TrackSessions registers the relay_sessions gauge backed by count.
func (m *Metrics) TrackSessions(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(&sessionCollector{count: count})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog: log.Default(),
	})
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.frames.Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DetectionCompleted(success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(boolLabel(success)).Inc()
	m.detectionSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) CommandSent(delivered bool) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(boolLabel(delivered)).Inc()
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
