// Package metrics instruments the packet broker with Prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Paths a frame can take through the broker.
const (
	PathBroadcast = "broadcast"
	PathForward   = "forward"
	PathFlood     = "flood"
)

type Metrics struct {
	registry *prometheus.Registry

	peersActive     prometheus.Gauge
	peersAccepted   prometheus.Counter
	frames          *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	peerWriteErrors *prometheus.CounterVec
	protocolErrors  prometheus.Counter
	ifaceErrors     *prometheus.CounterVec
	batchSize       prometheus.Histogram
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		peersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmnetd",
			Name:      "peers_active",
			Help:      "Peers currently registered for broadcast.",
		}),
		peersAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmnetd",
			Name:      "peers_accepted_total",
			Help:      "Peer connections accepted.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmnetd",
			Name:      "frames_total",
			Help:      "Frames delivered, by path.",
		}, []string{"path"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmnetd",
			Name:      "bytes_total",
			Help:      "Payload bytes delivered, by path.",
		}, []string{"path"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmnetd",
			Name:      "frames_dropped_total",
			Help:      "Frames too large for the wire format, by path.",
		}, []string{"path"}),
		peerWriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmnetd",
			Name:      "peer_write_errors_total",
			Help:      "Failed writes to peers, by path.",
		}, []string{"path"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmnetd",
			Name:      "protocol_errors_total",
			Help:      "Peers closed for malformed frames.",
		}),
		ifaceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmnetd",
			Subsystem: "interface",
			Name:      "errors_total",
			Help:      "Interface adapter errors, by operation.",
		}, []string{"op"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vmnetd",
			Subsystem: "interface",
			Name:      "read_batch_frames",
			Help:      "Frames returned per interface read.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
	}
	m.registry.MustRegister(
		m.peersActive,
		m.peersAccepted,
		m.frames,
		m.bytes,
		m.framesDropped,
		m.peerWriteErrors,
		m.protocolErrors,
		m.ifaceErrors,
		m.batchSize,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PeerAccepted() {
	if m == nil {
		return
	}
	m.peersAccepted.Inc()
	m.peersActive.Inc()
}

func (m *Metrics) PeerClosed() {
	if m == nil {
		return
	}
	m.peersActive.Dec()
}

func (m *Metrics) Frame(path string, n int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(path).Inc()
	m.bytes.WithLabelValues(path).Add(float64(n))
}

func (m *Metrics) FrameDropped(path string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(path).Inc()
}

func (m *Metrics) PeerWriteError(path string) {
	if m == nil {
		return
	}
	m.peerWriteErrors.WithLabelValues(path).Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) InterfaceError(op string) {
	if m == nil {
		return
	}
	m.ifaceErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ReadBatch(frames int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(frames))
}
