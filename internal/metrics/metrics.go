// Package metrics exports protocol counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components accept one
// unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicenote"

// Directions used as label values.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	frames          *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	discarded       *prometheus.CounterVec
	resets          *prometheus.CounterVec
	decodeErrors    prometheus.Counter
	connectAttempts *prometheus.CounterVec
	sessions        prometheus.Gauge
	notes           *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Frames moved by the stream pumps",
		}, []string{"direction"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frame_bytes_total",
			Help:      "Encoded bytes moved by the stream pumps",
		}, []string{"direction"}),
		discarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "discarded_records_total",
			Help:      "Records dropped by resets, fencing or queue overflow",
		}, []string{"direction", "reason"}),
		resets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "resets_total",
			Help:      "Resets by origin",
		}, []string{"origin"}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "decode_errors_total",
			Help:      "Inbound frames that failed to decode",
		}),
		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connmgr",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by result",
		}, []string{"result"}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "active_sessions",
			Help:      "Sessions currently served",
		}),
		notes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "note_operations_total",
			Help:      "Notes store operations by kind",
		}, []string{"op"}),
	}
}

func (m *Metrics) FrameSent(n int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(Outbound).Inc()
	m.bytes.WithLabelValues(Outbound).Add(float64(n))
}

func (m *Metrics) FrameReceived(n int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(Inbound).Inc()
	m.bytes.WithLabelValues(Inbound).Add(float64(n))
}

// Discarded counts records dropped from one direction.
func (m *Metrics) Discarded(direction, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.discarded.WithLabelValues(direction, reason).Add(float64(n))
}

// Reset counts a reset; origin is "local" or "remote".
func (m *Metrics) Reset(origin string) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(origin).Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// ConnectAttempt counts a dial; ok reports success.
func (m *Metrics) ConnectAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// NoteOp counts a notes store operation such as "save" or "delete".
func (m *Metrics) NoteOp(op string) {
	if m == nil {
		return
	}
	m.notes.WithLabelValues(op).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
