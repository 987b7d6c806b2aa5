package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameSent(10)
		m.FrameReceived(10)
		m.Discarded(Outbound, "reset", 3)
		m.Reset("local")
		m.DecodeError()
		m.ConnectAttempt(true)
		m.SessionOpened()
		m.SessionClosed()
		m.NoteOp("save")
	})
	assert.NotNil(t, m.Handler())
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.FrameSent(100)
	m.FrameSent(20)
	m.Discarded(Outbound, "reset", 2)
	m.Discarded(Outbound, "reset", 0)
	m.Reset("remote")
	m.ConnectAttempt(false)
	m.ConnectAttempt(false)
	m.ConnectAttempt(true)
	m.SessionOpened()

	assert.Equal(t, 2.0, counterValue(t, reg, "voicenote_stream_frames_total", map[string]string{"direction": Outbound}))
	assert.Equal(t, 120.0, counterValue(t, reg, "voicenote_stream_frame_bytes_total", map[string]string{"direction": Outbound}))
	assert.Equal(t, 2.0, counterValue(t, reg, "voicenote_stream_discarded_records_total", map[string]string{"direction": Outbound, "reason": "reset"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "voicenote_stream_resets_total", map[string]string{"origin": "remote"}))
	assert.Equal(t, 2.0, counterValue(t, reg, "voicenote_connmgr_connect_attempts_total", map[string]string{"result": "failure"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "voicenote_server_active_sessions", nil))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.DecodeError()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "voicenote_stream_decode_errors_total 1")
}
