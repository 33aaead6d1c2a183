package observability

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/picoled-bridge/internal/app"
)

func repeatStatus() app.Status {
	return app.Status{
		Mode:     app.ModeRepeat,
		Running:  true,
		LED:      app.LEDStatus{Updates: 10, Errors: 1, FrameUs: 1920},
		Receiver: &app.ReceiverStatus{Frames: 9, Short: 2, Torn: 1},
		Bridge:   &app.BridgeStatus{Published: 9, Coalesced: 3, Rendered: 6, FailSafes: 1},
	}
}

func TestCollectorSkipsAbsentEngines(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(repeatStatus)))

	families, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			name := f.GetName()
			for _, l := range m.GetLabel() {
				name += "/" + l.GetValue()
			}
			if c := m.GetCounter(); c != nil {
				got[name] = c.GetValue()
			} else {
				got[name] = m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, got["picobridge_running"])
	assert.Equal(t, 10.0, got["picobridge_led_updates_total"])
	assert.Equal(t, 1920.0, got["picobridge_led_frame_microseconds"])
	assert.Equal(t, 2.0, got["picobridge_dmx_rx_dropped_total/short"])
	assert.Equal(t, 1.0, got["picobridge_dmx_rx_dropped_total/torn"])
	assert.Equal(t, 3.0, got["picobridge_bridge_coalesced_total"])
	_, ok := got["picobridge_link_frames_total"]
	assert.False(t, ok)
	_, ok = got["picobridge_dmx_tx_frames_total"]
	assert.False(t, ok)
}

func TestHandlerServesText(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(repeatStatus).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "picobridge_bridge_failsafes_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
