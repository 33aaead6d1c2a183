package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/picoled-bridge/internal/app"
	"github.com/coreman2200/picoled-bridge/internal/config"
	diag "github.com/coreman2200/picoled-bridge/internal/diagnostics"
	"github.com/coreman2200/picoled-bridge/internal/layout"
)

type fakeBridge struct {
	mu         sync.Mutex
	pattern    string
	brightness uint8
}

func (f *fakeBridge) Status() app.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return app.Status{Mode: app.ModeOriginate, Pattern: f.pattern}
}

func (f *fakeBridge) Preview() []byte { return []byte{1, 2, 3, 4, 5, 6} }

func (f *fakeBridge) Grid() layout.Grid { return layout.Grid{Width: 2, Height: 1} }

func (f *fakeBridge) SetPattern(name string) error {
	if name == "plasma" {
		return errors.New("pattern: unknown pattern \"plasma\"")
	}
	f.mu.Lock()
	f.pattern = name
	f.mu.Unlock()
	return nil
}

func (f *fakeBridge) SetBrightness(v uint8) {
	f.mu.Lock()
	f.brightness = v
	f.mu.Unlock()
}

func newServer(t *testing.T, s *State) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/ws", s.HandleFramesWS)
	mux.HandleFunc("/diag", s.HandleDiagWS)
	mux.HandleFunc("/control", s.HandleControlWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	return c
}

func TestHealth(t *testing.T) {
	s := NewState(&fakeBridge{pattern: "rainbow"}, diag.NewHub(4), 30)
	s.Driver = "sim"
	srv := newServer(t, s)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Driver string     `json:"driver"`
		Bridge app.Status `json:"bridge"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "sim", body.Driver)
	assert.Equal(t, "rainbow", body.Bridge.Pattern)
	assert.Equal(t, app.ModeOriginate, body.Bridge.Mode)
}

func TestFramesStreamPreview(t *testing.T) {
	s := NewState(&fakeBridge{}, diag.NewHub(4), 100)
	srv := newServer(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunPreviewLoop(ctx)

	c := dial(t, srv, "/ws")
	var top map[string]any
	require.NoError(t, c.ReadJSON(&top))
	assert.EqualValues(t, 2, top["width"])

	var f struct {
		FrameID uint64 `json:"frame_id"`
		RGB     []byte `json:"rgb"`
	}
	require.NoError(t, c.ReadJSON(&f))
	assert.Greater(t, f.FrameID, uint64(0))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, f.RGB)
}

func TestDiagReplaysAndStreams(t *testing.T) {
	hub := diag.NewHub(4)
	hub.Push(diag.Diagnostic{Severity: diag.Warn, Code: diag.CodeFailSafe, Summary: "old"})
	srv := newServer(t, NewState(&fakeBridge{}, hub, 30))

	c := dial(t, srv, "/diag")
	var d diag.Diagnostic
	require.NoError(t, c.ReadJSON(&d))
	assert.Equal(t, diag.CodeFailSafe, d.Code)

	// The subscription is registered before the replay is written.
	hub.Push(diag.Diagnostic{Severity: diag.Err, Code: diag.CodeLinkError, Summary: "new"})
	require.NoError(t, c.ReadJSON(&d))
	assert.Equal(t, diag.CodeLinkError, d.Code)
}

func TestControlAppliesAndPersists(t *testing.T) {
	fb := &fakeBridge{}
	s := NewState(fb, diag.NewHub(4), 30)
	s.Config = config.Default()
	s.ConfigPath = filepath.Join(t.TempDir(), "bridge.yaml")
	srv := newServer(t, s)
	c := dial(t, srv, "/control")

	require.NoError(t, c.WriteJSON(map[string]any{"pattern": "checkerboard", "brightness": 300}))
	var rep reply
	require.NoError(t, c.ReadJSON(&rep))
	assert.True(t, rep.OK)
	assert.Equal(t, "checkerboard", rep.State.Pattern)
	fb.mu.Lock()
	assert.EqualValues(t, 255, fb.brightness)
	fb.mu.Unlock()

	saved, err := config.Load(s.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "checkerboard", saved.Pattern)
	assert.Equal(t, 255, saved.LED.Brightness)

	require.NoError(t, c.WriteJSON(map[string]any{"pattern": "plasma"}))
	rep = reply{}
	require.NoError(t, c.ReadJSON(&rep))
	assert.False(t, rep.OK)
	assert.Contains(t, rep.Error, "plasma")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{")))
	rep = reply{}
	require.NoError(t, c.ReadJSON(&rep))
	assert.False(t, rep.OK)
	assert.NotEmpty(t, rep.Error)
}
