// Package ws serves the bridge monitor: health JSON plus preview,
// diagnostics and control websockets.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/coreman2200/picoled-bridge/internal/app"
	"github.com/coreman2200/picoled-bridge/internal/config"
	diag "github.com/coreman2200/picoled-bridge/internal/diagnostics"
	"github.com/coreman2200/picoled-bridge/internal/layout"
)

// Bridge is the part of app.Core the monitor drives.
type Bridge interface {
	Status() app.Status
	Preview() []byte
	Grid() layout.Grid
	SetPattern(name string) error
	SetBrightness(v uint8)
}

type State struct {
	mu  sync.RWMutex
	FPS int

	// ConfigPath, when set, receives the config after every control change.
	ConfigPath string
	Config     *config.Config
	Driver     string

	bridge    Bridge
	hub       *diag.Hub
	frameID   uint64
	startTime time.Time
	clients   map[*websocket.Conn]bool
}

func NewState(b Bridge, hub *diag.Hub, fps int) *State {
	return &State{
		FPS:       fps,
		bridge:    b,
		hub:       hub,
		startTime: time.Now(),
		clients:   map[*websocket.Conn]bool{},
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// RunPreviewLoop broadcasts the LED frame to every preview client until
// ctx is done.
func (s *State) RunPreviewLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(max(1, s.FPS)))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		buf := s.bridge.Preview()
		s.mu.Lock()
		s.frameID++
		s.mu.Unlock()
		s.broadcastFrame(buf)
	}
}

func (s *State) HandleFramesWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.sendTopology(conn)
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// HandleDiagWS replays recent diagnostics, then streams new ones.
func (s *State) HandleDiagWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch, cancel := s.hub.Subscribe()
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		defer func() {
			cancel()
			conn.Close()
		}()
		for _, d := range s.hub.Recent() {
			if err := writeJSON(conn, d); err != nil {
				return
			}
		}
		for {
			select {
			case <-closed:
				return
			case d := <-ch:
				if err := writeJSON(conn, d); err != nil {
					log.Debug().Err(err).Msg("write diag")
					return
				}
			}
		}
	}()
}

type control struct {
	Pattern    *string `json:"pattern"`
	Brightness *int    `json:"brightness"`
	FPS        *int    `json:"fps"`
}

type reply struct {
	OK    bool       `json:"ok"`
	Error string     `json:"error,omitempty"`
	State app.Status `json:"status"`
}

func (s *State) HandleControlWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg control
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = writeJSON(conn, reply{Error: err.Error(), State: s.bridge.Status()})
			continue
		}
		rep := reply{OK: true}
		if err := s.applyControl(msg); err != nil {
			rep = reply{Error: err.Error()}
		}
		rep.State = s.bridge.Status()
		if err := writeJSON(conn, rep); err != nil {
			return
		}
	}
}

func (s *State) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	resp := map[string]any{
		"frame_id": s.frameID,
		"uptime_s": time.Since(s.startTime).Seconds(),
		"driver":   s.Driver,
		"bridge":   s.bridge.Status(),
	}
	s.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *State) applyControl(msg control) error {
	if msg.Pattern != nil {
		if err := s.bridge.SetPattern(*msg.Pattern); err != nil {
			return err
		}
	}
	if msg.Brightness != nil {
		s.bridge.SetBrightness(uint8(clamp(*msg.Brightness, 0, 255)))
	}
	s.mu.Lock()
	if msg.FPS != nil {
		s.FPS = clamp(*msg.FPS, 1, 120)
	}
	if s.Config != nil {
		if msg.Pattern != nil {
			s.Config.Pattern = *msg.Pattern
		}
		if msg.Brightness != nil {
			s.Config.LED.Brightness = clamp(*msg.Brightness, 0, 255)
		}
	}
	s.mu.Unlock()

	s.saveConfig()
	return nil
}

func (s *State) saveConfig() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ConfigPath == "" || s.Config == nil {
		return
	}
	if err := config.Save(s.ConfigPath, s.Config); err != nil {
		log.Warn().Err(err).Str("path", s.ConfigPath).Msg("save config")
	}
}

func (s *State) sendTopology(conn *websocket.Conn) {
	g := s.bridge.Grid()
	s.mu.RLock()
	top := map[string]any{
		"width":      g.Width,
		"height":     g.Height,
		"serpentine": g.Serpentine,
		"driver":     s.Driver,
	}
	s.mu.RUnlock()
	_ = writeJSON(conn, top)
}

func (s *State) broadcastFrame(rgb []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type frame struct {
		T       int64  `json:"t"`
		FrameID uint64 `json:"frame_id"`
		RGB     []byte `json:"rgb"`
	}
	b, _ := json.Marshal(frame{T: time.Now().UnixNano(), FrameID: s.frameID, RGB: rgb})
	for c := range s.clients {
		c.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Debug().Err(err).Msg("write frame")
		}
	}
}

func writeJSON(c *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
	return c.WriteMessage(websocket.TextMessage, b)
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
