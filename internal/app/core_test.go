package app

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/coreman2200/picoled-bridge/internal/config"
	diag "github.com/coreman2200/picoled-bridge/internal/diagnostics"
	"github.com/coreman2200/picoled-bridge/internal/dmx"
	"github.com/coreman2200/picoled-bridge/internal/led"
	"github.com/coreman2200/picoled-bridge/internal/proto"
)

type linkPort struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (p *linkPort) WriteByte(b byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.WriteByte(b)
}

func (p *linkPort) Flush() error { return nil }

func (p *linkPort) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

func smallConfig(mode string) *config.Config {
	c := config.Default()
	c.Mode = mode
	c.LED.Count = 4
	c.LED.Width = 4
	c.LED.Height = 1
	c.FPS = 200
	return c
}

func start(t *testing.T, c *Core) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
		assert.NoError(t, c.Close())
	}
}

func TestRepeatRendersReceivedUniverse(t *testing.T) {
	wire := &led.SimWire{}
	lb := dmx.NewLoopback()
	c, err := New(smallConfig("repeat"), Hardware{LEDWire: wire, DMXIn: lb})
	require.NoError(t, err)
	stop := start(t, c)
	defer stop()

	frame := make([]byte, dmx.FrameSize)
	copy(frame[1:], []byte{255, 0, 0, 0, 255, 0, 0, 0, 255, 10, 20, 30})
	lb.Inject(frame)

	require.Eventually(t, func() bool { return len(wire.Frames()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{255, 0, 0, 0, 255, 0, 0, 0, 255, 10, 20, 30}, c.Preview())
	// GRB on the wire.
	assert.Equal(t, []byte{0, 255, 0, 255, 0, 0, 0, 0, 255, 20, 10, 30}, wire.Last())

	st := c.Status()
	assert.True(t, st.Initialized)
	assert.Equal(t, ModeRepeat, st.Mode)
	require.NotNil(t, st.Receiver)
	assert.EqualValues(t, 1, st.Receiver.Frames)
	require.NotNil(t, st.Bridge)
	assert.Equal(t, "hold", st.Bridge.Policy)
	assert.Nil(t, st.DMX)
}

func TestRepeatDropsBadFramesAndReportsThem(t *testing.T) {
	wire := &led.SimWire{}
	lb := dmx.NewLoopback()
	hub := diag.NewHub(16)
	c, err := New(smallConfig("repeat"), Hardware{LEDWire: wire, DMXIn: lb}, WithDiagnostics(hub))
	require.NoError(t, err)
	stop := start(t, c)
	defer stop()

	lb.Inject(make([]byte, 100))
	require.Eventually(t, func() bool { return c.Status().Receiver.Dropped == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, wire.Frames())

	require.Eventually(t, func() bool {
		for _, d := range hub.Recent() {
			if d.Code == diag.CodeFrameDropped {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRepeatFailSafeBlank(t *testing.T) {
	cfg := smallConfig("repeat")
	cfg.Bridge.FailSafe = "blank"
	cfg.Bridge.WindowMs = 20
	wire := &led.SimWire{}
	hub := diag.NewHub(16)
	c, err := New(cfg, Hardware{LEDWire: wire, DMXIn: dmx.NewLoopback()}, WithDiagnostics(hub))
	require.NoError(t, err)
	stop := start(t, c)
	defer stop()

	require.Eventually(t, func() bool { return len(wire.Frames()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, make([]byte, 12), wire.Last())
	var found diag.Diagnostic
	require.Eventually(t, func() bool {
		for _, d := range hub.Recent() {
			if d.Code == diag.CodeFailSafe {
				found = d
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "policy blank", found.Detail)
}

func TestRepeatRetransmits(t *testing.T) {
	cfg := smallConfig("repeat")
	cfg.DMX.Retransmit = true
	in, out := dmx.NewLoopback(), dmx.NewLoopback()
	c, err := New(cfg, Hardware{LEDWire: &led.SimWire{}, DMXIn: in, DMXOut: out})
	require.NoError(t, err)
	stop := start(t, c)
	defer stop()

	frame := make([]byte, dmx.FrameSize)
	frame[1], frame[512] = 42, 7
	in.Inject(frame)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := make([]byte, dmx.FrameSize+1)
	n, err := out.ReadFrame(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, frame, got[:n])
}

func TestOriginateDrivesLEDsDMXAndLink(t *testing.T) {
	cfg := smallConfig("originate")
	cfg.Pattern = "rgb_channels"
	wire := &led.SimWire{}
	out := dmx.NewLoopback()
	link := &linkPort{}
	c, err := New(cfg, Hardware{LEDWire: wire, DMXOut: out, Link: link})
	require.NoError(t, err)
	stop := start(t, c)
	defer stop()

	require.Eventually(t, func() bool { return len(wire.Frames()) > 0 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := make([]byte, dmx.FrameSize+1)
	n, err := out.ReadFrame(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, dmx.FrameSize, n)
	assert.EqualValues(t, dmx.StartCodeDimmer, got[0])

	require.Eventually(t, func() bool { return link.String() == "pattern=rgb_channels\n" }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SetPattern("checkerboard"))
	assert.Equal(t, "checkerboard", c.Status().Pattern)
	require.Eventually(t, func() bool {
		return bytes.HasSuffix([]byte(link.String()), []byte("pattern=checkerboard\n"))
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, c.SetPattern("plasma"))
}

func TestOriginateContinuousDMX(t *testing.T) {
	cfg := smallConfig("originate")
	cfg.DMX.Continuous = true
	out := dmx.NewLoopback()
	c, err := New(cfg, Hardware{LEDWire: &led.SimWire{}, DMXOut: out})
	require.NoError(t, err)
	assert.True(t, c.DMX.Continuous())
	stop := start(t, c)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := make([]byte, dmx.FrameSize+1)
	for i := 0; i < 3; i++ {
		n, err := out.ReadFrame(ctx, got)
		require.NoError(t, err)
		assert.Equal(t, dmx.FrameSize, n)
	}
	require.NotNil(t, c.Status().DMX)
	assert.True(t, c.Status().DMX.Continuous)
}

func TestSetPatternNeedsOriginate(t *testing.T) {
	c, err := New(smallConfig("repeat"), Hardware{LEDWire: &led.SimWire{}, DMXIn: dmx.NewLoopback()})
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, errors.Is(c.SetPattern("rainbow"), proto.ErrInvalidParameter))
}

func TestSetBrightness(t *testing.T) {
	c, err := New(smallConfig("originate"), Hardware{LEDWire: &led.SimWire{}})
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.LED.Correction())
	c.SetBrightness(128)
	require.NotNil(t, c.LED.Correction())
	assert.EqualValues(t, 128, c.LED.Correction().Brightness)
	assert.True(t, c.Status().LED.Corrected)
	c.SetBrightness(255)
	assert.Nil(t, c.LED.Correction())
}

func TestNewReportsFailingResource(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *config.Config
		hw       Hardware
		resource string
	}{
		{"no led wire", smallConfig("repeat"), Hardware{DMXIn: dmx.NewLoopback()}, "led"},
		{"no dmx capture", smallConfig("repeat"), Hardware{LEDWire: &led.SimWire{}}, "dmx-in"},
		{"bad pattern", func() *config.Config {
			c := smallConfig("originate")
			c.Pattern = "plasma"
			return c
		}(), Hardware{LEDWire: &led.SimWire{}}, "pattern"},
		{"oversized preamble", func() *config.Config {
			c := smallConfig("originate")
			c.Link.Preamble = "000102030405060708090a0b0c0d0e0f10"
			return c
		}(), Hardware{LEDWire: &led.SimWire{}, Link: &linkPort{}}, "link"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg, tt.hw)
			require.Error(t, err)
			assert.Nil(t, c)
			assert.True(t, errors.Is(err, proto.ErrHardwareInit))
			var ie *proto.InitError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, tt.resource, ie.Resource)
		})
	}
}

func TestRunTwiceIsBusy(t *testing.T) {
	c, err := New(smallConfig("originate"), Hardware{LEDWire: &led.SimWire{}})
	require.NoError(t, err)
	stop := start(t, c)
	defer stop()
	require.Eventually(t, func() bool { return c.Status().Running }, time.Second, time.Millisecond)
	assert.True(t, errors.Is(c.Run(context.Background()), proto.ErrBusy))
}

func TestBlink(t *testing.T) {
	pin := &gpiotest.Pin{N: "LED"}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, Blink(ctx, pin, 5*time.Millisecond))
	assert.Equal(t, gpio.Low, pin.Read())
}
