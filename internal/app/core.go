// Package app wires the protocol engines into a running bridge.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/coreman2200/picoled-bridge/internal/bridge"
	"github.com/coreman2200/picoled-bridge/internal/config"
	"github.com/coreman2200/picoled-bridge/internal/convert"
	diag "github.com/coreman2200/picoled-bridge/internal/diagnostics"
	"github.com/coreman2200/picoled-bridge/internal/dmx"
	"github.com/coreman2200/picoled-bridge/internal/layout"
	"github.com/coreman2200/picoled-bridge/internal/led"
	"github.com/coreman2200/picoled-bridge/internal/pattern"
	"github.com/coreman2200/picoled-bridge/internal/pixel"
	"github.com/coreman2200/picoled-bridge/internal/proto"
	"github.com/coreman2200/picoled-bridge/internal/rs485"
)

type Mode string

const (
	// ModeRepeat renders received DMX on the LEDs.
	ModeRepeat Mode = "repeat"
	// ModeOriginate renders a local pattern and sends it out as DMX.
	ModeOriginate Mode = "originate"
)

// Hardware is the set of peripherals the bridge drives. Only LEDWire is
// required; DMXIn is required in repeat mode.
type Hardware struct {
	LEDWire led.Wire
	DMXIn   dmx.Capture
	DMXOut  dmx.Port
	Link    rs485.Port
	LinkDir rs485.DirectionPin
}

type Option func(*Core)

func WithLogger(l zerolog.Logger) Option { return func(c *Core) { c.log = l } }

func WithDiagnostics(s diag.Sink) Option { return func(c *Core) { c.diag = s } }

// WithRendererOptions passes extra options to the repeat-mode renderer.
func WithRendererOptions(o ...bridge.RendererOption) Option {
	return func(c *Core) { c.rendererOpts = append(c.rendererOpts, o...) }
}

// WithEngineOptions passes extra options to the engines, mostly clocks for tests.
func WithEngineOptions(l []led.Option, d []dmx.Option, r []rs485.Option) Option {
	return func(c *Core) {
		c.ledOpts = append(c.ledOpts, l...)
		c.dmxOpts = append(c.dmxOpts, d...)
		c.linkOpts = append(c.linkOpts, r...)
	}
}

// Core owns every engine. LED is always present; DMX, Receiver and Link
// are nil when the hardware is absent or the mode does not use them.
type Core struct {
	LED      *led.Engine
	DMX      *dmx.Engine
	Receiver *dmx.Receiver
	Link     *rs485.Engine

	cfg  *config.Config
	mode Mode
	log  zerolog.Logger
	diag diag.Sink

	slot     *bridge.Slot
	acquirer *bridge.Acquirer
	renderer *bridge.Renderer

	rendererOpts []bridge.RendererOption
	ledOpts      []led.Option
	dmxOpts      []dmx.Option
	linkOpts     []rs485.Option

	mu      sync.Mutex
	runner  *pattern.Runner
	plan    pattern.Plan
	corr    pixel.Correction
	running bool
}

// New builds and begins every engine. The first peripheral that fails is
// reported as a *proto.InitError and everything already begun is closed.
func New(cfg *config.Config, hw Hardware, opts ...Option) (*Core, error) {
	c := &Core{
		cfg:  cfg,
		mode: Mode(cfg.Mode),
		log:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.build(hw); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) build(hw Hardware) error {
	cfg := c.cfg
	format, err := pixel.ParseFormat(cfg.LED.ColorOrder)
	if err != nil {
		return proto.NewInitError("led", err)
	}
	c.corr = pixel.Correction{
		Brightness:      uint8(cfg.LED.Brightness),
		Gamma:           cfg.LED.Gamma,
		BudgetMilliamps: cfg.LED.BudgetMilliamps,
	}
	ledOpts := append([]led.Option{led.WithLogger(c.log.With().Str("engine", "led").Logger())}, c.ledOpts...)
	if c.needsCorrection() {
		corr := c.corr
		ledOpts = append(ledOpts, led.WithCorrection(&corr))
	}
	c.LED = led.New(hw.LEDWire, led.Config{
		Count:     cfg.LED.Count,
		Format:    format,
		Grid:      layout.Grid{Width: cfg.LED.Width, Height: cfg.LED.Height, Serpentine: cfg.LED.Serpentine},
		ResetTime: time.Duration(cfg.LED.ResetUs) * time.Microsecond,
	}, ledOpts...)
	if err := c.LED.Begin(); err != nil {
		return proto.NewInitError("led", err)
	}

	if hw.DMXOut != nil {
		dmxOpts := append([]dmx.Option{dmx.WithLogger(c.log.With().Str("engine", "dmx").Logger())}, c.dmxOpts...)
		c.DMX = dmx.New(hw.DMXOut, dmx.Config{
			StartCode:   byte(cfg.DMX.StartCode),
			BreakTime:   time.Duration(cfg.DMX.BreakUs) * time.Microsecond,
			MABTime:     time.Duration(cfg.DMX.MABUs) * time.Microsecond,
			RefreshRate: cfg.DMX.RefreshHz,
			Continuous:  cfg.DMX.Continuous,
		}, dmxOpts...)
		if err := c.DMX.Begin(); err != nil {
			return proto.NewInitError("dmx-out", err)
		}
	}

	if hw.Link != nil {
		c.Link = rs485.New(hw.Link, hw.LinkDir, linkConfig(cfg.Link),
			append([]rs485.Option{rs485.WithLogger(c.log.With().Str("engine", "link").Logger())}, c.linkOpts...)...)
		if err := c.Link.Begin(); err != nil {
			return proto.NewInitError("link", err)
		}
	}

	switch c.mode {
	case ModeRepeat:
		if hw.DMXIn == nil {
			return proto.NewInitError("dmx-in", fmt.Errorf("no capture: %w", proto.ErrInvalidParameter))
		}
		policy, err := bridge.ParsePolicy(cfg.Bridge.FailSafe)
		if err != nil {
			return proto.NewInitError("bridge", err)
		}
		c.Receiver = dmx.NewReceiver(hw.DMXIn,
			dmx.WithStartCode(byte(cfg.DMX.StartCode)),
			dmx.WithReceiverLogger(c.log.With().Str("engine", "dmx-in").Logger()))
		c.slot = bridge.NewSlot()
		c.acquirer = bridge.NewAcquirer(c.Receiver, c.slot)
		ropts := append([]bridge.RendererOption{
			bridge.WithPolicy(policy),
			bridge.WithWindow(time.Duration(cfg.Bridge.WindowMs) * time.Millisecond),
			bridge.WithLogger(c.log.With().Str("engine", "renderer").Logger()),
			bridge.WithFailSafeHook(c.onFailSafe),
		}, c.rendererOpts...)
		c.renderer = bridge.NewRenderer(c.slot, bridge.SinkFunc(c.renderUniverse), ropts...)
	case ModeOriginate:
		name := cfg.Pattern
		if name == "" {
			name = string(pattern.Rainbow)
		}
		kind, err := pattern.ParseKind(name)
		if err != nil {
			return proto.NewInitError("pattern", err)
		}
		c.plan = pattern.Plan{Kind: kind}
		c.runner = pattern.NewRunner(c.plan)
	default:
		return proto.NewInitError("mode", fmt.Errorf("mode %q: %w", c.mode, proto.ErrInvalidParameter))
	}
	return nil
}

func (c *Core) needsCorrection() bool {
	return c.corr.Brightness != 255 || (c.corr.Gamma > 0 && c.corr.Gamma != 1) || c.corr.BudgetMilliamps > 0
}

func linkConfig(l config.Link) rs485.Config {
	parity := rs485.ParityNone
	switch l.Parity {
	case "even":
		parity = rs485.ParityEven
	case "odd":
		parity = rs485.ParityOdd
	}
	return rs485.Config{
		BaudRate:      l.Baud,
		Framing:       rs485.Framing{DataBits: l.DataBits, StopBits: l.StopBits, Parity: parity},
		BufferSize:    l.BufferSize,
		Preamble:      l.PreambleBytes(),
		Postamble:     l.PostambleBytes(),
		PreDelay:      time.Duration(l.PreDelayUs) * time.Microsecond,
		PostDelay:     time.Duration(l.PostDelayUs) * time.Microsecond,
		TxTimeout:     time.Duration(l.TimeoutMs) * time.Millisecond,
		UseDMA:        l.DMA,
		AutoDirection: true,
	}
}

// Run drives the bridge until ctx is done or an execution context fails.
func (c *Core) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return proto.ErrBusy
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	g, ctx := errgroup.WithContext(ctx)
	switch c.mode {
	case ModeRepeat:
		g.Go(func() error { return c.acquirer.Run(ctx) })
		g.Go(func() error { return c.renderer.Run(ctx) })
	case ModeOriginate:
		c.announce()
		g.Go(func() error { return c.originate(ctx) })
	}
	g.Go(func() error { return c.watch(ctx, time.Second) })
	c.log.Info().Str("mode", string(c.mode)).Int("pixels", c.LED.Count()).Msg("bridge running")
	return g.Wait()
}

// renderUniverse is the repeat-mode sink: DMX channels onto the LEDs, then
// optionally back out on the DMX port.
func (c *Core) renderUniverse(u *dmx.Universe, failsafe bool) error {
	start := c.cfg.DMX.StartChannel
	if err := c.LED.Edit(func(b *pixel.Buffer) { convert.UniverseToPixels(u, b, start, 0) }); err != nil {
		return err
	}
	if err := c.LED.Update(true); err != nil {
		return fmt.Errorf("led update: %w", err)
	}
	if c.DMX != nil && c.cfg.DMX.Retransmit {
		c.DMX.Edit(func(out *dmx.Universe) { copy(out.Data(), u.Data()) })
		if err := c.DMX.Transmit(); err != nil && !errors.Is(err, proto.ErrBusy) {
			return fmt.Errorf("dmx retransmit: %w", err)
		}
	}
	return nil
}

func (c *Core) onFailSafe(p bridge.Policy) {
	c.push(diag.Diagnostic{
		Severity:     diag.Warn,
		Code:         diag.CodeFailSafe,
		Summary:      "No DMX frames within the fail-safe window",
		Detail:       "policy " + p.String(),
		LikelyCauses: []string{"DMX source off or unplugged", "wrong start code", "line polarity swapped"},
		Evidence:     map[string]any{"window_ms": c.cfg.Bridge.WindowMs},
	})
}

// originate renders the pattern at the configured FPS, pushes it to the
// LEDs and mirrors it into the DMX universe.
func (c *Core) originate(ctx context.Context) error {
	fps := c.cfg.FPS
	if fps <= 0 {
		fps = 30
	}
	tick := time.NewTicker(time.Second / time.Duration(fps))
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := c.originateFrame(); err != nil {
				return err
			}
		}
	}
}

func (c *Core) originateFrame() error {
	c.mu.Lock()
	r := c.runner
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	var done bool
	if err := c.LED.Edit(func(b *pixel.Buffer) { done = !r.Step(b) }); err != nil {
		return err
	}
	if done {
		c.push(diag.Diagnostic{Severity: diag.Info, Code: diag.CodePatternDone, Summary: "Pattern complete", Detail: string(r.Kind())})
		c.mu.Lock()
		if c.runner == r {
			c.runner = pattern.NewRunner(c.plan)
		}
		c.mu.Unlock()
		return nil
	}
	if err := c.LED.Update(false); err != nil && !errors.Is(err, proto.ErrBusy) {
		return fmt.Errorf("led update: %w", err)
	}
	if c.DMX == nil {
		return nil
	}
	start := c.cfg.DMX.StartChannel
	_ = c.LED.Edit(func(b *pixel.Buffer) {
		c.DMX.Edit(func(u *dmx.Universe) { convert.PixelsToUniverse(b, u, start) })
	})
	if err := c.DMX.Transmit(); err != nil && !errors.Is(err, proto.ErrBusy) {
		return fmt.Errorf("dmx transmit: %w", err)
	}
	return nil
}

// SetPattern switches the originate-mode pattern and announces it on the link.
func (c *Core) SetPattern(name string) error {
	kind, err := pattern.ParseKind(name)
	if err != nil {
		c.push(diag.Diagnostic{Severity: diag.Warn, Code: diag.CodePatternUnk, Summary: "Unknown pattern name", Evidence: map[string]any{"name": name}})
		return err
	}
	if c.mode != ModeOriginate {
		return fmt.Errorf("app: patterns need originate mode: %w", proto.ErrInvalidParameter)
	}
	c.mu.Lock()
	c.plan = pattern.Plan{Kind: kind}
	c.runner = pattern.NewRunner(c.plan)
	c.mu.Unlock()
	c.announce()
	return nil
}

func (c *Core) announce() {
	if c.Link == nil {
		return
	}
	c.mu.Lock()
	kind := c.plan.Kind
	c.mu.Unlock()
	if err := c.Link.SendFormatted("pattern=%s\n", kind); err != nil {
		c.log.Warn().Err(err).Str("pattern", string(kind)).Msg("pattern announce failed")
	}
}

// SetBrightness rescales the LED output; 255 is full scale.
func (c *Core) SetBrightness(v uint8) {
	c.mu.Lock()
	c.corr.Brightness = v
	corr := c.corr
	needs := c.needsCorrection()
	c.mu.Unlock()
	if needs {
		c.LED.SetCorrection(&corr)
	} else {
		c.LED.SetCorrection(nil)
	}
}

// Preview is the current LED frame as RGB triplets.
func (c *Core) Preview() []byte { return c.LED.Preview() }

func (c *Core) Grid() layout.Grid { return c.LED.Grid() }

func (c *Core) push(d diag.Diagnostic) {
	if c.diag != nil {
		c.diag.Push(d)
	}
}

// Close stops every engine. It is safe on a partially built Core.
func (c *Core) Close() error {
	var errs []error
	if c.LED != nil {
		errs = append(errs, c.LED.Close())
	}
	if c.DMX != nil {
		errs = append(errs, c.DMX.Close())
	}
	if c.Link != nil {
		errs = append(errs, c.Link.Close())
	}
	return errors.Join(errs...)
}
