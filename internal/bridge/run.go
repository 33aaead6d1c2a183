package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coreman2200/picoled-bridge/internal/dmx"
)

// DefaultWindow is how long the renderer waits for a frame before the
// fail-safe applies.
const DefaultWindow = time.Second

// Source yields complete universes; dmx.Receiver is one.
type Source interface {
	Next(ctx context.Context, dst *dmx.Universe) error
}

// Acquirer moves frames from a Source into a Slot.
type Acquirer struct {
	src  Source
	slot *Slot
	buf  dmx.Universe
}

func NewAcquirer(src Source, slot *Slot) *Acquirer {
	return &Acquirer{src: src, slot: slot}
}

// Run publishes every frame until ctx is done or the source fails.
func (a *Acquirer) Run(ctx context.Context) error {
	for {
		if err := a.src.Next(ctx, &a.buf); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bridge: acquire: %w", err)
		}
		a.slot.Publish(&a.buf)
	}
}

// Policy is what the renderer shows when frames stop arriving.
type Policy int

const (
	Hold Policy = iota
	Blank
)

func (p Policy) String() string {
	if p == Blank {
		return "blank"
	}
	return "hold"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hold":
		return Hold, nil
	case "blank":
		return Blank, nil
	}
	return Hold, fmt.Errorf("bridge: unknown fail-safe policy %q", s)
}

// Sink consumes a universe on the rendering side. failsafe marks renders
// triggered by the timeout rather than a fresh frame.
type Sink interface {
	Render(u *dmx.Universe, failsafe bool) error
}

type SinkFunc func(u *dmx.Universe, failsafe bool) error

func (f SinkFunc) Render(u *dmx.Universe, failsafe bool) error { return f(u, failsafe) }

type RendererStats struct {
	Rendered   uint64
	FailSafes  uint64
	SinkErrors uint64
}

type RendererOption func(*Renderer)

func WithPolicy(p Policy) RendererOption { return func(r *Renderer) { r.policy = p } }

func WithWindow(d time.Duration) RendererOption {
	return func(r *Renderer) {
		if d > 0 {
			r.window = d
		}
	}
}

func WithLogger(l zerolog.Logger) RendererOption { return func(r *Renderer) { r.log = l } }

// WithAfter replaces time.After for the fail-safe timer.
func WithAfter(f func(time.Duration) <-chan time.Time) RendererOption {
	return func(r *Renderer) { r.after = f }
}

// WithFailSafeHook is called, outside any lock, each time the fail-safe fires.
func WithFailSafeHook(f func(Policy)) RendererOption {
	return func(r *Renderer) { r.onFailSafe = f }
}

// Renderer waits on the Slot and hands each new frame to a Sink. When no
// frame arrives for a whole window it applies the fail-safe policy once,
// then again only after another full window.
type Renderer struct {
	slot       *Slot
	sink       Sink
	policy     Policy
	window     time.Duration
	after      func(time.Duration) <-chan time.Time
	onFailSafe func(Policy)
	log        zerolog.Logger

	work dmx.Universe

	rendered   atomic.Uint64
	failSafes  atomic.Uint64
	sinkErrors atomic.Uint64
}

func NewRenderer(slot *Slot, sink Sink, opts ...RendererOption) *Renderer {
	r := &Renderer{
		slot:   slot,
		sink:   sink,
		policy: Hold,
		window: DefaultWindow,
		after:  time.After,
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Renderer) Run(ctx context.Context) error {
	timeout := r.after(r.window)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.slot.Notify():
			if _, ok := r.slot.Take(&r.work); !ok {
				continue
			}
			r.rendered.Add(1)
			r.render(false)
			timeout = r.after(r.window)
		case <-timeout:
			if r.policy == Blank {
				r.work.Clear()
			}
			r.failSafes.Add(1)
			r.log.Warn().Str("policy", r.policy.String()).Dur("window", r.window).Msg("no dmx frames, fail-safe applied")
			if r.onFailSafe != nil {
				r.onFailSafe(r.policy)
			}
			r.render(true)
			timeout = r.after(r.window)
		}
	}
}

func (r *Renderer) render(failsafe bool) {
	if err := r.sink.Render(&r.work, failsafe); err != nil {
		r.sinkErrors.Add(1)
		if !errors.Is(err, context.Canceled) {
			r.log.Warn().Err(err).Bool("failsafe", failsafe).Msg("render failed")
		}
	}
}

func (r *Renderer) Policy() Policy { return r.policy }

func (r *Renderer) Stats() RendererStats {
	return RendererStats{
		Rendered:   r.rendered.Load(),
		FailSafes:  r.failSafes.Load(),
		SinkErrors: r.sinkErrors.Load(),
	}
}
