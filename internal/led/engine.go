// Package led drives a WS2812-style single-wire pixel chain.
package led

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coreman2200/picoled-bridge/internal/layout"
	"github.com/coreman2200/picoled-bridge/internal/pixel"
	"github.com/coreman2200/picoled-bridge/internal/proto"
)

// State is the engine's transmit state; Updating means a frame is on the wire.
type State int

const (
	Idle State = iota
	Updating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Updating:
		return "updating"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// closeWait bounds how long Close waits for an in-flight frame.
var closeWait = time.Second

type Config struct {
	Count  int
	Format pixel.Format
	Grid   layout.Grid
	// ResetTime is the latch low time after each frame; 0 means ResetTime.
	ResetTime time.Duration
}

type Stats struct {
	Updates   uint64
	Errors    uint64
	LastFrame time.Duration
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithSleep replaces time.Sleep for the latch wait.
func WithSleep(f func(time.Duration)) Option { return func(e *Engine) { e.sleep = f } }

func WithCorrection(c *pixel.Correction) Option { return func(e *Engine) { e.corr = c } }

// Engine owns the pixel buffer and shifts it out over a Wire. Edits go to
// the front buffer; Update encodes it into the back buffer, so edits made
// while Updating only show on the next frame.
type Engine struct {
	mu    sync.Mutex
	wire  Wire
	cfg   Config
	log   zerolog.Logger
	sleep func(time.Duration)
	now   func() time.Time

	front   *pixel.Buffer
	back    []byte
	corr    *pixel.Correction
	state   State
	done    chan struct{}
	lastErr error
	ready   bool
	closed  bool
	stats   Stats
}

func New(w Wire, cfg Config, opts ...Option) *Engine {
	if cfg.Format == nil {
		cfg.Format = pixel.GRB
	}
	if cfg.ResetTime <= 0 {
		cfg.ResetTime = ResetTime
	}
	e := &Engine{
		wire:  w,
		cfg:   cfg,
		log:   zerolog.Nop(),
		sleep: time.Sleep,
		now:   time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Begin allocates the pixel buffer. It fails for counts outside
// 1..pixel.MaxPixels or a missing wire.
func (e *Engine) Begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return proto.ErrNotInitialized
	}
	if e.ready {
		return nil
	}
	if e.wire == nil {
		return fmt.Errorf("led: no wire: %w", proto.ErrInvalidParameter)
	}
	buf, err := pixel.NewBuffer(e.cfg.Count, e.cfg.Format, e.cfg.Grid)
	if err != nil {
		return err
	}
	e.front = buf
	e.back = make([]byte, 0, buf.Len()*e.cfg.Format.Channels())
	e.ready = true
	e.log.Debug().Int("count", buf.Len()).Str("format", e.cfg.Format.Name()).Msg("led engine ready")
	return nil
}

// Close waits up to closeWait for the frame in flight, then releases the
// wire. A frame that outlives the wait is reported as proto.ErrTimeout.
func (e *Engine) Close() error {
	waitErr := e.WaitForCompletion(closeWait)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.ready = false
	if waitErr != nil {
		e.log.Warn().Err(waitErr).Msg("led frame still shifting at close")
		waitErr = fmt.Errorf("led: close: %w", waitErr)
	}
	if e.wire != nil {
		return errors.Join(waitErr, e.wire.Close())
	}
	return waitErr
}

func (e *Engine) SetPixel(i int, c pixel.Color) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		e.front.Set(i, c)
	}
}

func (e *Engine) SetPixelXY(x, y int, c pixel.Color) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		e.front.SetXY(x, y, c)
	}
}

func (e *Engine) Pixel(i int) (pixel.Color, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return pixel.Color{}, false
	}
	return e.front.Get(i)
}

func (e *Engine) PixelXY(x, y int) (pixel.Color, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return pixel.Color{}, false
	}
	return e.front.GetXY(x, y)
}

func (e *Engine) Fill(c pixel.Color) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		e.front.Fill(c)
	}
}

func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		e.front.Clear()
	}
}

// SetPixelData bulk-loads format-ordered bytes starting at pixel start.
func (e *Engine) SetPixelData(data []byte, start int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return 0, proto.ErrNotInitialized
	}
	return e.front.SetData(data, start)
}

// Edit runs fn on the front buffer under the engine lock. fn must not
// call back into the engine.
func (e *Engine) Edit(fn func(b *pixel.Buffer)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return proto.ErrNotInitialized
	}
	fn(e.front)
	return nil
}

// Preview returns the front buffer as logical RGB triplets.
func (e *Engine) Preview() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return nil
	}
	return e.front.AppendRGB(nil)
}

// SetCorrection swaps the wire-side correction; nil disables it.
func (e *Engine) SetCorrection(c *pixel.Correction) {
	e.mu.Lock()
	e.corr = c
	e.mu.Unlock()
}

func (e *Engine) Correction() *pixel.Correction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.corr
}

// Update starts shifting out the whole buffer. A second Update while the
// previous frame is still Updating is rejected with proto.ErrBusy.
// Blocking waits for the latch and returns the wire's error, if any.
func (e *Engine) Update(blocking bool) error {
	e.mu.Lock()
	if !e.ready {
		e.mu.Unlock()
		return proto.ErrNotInitialized
	}
	if e.state == Updating {
		e.mu.Unlock()
		return proto.ErrBusy
	}
	e.back = e.front.AppendWire(e.back[:0], e.corr)
	frame := e.back
	done := make(chan struct{})
	e.state = Updating
	e.done = done
	e.lastErr = nil
	e.mu.Unlock()

	go e.transmit(frame, done)

	if !blocking {
		return nil
	}
	<-done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) transmit(frame []byte, done chan struct{}) {
	start := e.now()
	err := e.wire.Send(frame)
	e.sleep(e.cfg.ResetTime)

	e.mu.Lock()
	e.state = Idle
	e.lastErr = err
	if err != nil {
		e.stats.Errors++
		e.log.Warn().Err(err).Int("bytes", len(frame)).Msg("led frame failed")
	} else {
		e.stats.Updates++
		e.stats.LastFrame = e.now().Sub(start)
	}
	e.mu.Unlock()
	close(done)
}

// WaitForCompletion blocks until the engine is Idle. timeout 0 waits forever;
// otherwise proto.ErrTimeout is returned on expiry.
func (e *Engine) WaitForCompletion(timeout time.Duration) error {
	e.mu.Lock()
	if e.state == Idle || e.done == nil {
		e.mu.Unlock()
		return nil
	}
	done := e.done
	e.mu.Unlock()

	if timeout <= 0 {
		<-done
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return proto.ErrTimeout
	}
}

func (e *Engine) IsBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Updating
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *Engine) Count() int           { return e.cfg.Count }
func (e *Engine) Format() pixel.Format { return e.cfg.Format }
func (e *Engine) Grid() layout.Grid {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.front != nil {
		return e.front.Grid()
	}
	return e.cfg.Grid
}

// FrameDuration is the wire time of one full frame plus the latch.
func (e *Engine) FrameDuration() time.Duration {
	return FrameTime(e.cfg.Count*e.cfg.Format.Channels()) + e.cfg.ResetTime
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) ResetStats() {
	e.mu.Lock()
	e.stats = Stats{}
	e.mu.Unlock()
}
