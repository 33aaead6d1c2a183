// Package rs485 drives a transmit-only half-duplex serial link with
// line-driver direction control.
package rs485

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/gpio"

	"github.com/coreman2200/picoled-bridge/internal/proto"
)

const (
	DefaultBaudRate   = 115200
	DefaultBufferSize = 1024
	// MaxAmble bounds the preamble and the postamble.
	MaxAmble = 16
	// DefaultTurnaround is the settle time either side of a frame.
	DefaultTurnaround = 50 * time.Microsecond
	DefaultTxTimeout  = 100 * time.Millisecond
	// maxFormatted bounds SendFormatted output, terminator excluded.
	maxFormatted = 511
)

// closeWait bounds how long Close waits for the frame in flight.
var closeWait = time.Second

// Port is the UART binding. WriteByte returns once the FIFO can take the
// next byte; Flush returns once the last stop bit has left the shift
// register. A Port that also implements io.Writer gets whole frames when
// Config.UseDMA is set.
type Port interface {
	WriteByte(b byte) error
	Flush() error
}

// Configurer is implemented by ports that can change line settings.
type Configurer interface {
	SetBaudRate(baud int) error
	SetFraming(f Framing) error
}

// DirectionPin is the line driver's DE/RE control. gpio.PinOut satisfies it.
type DirectionPin interface {
	Out(l gpio.Level) error
}

type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// Framing is the character format; zero values mean 8N1.
type Framing struct {
	DataBits int
	StopBits int
	Parity   Parity
}

func (f Framing) withDefaults() Framing {
	if f.DataBits == 0 {
		f.DataBits = 8
	}
	if f.StopBits == 0 {
		f.StopBits = 1
	}
	return f
}

func (f Framing) bitsPerChar() int {
	f = f.withDefaults()
	n := 1 + f.DataBits + f.StopBits
	if f.Parity != ParityNone {
		n++
	}
	return n
}

func (f Framing) String() string {
	f = f.withDefaults()
	p := "N"
	switch f.Parity {
	case ParityEven:
		p = "E"
	case ParityOdd:
		p = "O"
	}
	return fmt.Sprintf("%d%s%d", f.DataBits, p, f.StopBits)
}

type Config struct {
	BaudRate   int
	Framing    Framing
	BufferSize int
	Preamble   []byte
	Postamble  []byte
	PreDelay   time.Duration
	PostDelay  time.Duration
	TxTimeout  time.Duration
	UseDMA     bool
	// AutoDirection drives the direction pin around every frame.
	AutoDirection bool
}

// DefaultConfig is 115200 8N1, 1 KiB frames, 50 us turnaround.
func DefaultConfig() Config {
	return Config{
		BaudRate:      DefaultBaudRate,
		BufferSize:    DefaultBufferSize,
		PreDelay:      DefaultTurnaround,
		PostDelay:     DefaultTurnaround,
		TxTimeout:     DefaultTxTimeout,
		AutoDirection: true,
	}
}

type State int

const (
	Idle State = iota
	Transmitting
)

func (s State) String() string {
	if s == Transmitting {
		return "transmitting"
	}
	return "idle"
}

type Stats struct {
	FramesSent   uint64
	BytesSent    uint64
	Errors       uint64
	LastDuration time.Duration
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithClock replaces time.Sleep and time.Now for settle delays and stats.
func WithClock(sleep func(time.Duration), now func() time.Time) Option {
	return func(e *Engine) {
		e.sleep = sleep
		e.now = now
	}
}

// Engine sends frames on a Port. One frame is in flight at a time; the
// frame buffer is sized once at Begin.
type Engine struct {
	mu sync.Mutex
	// wire is held for as long as a transmit goroutine touches the port or
	// the direction pin, so a frame sent after an abort waits for the
	// aborted one to let go.
	wire  sync.Mutex
	port  Port
	dir   DirectionPin
	cfg   Config
	log   zerolog.Logger
	sleep func(time.Duration)
	now   func() time.Time

	buf     []byte
	state   State
	gen     uint64
	done    chan struct{}
	lastErr error
	ready   bool
	closed  bool
	stats   Stats
}

// New binds the engine to port and an optional direction pin (nil for
// drivers with automatic direction). Zero Config fields take the defaults.
func New(port Port, dir DirectionPin, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = def.TxTimeout
	}
	cfg.Framing = cfg.Framing.withDefaults()
	e := &Engine{
		port:  port,
		dir:   dir,
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

// Begin applies the line settings, parks the driver in receive and
// allocates the frame buffer.
func (e *Engine) Begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return proto.ErrNotInitialized
	}
	if e.ready {
		return nil
	}
	if e.port == nil {
		return fmt.Errorf("rs485: no port: %w", proto.ErrInvalidParameter)
	}
	if len(e.cfg.Preamble) > MaxAmble || len(e.cfg.Postamble) > MaxAmble {
		return fmt.Errorf("rs485: preamble/postamble over %d bytes: %w", MaxAmble, proto.ErrInvalidParameter)
	}
	if len(e.cfg.Preamble)+len(e.cfg.Postamble) >= e.cfg.BufferSize {
		return fmt.Errorf("rs485: no room for payload in %d bytes: %w", e.cfg.BufferSize, proto.ErrInvalidParameter)
	}
	if c, ok := e.port.(Configurer); ok {
		if err := c.SetBaudRate(e.cfg.BaudRate); err != nil {
			return fmt.Errorf("rs485: baud %d: %w", e.cfg.BaudRate, err)
		}
		if err := c.SetFraming(e.cfg.Framing); err != nil {
			return fmt.Errorf("rs485: framing %s: %w", e.cfg.Framing, err)
		}
	}
	if e.dir != nil {
		if err := e.dir.Out(gpio.Low); err != nil {
			return fmt.Errorf("rs485: direction pin: %w", err)
		}
	}
	e.buf = make([]byte, 0, e.cfg.BufferSize)
	e.ready = true
	e.log.Debug().Int("baud", e.cfg.BaudRate).Str("framing", e.cfg.Framing.String()).Msg("rs485 link ready")
	return nil
}

// Close waits up to closeWait for the frame in flight, then releases the
// direction pin. A frame that outlives the wait is aborted and reported as
// proto.ErrTimeout.
func (e *Engine) Close() error {
	waitErr := e.WaitForCompletion(closeWait)
	if waitErr != nil {
		e.AbortTransmission()
		e.log.Warn().Err(waitErr).Msg("rs485 frame still sending at close")
		waitErr = fmt.Errorf("rs485: close: %w", waitErr)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.ready = false
	if e.dir != nil {
		return errors.Join(waitErr, e.dir.Out(gpio.Low))
	}
	return waitErr
}

// SendFrame wraps data in the preamble and postamble and transmits it.
// Blocking waits for the driver to turn around, or aborts the frame and
// returns proto.ErrTimeout once the transmit timeout runs out.
func (e *Engine) SendFrame(data []byte, blocking bool) error {
	e.mu.Lock()
	if !e.ready {
		e.mu.Unlock()
		return proto.ErrNotInitialized
	}
	if e.state != Idle {
		e.mu.Unlock()
		return proto.ErrBusy
	}
	if len(data) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("rs485: empty frame: %w", proto.ErrInvalidParameter)
	}
	total := len(e.cfg.Preamble) + len(data) + len(e.cfg.Postamble)
	if total > e.cfg.BufferSize {
		e.mu.Unlock()
		return fmt.Errorf("rs485: frame of %d bytes, capacity %d: %w", total, e.cfg.BufferSize, proto.ErrBufferOverflow)
	}
	frame := append(e.buf[:0], e.cfg.Preamble...)
	frame = append(frame, data...)
	frame = append(frame, e.cfg.Postamble...)
	e.gen++
	gen := e.gen
	done := make(chan struct{})
	e.done = done
	e.state = Transmitting
	e.lastErr = nil
	cfg := e.cfg
	e.mu.Unlock()

	go e.transmit(gen, frame, cfg, done)

	if !blocking {
		return nil
	}
	t := time.NewTimer(cfg.TxTimeout + e.TransmissionTime(total))
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		e.abort(gen)
		return proto.ErrTimeout
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen && e.state == Transmitting
}

func (e *Engine) transmit(gen uint64, frame []byte, cfg Config, done chan struct{}) {
	defer close(done)
	e.wire.Lock()
	start := e.now()
	err := e.drive(gen, frame, cfg)
	e.wire.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || e.state != Transmitting {
		// Aborted; the abort already counted the error.
		return
	}
	e.state = Idle
	e.lastErr = err
	if err != nil {
		e.stats.Errors++
		e.log.Warn().Err(err).Int("bytes", len(frame)).Msg("rs485 frame failed")
		return
	}
	e.stats.FramesSent++
	e.stats.BytesSent += uint64(len(frame))
	e.stats.LastDuration = e.now().Sub(start)
}

func (e *Engine) drive(gen uint64, frame []byte, cfg Config) (err error) {
	useDir := cfg.AutoDirection && e.dir != nil
	if useDir {
		if err := e.dir.Out(gpio.High); err != nil {
			return fmt.Errorf("rs485: assert direction: %w", err)
		}
		defer func() {
			if !e.current(gen) {
				return
			}
			if derr := e.dir.Out(gpio.Low); derr != nil && err == nil {
				err = fmt.Errorf("rs485: release direction: %w", derr)
			}
		}()
		e.sleep(cfg.PreDelay)
	}

	if w, ok := e.port.(io.Writer); ok && cfg.UseDMA {
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("rs485: write: %w", err)
		}
	} else {
		for i, b := range frame {
			if !e.current(gen) {
				return nil
			}
			if err := e.port.WriteByte(b); err != nil {
				return fmt.Errorf("rs485: byte %d: %w", i, err)
			}
		}
	}
	if !e.current(gen) {
		return nil
	}
	if err := e.port.Flush(); err != nil {
		return fmt.Errorf("rs485: drain: %w", err)
	}
	if useDir {
		e.sleep(cfg.PostDelay)
	}
	return nil
}

// AbortTransmission forces the link Idle, drops the direction pin and
// counts an error. It is a no-op when nothing is in flight.
func (e *Engine) AbortTransmission() {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()
	e.abort(gen)
}

func (e *Engine) abort(gen uint64) {
	e.mu.Lock()
	if e.gen != gen || e.state != Transmitting {
		e.mu.Unlock()
		return
	}
	e.gen++
	e.state = Idle
	e.stats.Errors++
	e.lastErr = proto.ErrTimeout
	// The aborted frame may still be reading the old buffer.
	e.buf = make([]byte, 0, e.cfg.BufferSize)
	dir := e.dir
	e.mu.Unlock()
	if dir != nil {
		_ = dir.Out(gpio.Low)
	}
	e.log.Warn().Msg("rs485 transmission aborted")
}

// SendString sends s up to its first NUL byte.
func (e *Engine) SendString(s string, blocking bool) error {
	if i := bytes.IndexByte([]byte(s), 0); i >= 0 {
		s = s[:i]
	}
	return e.SendFrame([]byte(s), blocking)
}

// SendFormatted formats like fmt.Sprintf and sends without blocking.
func (e *Engine) SendFormatted(format string, args ...any) error {
	s := fmt.Sprintf(format, args...)
	if len(s) == 0 || len(s) > maxFormatted {
		return fmt.Errorf("rs485: formatted length %d: %w", len(s), proto.ErrInvalidParameter)
	}
	return e.SendFrame([]byte(s), false)
}

// SendRepeated sends data count times, blocking on each frame, with gap
// between frames. It stops at the first error.
func (e *Engine) SendRepeated(data []byte, count int, gap time.Duration) error {
	if count <= 0 || len(data) == 0 {
		return fmt.Errorf("rs485: repeat %d: %w", count, proto.ErrInvalidParameter)
	}
	for i := 0; i < count; i++ {
		if err := e.SendFrame(data, true); err != nil {
			return err
		}
		if i < count-1 && gap > 0 {
			e.sleep(gap)
		}
	}
	return nil
}

// WaitForCompletion blocks until Idle. timeout 0 waits forever.
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

// TransmissionTime is the wire time of n characters at the current settings.
func (e *Engine) TransmissionTime(n int) time.Duration {
	e.mu.Lock()
	baud, bits := e.cfg.BaudRate, e.cfg.Framing.bitsPerChar()
	e.mu.Unlock()
	return time.Duration(n*bits) * time.Second / time.Duration(baud)
}

func (e *Engine) SetBaudRate(baud int) error {
	if baud <= 0 {
		return fmt.Errorf("rs485: baud %d: %w", baud, proto.ErrInvalidParameter)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Idle {
		return proto.ErrBusy
	}
	if c, ok := e.port.(Configurer); ok && e.ready {
		if err := c.SetBaudRate(baud); err != nil {
			return fmt.Errorf("rs485: baud %d: %w", baud, err)
		}
	}
	e.cfg.BaudRate = baud
	return nil
}

// SetBufferSize changes the frame capacity; only legal before Begin.
func (e *Engine) SetBufferSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("rs485: buffer size %d: %w", n, proto.ErrInvalidParameter)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Idle {
		return proto.ErrBusy
	}
	if e.ready || e.closed {
		return fmt.Errorf("rs485: buffer size is fixed after Begin: %w", proto.ErrInvalidParameter)
	}
	e.cfg.BufferSize = n
	return nil
}

// SetFrameFormat replaces the preamble and postamble (at most MaxAmble
// bytes each).
func (e *Engine) SetFrameFormat(preamble, postamble []byte) error {
	if len(preamble) > MaxAmble || len(postamble) > MaxAmble {
		return fmt.Errorf("rs485: preamble/postamble over %d bytes: %w", MaxAmble, proto.ErrInvalidParameter)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Idle {
		return proto.ErrBusy
	}
	e.cfg.Preamble = append([]byte(nil), preamble...)
	e.cfg.Postamble = append([]byte(nil), postamble...)
	return nil
}

func (e *Engine) SetDirectionTiming(pre, post time.Duration) {
	e.mu.Lock()
	e.cfg.PreDelay, e.cfg.PostDelay = pre, post
	e.mu.Unlock()
}

func (e *Engine) SetAutoDirection(on bool) {
	e.mu.Lock()
	e.cfg.AutoDirection = on
	e.mu.Unlock()
}

func (e *Engine) IsBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != Idle
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
