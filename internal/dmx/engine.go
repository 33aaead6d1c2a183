package dmx

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coreman2200/picoled-bridge/internal/proto"
)

const (
	// BaudRate is the fixed DMX512 line rate, 8N2.
	BaudRate = 250000

	DefaultBreakTime = 100 * time.Microsecond
	DefaultMABTime   = 12 * time.Microsecond
	MinBreakTime     = 88 * time.Microsecond
	MinMABTime       = 8 * time.Microsecond

	// DefaultRefreshRate is the practical ceiling for a full universe.
	DefaultRefreshRate = 44
	// FrameGap is the idle time between frames in continuous mode.
	FrameGap = time.Millisecond

	// slotTime is one 11-bit slot (start, 8 data, 2 stop) at BaudRate.
	slotTime = 11 * time.Second / BaudRate
)

// Port is the UART binding. WriteByte returns once the transmitter can
// take the next byte; Flush returns once the shift register is empty.
type Port interface {
	SetBreak(on bool) error
	WriteByte(b byte) error
	Flush() error
}

// State is the transmit state machine position.
type State int

const (
	Idle State = iota
	Break
	MarkAfterBreak
	Data
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Break:
		return "break"
	case MarkAfterBreak:
		return "mab"
	case Data:
		return "data"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Config struct {
	StartCode   byte
	BreakTime   time.Duration
	MABTime     time.Duration
	RefreshRate int
	Continuous  bool
}

func (c *Config) setDefaults() {
	if c.BreakTime == 0 {
		c.BreakTime = DefaultBreakTime
	}
	if c.BreakTime < MinBreakTime {
		c.BreakTime = MinBreakTime
	}
	if c.MABTime == 0 {
		c.MABTime = DefaultMABTime
	}
	if c.MABTime < MinMABTime {
		c.MABTime = MinMABTime
	}
	if c.RefreshRate <= 0 {
		c.RefreshRate = DefaultRefreshRate
	}
}

type Stats struct {
	Frames    uint64
	Errors    uint64
	LastFrame time.Duration
}

// closeWait bounds how long Close waits for the frame in flight.
var closeWait = time.Second

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithClock replaces time.Sleep and time.Now for the frame timing.
func WithClock(sleep func(time.Duration), now func() time.Time) Option {
	return func(e *Engine) {
		e.sleep = sleep
		e.now = now
	}
}

// Engine transmits the universe it owns on a Port. Transmit snapshots the
// universe, so channel writes during a frame only reach the next one.
type Engine struct {
	mu    sync.Mutex
	port  Port
	cfg   Config
	log   zerolog.Logger
	sleep func(time.Duration)
	now   func() time.Time

	universe Universe
	state    State
	running  bool
	done     chan struct{}
	cursor   atomic.Int32
	ready    bool
	closed   bool
	stats    Stats
}

func New(p Port, cfg Config, opts ...Option) *Engine {
	cfg.setDefaults()
	e := &Engine{
		port:  p,
		cfg:   cfg,
		log:   zerolog.Nop(),
		sleep: time.Sleep,
		now:   time.Now,
	}
	e.universe.SetStartCode(cfg.StartCode)
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return proto.ErrNotInitialized
	}
	if e.port == nil {
		return fmt.Errorf("dmx: no port: %w", proto.ErrInvalidParameter)
	}
	if err := e.port.SetBreak(false); err != nil {
		return fmt.Errorf("dmx: idle line: %w", err)
	}
	e.ready = true
	return nil
}

// Close stops continuous mode, lets the current frame finish and marks the
// engine unusable. A frame still on the wire after a second is reported as
// proto.ErrTimeout.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.cfg.Continuous = false
	e.mu.Unlock()
	err := e.WaitForCompletion(closeWait)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.ready = false
	if err != nil {
		e.log.Warn().Err(err).Int("cursor", e.Cursor()).Msg("dmx frame still running at close")
		return fmt.Errorf("dmx: close: %w", err)
	}
	return nil
}

func (e *Engine) SetChannel(n int, v byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.universe.SetChannel(n, v)
}

func (e *Engine) Channel(n int) byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.universe.Channel(n)
}

func (e *Engine) SetChannelRange(start int, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.universe.SetRange(start, data)
}

func (e *Engine) SetUniverse(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.universe.SetChannels(data)
}

func (e *Engine) ClearUniverse() {
	e.mu.Lock()
	e.universe.Clear()
	e.mu.Unlock()
}

// Edit runs fn on the live universe under the engine lock.
func (e *Engine) Edit(fn func(u *Universe)) {
	e.mu.Lock()
	fn(&e.universe)
	e.mu.Unlock()
}

// Universe returns a copy of the live universe.
func (e *Engine) Universe() Universe {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.universe
}

func (e *Engine) SetStartCode(c byte) {
	e.mu.Lock()
	e.cfg.StartCode = c
	e.universe.SetStartCode(c)
	e.mu.Unlock()
}

// Validate checks the live universe carries the configured start code.
func (e *Engine) Validate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Validate(e.universe[:], e.cfg.StartCode)
}

// SetTiming changes BREAK and MAB lengths, clamped to the protocol minimums.
func (e *Engine) SetTiming(brk, mab time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return proto.ErrBusy
	}
	e.cfg.BreakTime, e.cfg.MABTime = brk, mab
	e.cfg.setDefaults()
	return nil
}

// SetContinuous toggles auto re-trigger. Turning it off lets the current
// frame finish and then stops.
func (e *Engine) SetContinuous(on bool) {
	e.mu.Lock()
	e.cfg.Continuous = on
	e.mu.Unlock()
}

func (e *Engine) Continuous() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Continuous
}

// Transmit starts a frame and returns immediately. It is rejected with
// proto.ErrBusy while a frame (or a continuous run) is in progress.
func (e *Engine) Transmit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return proto.ErrNotInitialized
	}
	if e.running {
		return proto.ErrBusy
	}
	e.running = true
	e.state = Break
	e.done = make(chan struct{})
	go e.run(e.universe, e.cfg, e.done)
	return nil
}

// run sends frame, then keeps re-snapshotting the universe for as long as
// continuous mode stays on.
func (e *Engine) run(frame Universe, cfg Config, done chan struct{}) {
	defer close(done)
	for {
		start := e.now()
		err := e.sendFrame(&frame, cfg)

		e.mu.Lock()
		if err != nil {
			e.stats.Errors++
			e.state = Idle
			e.running = false
			e.mu.Unlock()
			e.log.Warn().Err(err).Int("cursor", e.Cursor()).Msg("dmx frame aborted")
			return
		}
		e.stats.Frames++
		e.stats.LastFrame = e.now().Sub(start)
		e.state = Idle
		if !e.cfg.Continuous || e.closed {
			e.running = false
			e.mu.Unlock()
			return
		}
		period := framePeriod(cfg)
		e.mu.Unlock()

		if wait := period - e.now().Sub(start); wait > 0 {
			e.sleep(wait)
		}

		e.mu.Lock()
		frame = e.universe
		cfg = e.cfg
		e.mu.Unlock()
	}
}

// framePeriod is the slower of frame time plus gap and the refresh limit.
func framePeriod(cfg Config) time.Duration {
	p := FrameTime(cfg) + FrameGap
	if floor := time.Second / time.Duration(cfg.RefreshRate); p < floor {
		p = floor
	}
	return p
}

// FrameTime is the wire time of BREAK, MAB and all 513 slots.
func FrameTime(cfg Config) time.Duration {
	cfg.setDefaults()
	return cfg.BreakTime + cfg.MABTime + FrameSize*slotTime
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) sendFrame(frame *Universe, cfg Config) error {
	e.cursor.Store(0)

	e.setState(Break)
	if err := e.port.SetBreak(true); err != nil {
		return fmt.Errorf("dmx: break: %w", err)
	}
	e.sleep(cfg.BreakTime)
	if err := e.port.SetBreak(false); err != nil {
		return fmt.Errorf("dmx: mark: %w", err)
	}

	e.setState(MarkAfterBreak)
	e.sleep(cfg.MABTime)

	e.setState(Data)
	for i := 0; i < FrameSize; i++ {
		if err := e.port.WriteByte(frame[i]); err != nil {
			return fmt.Errorf("dmx: slot %d: %w", i, err)
		}
		e.cursor.Store(int32(i + 1))
	}
	if err := e.port.Flush(); err != nil {
		return fmt.Errorf("dmx: drain: %w", err)
	}
	return nil
}

// Cursor is the number of slots of the current frame already handed to the port.
func (e *Engine) Cursor() int { return int(e.cursor.Load()) }

// WaitForCompletion blocks until no frame is running. timeout 0 waits
// forever. In continuous mode that means until SetContinuous(false).
func (e *Engine) WaitForCompletion(timeout time.Duration) error {
	e.mu.Lock()
	if !e.running {
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
	return e.running
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
