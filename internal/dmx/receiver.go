package dmx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Capture delivers raw frames from the wire. ReadFrame fills p with the
// slots seen between two BREAKs and returns how many there were, which may
// exceed len(p). A frame hit by a framing error is reported with ErrTorn.
type Capture interface {
	ReadFrame(ctx context.Context, p []byte) (int, error)
}

type RxStats struct {
	Frames       uint64
	Short        uint64
	Long         uint64
	Torn         uint64
	BadStartCode uint64
	LastFrame    time.Time
}

// Dropped is every capture rejected before reaching a consumer.
func (s RxStats) Dropped() uint64 { return s.Short + s.Long + s.Torn + s.BadStartCode }

type ReceiverOption func(*Receiver)

func WithReceiverLogger(l zerolog.Logger) ReceiverOption {
	return func(r *Receiver) { r.log = l }
}

func WithStartCode(c byte) ReceiverOption {
	return func(r *Receiver) { r.startCode = c }
}

// Receiver turns captures into whole universes. Only frames of exactly
// FrameSize slots with the expected start code get through.
type Receiver struct {
	capture   Capture
	startCode byte
	log       zerolog.Logger
	now       func() time.Time
	buf       []byte

	mu    sync.Mutex
	stats RxStats
}

func NewReceiver(c Capture, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		capture:   c,
		startCode: StartCodeDimmer,
		log:       zerolog.Nop(),
		now:       time.Now,
		buf:       make([]byte, FrameSize+1),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Next blocks until a valid frame arrives and copies it into dst. dst is
// untouched by rejected captures. Errors other than framing problems (for
// example ctx cancellation) are returned as is.
func (r *Receiver) Next(ctx context.Context, dst *Universe) error {
	for {
		n, err := r.capture.ReadFrame(ctx, r.buf)
		if errors.Is(err, ErrTorn) {
			r.count(func(s *RxStats) { s.Torn++ })
			r.log.Debug().Int("slots", n).Msg("dmx torn frame dropped")
			continue
		}
		if err != nil {
			return err
		}
		if n > len(r.buf) {
			n = len(r.buf)
		}
		if err := Validate(r.buf[:n], r.startCode); err != nil {
			r.reject(err)
			r.log.Debug().Err(err).Msg("dmx frame dropped")
			continue
		}
		copy(dst[:], r.buf[:FrameSize])
		now := r.now()
		r.count(func(s *RxStats) {
			s.Frames++
			s.LastFrame = now
		})
		return nil
	}
}

func (r *Receiver) reject(err error) {
	r.count(func(s *RxStats) {
		switch {
		case errors.Is(err, ErrShortFrame):
			s.Short++
		case errors.Is(err, ErrLongFrame):
			s.Long++
		case errors.Is(err, ErrStartCode):
			s.BadStartCode++
		}
	})
}

func (r *Receiver) count(fn func(*RxStats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

func (r *Receiver) Stats() RxStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Receiver) ResetStats() {
	r.mu.Lock()
	r.stats = RxStats{}
	r.mu.Unlock()
}
