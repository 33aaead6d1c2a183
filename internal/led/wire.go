package led

import (
	"fmt"
	"sync"
	"time"
)

// Wire is the physical sink for an encoded frame: packed pixels in wire
// order, Channels() bytes each. Send returns once the last bit has left.
type Wire interface {
	Send(frame []byte) error
	Close() error
}

// SimWire records every frame and sleeps for the time the bits would take
// on a real chain. It stands in for hardware in sim mode and tests.
type SimWire struct {
	// Sleep simulates bit time; nil skips it.
	Sleep func(time.Duration)
	// Err, when set, is returned by every Send.
	Err error

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *SimWire) Send(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("led: sim wire closed")
	}
	if s.Err != nil {
		err := s.Err
		s.mu.Unlock()
		return err
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	sleep := s.Sleep
	s.mu.Unlock()
	if sleep != nil {
		sleep(FrameTime(len(frame)))
	}
	return nil
}

func (s *SimWire) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Frames returns copies of every frame sent so far.
func (s *SimWire) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	for i, f := range s.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Last returns the most recent frame, or nil.
func (s *SimWire) Last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return append([]byte(nil), s.frames[len(s.frames)-1]...)
}
