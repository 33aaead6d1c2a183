// Package dmx implements the DMX512 side of the bridge: the 513-slot
// universe, the BREAK/MAB/DATA transmit state machine and frame capture.
package dmx

import (
	"errors"
	"fmt"

	"github.com/coreman2200/picoled-bridge/internal/proto"
)

const (
	// Channels is the number of data slots in a universe.
	Channels = 512
	// FrameSize is the start code plus every channel slot.
	FrameSize = Channels + 1
	// StartCodeDimmer is the null start code carried by dimmer data.
	StartCodeDimmer = 0x00
)

var (
	ErrShortFrame = errors.New("dmx: short frame")
	ErrLongFrame  = errors.New("dmx: long frame")
	ErrStartCode  = errors.New("dmx: unexpected start code")
	// ErrTorn is returned by a Capture when a framing error hit mid frame.
	ErrTorn = errors.New("dmx: torn frame")
)

// Universe is one full frame: index 0 is the start code, channel N lives
// at index N.
type Universe [FrameSize]byte

// SetChannel writes channel n (1..512). It reports false and does nothing
// when n is out of range.
func (u *Universe) SetChannel(n int, v byte) bool {
	if n < 1 || n > Channels {
		return false
	}
	u[n] = v
	return true
}

// Channel returns channel n, or 0 when n is out of range.
func (u *Universe) Channel(n int) byte {
	if n < 1 || n > Channels {
		return 0
	}
	return u[n]
}

// SetRange copies data into consecutive channels starting at start. The
// whole range must fit; nothing is written otherwise.
func (u *Universe) SetRange(start int, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("dmx: empty range: %w", proto.ErrInvalidParameter)
	}
	if start < 1 || start+len(data)-1 > Channels {
		return fmt.Errorf("dmx: channels %d..%d: %w", start, start+len(data)-1, proto.ErrOutOfRange)
	}
	copy(u[start:], data)
	return nil
}

// SetChannels replaces all 512 channels; data must be exactly 512 bytes.
func (u *Universe) SetChannels(data []byte) error {
	if len(data) != Channels {
		return fmt.Errorf("dmx: universe of %d bytes: %w", len(data), proto.ErrInvalidParameter)
	}
	copy(u[1:], data)
	return nil
}

// Clear zeroes every channel and leaves the start code alone.
func (u *Universe) Clear() {
	for i := 1; i < FrameSize; i++ {
		u[i] = 0
	}
}

func (u *Universe) StartCode() byte     { return u[0] }
func (u *Universe) SetStartCode(c byte) { u[0] = c }

// Data is the channel slice, channel 1 at index 0.
func (u *Universe) Data() []byte { return u[1:] }

// Validate accepts only a complete frame carrying startCode.
func Validate(frame []byte, startCode byte) error {
	switch {
	case len(frame) < FrameSize:
		return fmt.Errorf("%w: %d slots", ErrShortFrame, len(frame))
	case len(frame) > FrameSize:
		return fmt.Errorf("%w: %d slots", ErrLongFrame, len(frame))
	case frame[0] != startCode:
		return fmt.Errorf("%w: 0x%02x", ErrStartCode, frame[0])
	}
	return nil
}
