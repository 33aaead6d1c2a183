package dmx

import (
	"bufio"
	"context"
	"io"
)

// StreamCapture decodes the byte stream of a tty opened with PARMRK and
// without IGNBRK/BRKINT: a BREAK reads as FF 00 00, a byte with a framing
// error as FF 00 x and a literal FF as FF FF. Frames run from one BREAK to
// the next, so each one is returned when the following BREAK arrives.
//
// ctx is only checked between bytes; a Read blocked on a quiet line returns
// when the tty's VTIME expires or the reader is closed.
type StreamCapture struct {
	r      *bufio.Reader
	synced bool
	n      int
	torn   bool
}

func NewStreamCapture(r io.Reader) *StreamCapture {
	return &StreamCapture{r: bufio.NewReaderSize(r, 2*FrameSize)}
}

type event int

const (
	evData event = iota
	evBreak
	evError
)

func (s *StreamCapture) next() (byte, event, error) {
	b, err := s.r.ReadByte()
	if err != nil || b != 0xFF {
		return b, evData, err
	}
	b, err = s.r.ReadByte()
	if err != nil {
		return 0, evData, err
	}
	if b == 0xFF {
		return 0xFF, evData, nil
	}
	// FF 00 x
	b, err = s.r.ReadByte()
	if err != nil {
		return 0, evData, err
	}
	if b == 0x00 {
		return 0, evBreak, nil
	}
	return b, evError, nil
}

func (s *StreamCapture) ReadFrame(ctx context.Context, p []byte) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b, ev, err := s.next()
		if err != nil {
			return 0, err
		}
		switch ev {
		case evBreak:
			n, torn := s.n, s.torn
			wasSynced := s.synced
			s.synced, s.n, s.torn = true, 0, false
			if !wasSynced || n == 0 {
				continue
			}
			if torn {
				return n, ErrTorn
			}
			return n, nil
		case evError:
			if s.synced {
				s.torn = true
				s.n++
			}
		case evData:
			if !s.synced {
				continue
			}
			if s.n < len(p) {
				p[s.n] = b
			}
			s.n++
		}
	}
}
