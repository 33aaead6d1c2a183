package dmx

import (
	"context"
	"io"
	"sync"
)

// loopbackDepth is how many completed frames a Loopback buffers before
// dropping new ones.
const loopbackDepth = 8

// Loopback is a Port whose frames come back out of its Capture side. It
// joins a transmitting Engine to a Receiver without hardware.
type Loopback struct {
	mu      sync.Mutex
	cur     []byte
	inBreak bool
	frames  chan []byte
	dropped uint64
	closed  bool
}

func NewLoopback() *Loopback {
	return &Loopback{frames: make(chan []byte, loopbackDepth)}
}

func (l *Loopback) SetBreak(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if on && !l.inBreak {
		l.cur = l.cur[:0]
	}
	l.inBreak = on
	return nil
}

func (l *Loopback) WriteByte(b byte) error {
	l.mu.Lock()
	l.cur = append(l.cur, b)
	l.mu.Unlock()
	return nil
}

// Flush hands the frame written since the last BREAK to the capture side.
func (l *Loopback) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.cur) == 0 {
		return nil
	}
	frame := append([]byte(nil), l.cur...)
	l.cur = l.cur[:0]
	l.push(frame)
	return nil
}

// Inject queues an arbitrary capture, for feeding malformed frames.
func (l *Loopback) Inject(frame []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.push(append([]byte(nil), frame...))
}

func (l *Loopback) push(frame []byte) {
	if l.closed {
		return
	}
	select {
	case l.frames <- frame:
	default:
		l.dropped++
	}
}

func (l *Loopback) ReadFrame(ctx context.Context, p []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case f, ok := <-l.frames:
		if !ok {
			return 0, io.EOF
		}
		copy(p, f)
		return len(f), nil
	}
}

// Dropped counts frames lost because the capture side fell behind.
func (l *Loopback) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.frames)
	}
	return nil
}
