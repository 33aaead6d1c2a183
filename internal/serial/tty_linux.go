//go:build linux

package serial

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/coreman2200/picoled-bridge/internal/rs485"
)

// TTY is a raw-mode tty with an arbitrary baud rate (termios2 BOTHER).
// Writes are buffered until Flush, which also waits for the line to drain.
type TTY struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	opts Options
}

func Open(path string, o Options) (*TTY, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", path, err)
	}
	t := &TTY{f: f, w: bufio.NewWriterSize(f, 1024), opts: o}
	if err := t.apply(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("serial: %s: %w", path, err)
	}
	return t, nil
}

func (t *TTY) apply() error {
	fd := int(t.f.Fd())
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS2)
	if err != nil {
		return fmt.Errorf("TCGETS2: %w", err)
	}
	if err := configure(tio, t.opts); err != nil {
		return err
	}
	if err := unix.IoctlSetTermios(fd, unix.TCSETS2, tio); err != nil {
		return fmt.Errorf("TCSETS2: %w", err)
	}
	return nil
}

// configure puts tio in raw mode with o's line settings.
func configure(tio *unix.Termios, o Options) error {
	if o.Baud <= 0 {
		return fmt.Errorf("baud %d", o.Baud)
	}
	fr := o.Framing
	if fr.DataBits == 0 {
		fr.DataBits = 8
	}
	var size uint32
	switch fr.DataBits {
	case 5:
		size = unix.CS5
	case 6:
		size = unix.CS6
	case 7:
		size = unix.CS7
	case 8:
		size = unix.CS8
	default:
		return fmt.Errorf("data bits %d", fr.DataBits)
	}

	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR |
		unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IGNPAR | unix.INPCK
	if o.MarkErrors {
		tio.Iflag |= unix.PARMRK | unix.INPCK
	}
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CBAUD | unix.CRTSCTS
	tio.Cflag |= size | unix.CREAD | unix.CLOCAL | unix.BOTHER
	if fr.StopBits == 2 {
		tio.Cflag |= unix.CSTOPB
	}
	switch fr.Parity {
	case rs485.ParityEven:
		tio.Cflag |= unix.PARENB
	case rs485.ParityOdd:
		tio.Cflag |= unix.PARENB | unix.PARODD
	}
	tio.Ispeed = uint32(o.Baud)
	tio.Ospeed = uint32(o.Baud)

	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0
	if o.ReadTimeout > 0 {
		ds := o.ReadTimeout / (100 * time.Millisecond)
		if ds < 1 {
			ds = 1
		}
		if ds > 255 {
			ds = 255
		}
		tio.Cc[unix.VMIN] = 0
		tio.Cc[unix.VTIME] = uint8(ds)
	}
	return nil
}

func (t *TTY) Read(p []byte) (int, error) { return t.f.Read(p) }

func (t *TTY) WriteByte(b byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.WriteByte(b)
}

// Write sends p in one go, ahead of nothing: pending buffered bytes go first.
func (t *TTY) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.w.Flush(); err != nil {
		return 0, err
	}
	return t.f.Write(p)
}

// Flush writes buffered bytes and waits until the last stop bit is out.
func (t *TTY) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drain()
}

func (t *TTY) drain() error {
	if err := t.w.Flush(); err != nil {
		return err
	}
	// TCSBRK with a non-zero argument is tcdrain.
	return unix.IoctlSetInt(int(t.f.Fd()), unix.TCSBRK, 1)
}

// SetBreak holds the line in the space state until called with false.
func (t *TTY) SetBreak(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if on {
		if err := t.drain(); err != nil {
			return err
		}
		return unix.IoctlSetInt(int(t.f.Fd()), unix.TIOCSBRK, 0)
	}
	return unix.IoctlSetInt(int(t.f.Fd()), unix.TIOCCBRK, 0)
}

func (t *TTY) SetBaudRate(baud int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opts.Baud = baud
	return t.apply()
}

func (t *TTY) SetFraming(f rs485.Framing) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opts.Framing = f
	return t.apply()
}

func (t *TTY) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.w.Flush()
	return t.f.Close()
}
