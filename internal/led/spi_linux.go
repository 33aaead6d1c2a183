//go:build linux

package led

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3/physic"
)

// spidev ioctl numbers from linux/spi/spidev.h.
const (
	spiIOCWriteMode        = 0x40016b01
	spiIOCWriteBitsPerWord = 0x40016b03
	spiIOCWriteMaxSpeedHz  = 0x40046b04
)

// minLatchBytes keeps the latch comfortably past the WS2812 minimum.
const minLatchBytes = 128

// SPIWire drives a WS2812 chain from the MOSI pin of a spidev device. Each
// data bit becomes three SPI bits, so the bus runs at SubBitRate.
type SPIWire struct {
	mu    sync.Mutex
	f     *os.File
	latch []byte
	enc   []byte
}

// NewSPIWire opens dev (e.g. "/dev/spidev0.0") in mode 0 at SubBitRate.
// reset is the latch time appended as zero bytes after every frame.
func NewSPIWire(dev string, reset time.Duration) (*SPIWire, error) {
	f, err := os.OpenFile(dev, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("led: open spidev: %w", err)
	}
	mode := uint8(0)
	bpw := uint8(8)
	speed := uint32(SubBitRate / physic.Hertz)
	for _, op := range []struct {
		name string
		req  uintptr
		arg  unsafe.Pointer
	}{
		{"mode", spiIOCWriteMode, unsafe.Pointer(&mode)},
		{"bits-per-word", spiIOCWriteBitsPerWord, unsafe.Pointer(&bpw)},
		{"speed", spiIOCWriteMaxSpeedHz, unsafe.Pointer(&speed)},
	} {
		if _, _, e := unix.Syscall(unix.SYS_IOCTL, f.Fd(), op.req, uintptr(op.arg)); e != 0 {
			_ = f.Close()
			return nil, fmt.Errorf("led: spi set %s: %w", op.name, e)
		}
	}
	n := LatchBytes(reset)
	if n < minLatchBytes {
		n = minLatchBytes
	}
	return &SPIWire{f: f, latch: make([]byte, n)}, nil
}

func (s *SPIWire) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("led: spi closed")
	}
	s.enc = appendNRZ(s.enc[:0], frame)
	if _, err := s.f.Write(s.enc); err != nil {
		return fmt.Errorf("led: spi write: %w", err)
	}
	// Latch: hold MOSI low by clocking out zeros.
	if _, err := s.f.Write(s.latch); err != nil {
		return fmt.Errorf("led: spi latch: %w", err)
	}
	return nil
}

func (s *SPIWire) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		err := s.f.Close()
		s.f = nil
		return err
	}
	return nil
}
