//go:build !linux

package serial

import (
	"fmt"

	"github.com/coreman2200/picoled-bridge/internal/rs485"
)

type TTY struct{}

func Open(path string, o Options) (*TTY, error) {
	return nil, fmt.Errorf("serial: tty not supported on this platform")
}

func (t *TTY) Read(p []byte) (int, error)       { return 0, fmt.Errorf("serial: unsupported") }
func (t *TTY) Write(p []byte) (int, error)      { return 0, fmt.Errorf("serial: unsupported") }
func (t *TTY) WriteByte(b byte) error           { return fmt.Errorf("serial: unsupported") }
func (t *TTY) Flush() error                     { return nil }
func (t *TTY) SetBreak(on bool) error           { return fmt.Errorf("serial: unsupported") }
func (t *TTY) SetBaudRate(baud int) error       { return fmt.Errorf("serial: unsupported") }
func (t *TTY) SetFraming(f rs485.Framing) error { return fmt.Errorf("serial: unsupported") }
func (t *TTY) Close() error                     { return nil }
