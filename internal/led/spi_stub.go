//go:build !linux

package led

import (
	"fmt"
	"time"
)

type SPIWire struct{}

func NewSPIWire(dev string, reset time.Duration) (*SPIWire, error) {
	return nil, fmt.Errorf("led: spidev wire not supported on this platform")
}

func (s *SPIWire) Send(frame []byte) error {
	return fmt.Errorf("led: spidev wire not supported on this platform")
}

func (s *SPIWire) Close() error { return nil }
