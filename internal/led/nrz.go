package led

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/devices/v3/nrzled"
)

// NRZSPIRate is the only bus clock nrzled accepts over SPI. It spends four
// SPI bits per data bit, so the chain sees 625 kbit/s.
const NRZSPIRate = 2500 * physic.KiloHertz

// NRZWire sends frames through periph's nrzled driver on any spi.Port.
// nrzled takes RGB input and emits GRB, so frames packed in GRB order are
// swapped back before handing them over.
type NRZWire struct {
	mu       sync.Mutex
	dev      *nrzled.Dev
	channels int
	scratch  []byte
}

// NewNRZWire binds count 3-channel pixels to p. nrzled's SPI encoder has
// no RGBW path.
func NewNRZWire(p spi.Port, count, channels int) (*NRZWire, error) {
	if channels != 3 {
		return nil, fmt.Errorf("led: nrzled over spi needs 3 channels, got %d", channels)
	}
	d, err := nrzled.NewSPI(p, &nrzled.Opts{
		NumPixels: count,
		Channels:  channels,
		Freq:      NRZSPIRate,
	})
	if err != nil {
		return nil, fmt.Errorf("led: nrzled: %w", err)
	}
	return &NRZWire{dev: d, channels: channels}, nil
}

func (w *NRZWire) Send(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dev == nil {
		return fmt.Errorf("led: nrz wire closed")
	}
	w.scratch = append(w.scratch[:0], frame...)
	for i := 0; i+1 < len(w.scratch); i += w.channels {
		w.scratch[i], w.scratch[i+1] = w.scratch[i+1], w.scratch[i]
	}
	_, err := w.dev.Write(w.scratch)
	return err
}

func (w *NRZWire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dev == nil {
		return nil
	}
	err := w.dev.Halt()
	w.dev = nil
	return err
}

func (w *NRZWire) String() string {
	if w.dev == nil {
		return "nrzwire{closed}"
	}
	return "nrzwire{" + w.dev.String() + "}"
}
