package app

import (
	"context"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Blink toggles pin every period until ctx is done, then leaves it Low.
// It is the boot-failure indicator.
func Blink(ctx context.Context, pin gpio.PinOut, period time.Duration) error {
	t := time.NewTicker(period)
	defer t.Stop()
	level := gpio.High
	for {
		if err := pin.Out(level); err != nil {
			return err
		}
		level = !level
		select {
		case <-ctx.Done():
			return pin.Out(gpio.Low)
		case <-t.C:
		}
	}
}
