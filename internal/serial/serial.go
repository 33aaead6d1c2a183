// Package serial binds a UART tty to the DMX and RS-485 engines.
package serial

import (
	"time"

	"github.com/coreman2200/picoled-bridge/internal/rs485"
)

type Options struct {
	Baud    int
	Framing rs485.Framing
	// MarkErrors turns on PARMRK so BREAKs and framing errors show up in
	// the byte stream (see dmx.StreamCapture).
	MarkErrors bool
	// ReadTimeout bounds a Read on a quiet line; 0 blocks.
	ReadTimeout time.Duration
}

// DMX is 250 kbit/s 8N2.
func DMX() Options {
	return Options{Baud: 250000, Framing: rs485.Framing{DataBits: 8, StopBits: 2}}
}

// DMXReceive adds error marking so BREAKs delimit frames.
func DMXReceive() Options {
	o := DMX()
	o.MarkErrors = true
	return o
}
