// Package convert maps pixels onto DMX channels and back, three channels
// (R, G, B) per pixel. Both directions are pure functions of their inputs.
package convert

import (
	"github.com/coreman2200/picoled-bridge/internal/dmx"
	"github.com/coreman2200/picoled-bridge/internal/pixel"
)

// ChannelsPerPixel is R, G and B; white is not carried.
const ChannelsPerPixel = 3

// Capacity is how many whole pixels fit from start to channel 512.
func Capacity(start int) int {
	if start < 1 || start > dmx.Channels {
		return 0
	}
	return (dmx.Channels - start + 1) / ChannelsPerPixel
}

// UniverseToPixels loads count pixels from u starting at channel start into
// dst, beginning at pixel 0. count <= 0 means the whole buffer. Pixels past
// the available channels keep their previous value. It returns the number
// of pixels written.
func UniverseToPixels(u *dmx.Universe, dst *pixel.Buffer, start, count int) int {
	if count <= 0 || count > dst.Len() {
		count = dst.Len()
	}
	if c := Capacity(start); count > c {
		count = c
	}
	for i := 0; i < count; i++ {
		ch := start + i*ChannelsPerPixel
		dst.Set(i, pixel.RGBColor(u[ch], u[ch+1], u[ch+2]))
	}
	return count
}

// PixelsToUniverse writes src into u from channel start on, stopping at the
// first pixel that would run past channel 512. The start code is never
// touched. It returns the number of pixels written.
func PixelsToUniverse(src *pixel.Buffer, u *dmx.Universe, start int) int {
	n := src.Len()
	if c := Capacity(start); n > c {
		n = c
	}
	for i := 0; i < n; i++ {
		c, _ := src.Get(i)
		ch := start + i*ChannelsPerPixel
		u[ch], u[ch+1], u[ch+2] = c.R, c.G, c.B
	}
	return n
}
