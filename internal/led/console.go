package led

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"

	"periph.io/x/conn/v3/display"
	"periph.io/x/extra/devices/screen"

	"github.com/coreman2200/picoled-bridge/internal/pixel"
)

// ConsoleWire renders frames as a row of ANSI colour blocks through
// periph's screen drawer, for running without LED hardware attached.
type ConsoleWire struct {
	mu     sync.Mutex
	drawer display.Drawer
	format pixel.Format
	out    io.Writer
	img    *image.NRGBA
}

// NewConsoleWire draws count pixels decoded with f. out receives a newline
// after every frame; nil skips it.
func NewConsoleWire(count int, f pixel.Format, out io.Writer) *ConsoleWire {
	return &ConsoleWire{
		drawer: screen.New(count),
		format: f,
		out:    out,
		img:    image.NewNRGBA(image.Rect(0, 0, count, 1)),
	}
}

func (c *ConsoleWire) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.format.Channels()
	w := c.img.Bounds().Dx()
	for i := 0; i < w; i++ {
		var px pixel.Color
		if off := i * ch; off+ch <= len(frame) {
			var v uint32
			for _, b := range frame[off : off+ch] {
				v = v<<8 | uint32(b)
			}
			px = c.format.Unpack(v)
		}
		c.img.SetNRGBA(i, 0, color.NRGBA{R: px.R, G: px.G, B: px.B, A: 0xFF})
	}
	if err := c.drawer.Draw(c.drawer.Bounds(), c.img, image.Point{}); err != nil {
		return fmt.Errorf("led: console draw: %w", err)
	}
	if c.out != nil {
		fmt.Fprintln(c.out)
	}
	return nil
}

func (c *ConsoleWire) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drawer.Halt()
}
