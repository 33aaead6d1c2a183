// Package pixel holds the LED framebuffer and the colour formats it is packed in.
package pixel

import (
	"fmt"
	"strings"
)

// Color is a logical LED value. W is ignored by formats without a white die.
type Color struct {
	R, G, B, W uint8
}

func RGBColor(r, g, b uint8) Color { return Color{R: r, G: g, B: b} }

// Format packs logical colours into the 24 or 32 bit word shifted out on the
// wire, most significant byte first.
type Format interface {
	Name() string
	// Channels is the number of bytes per pixel on the wire (3 or 4).
	Channels() int
	Pack(c Color) uint32
	Unpack(v uint32) Color
	// PutWire appends a packed value as Channels() bytes, MSB first.
	PutWire(dst []byte, v uint32) []byte
}

// order is a Format described by the bit offset of each channel.
type order struct {
	name       string
	r, g, b, w uint8
	white      bool
}

var (
	RGB  Format = order{name: "RGB", r: 0x10, g: 0x08, b: 0x00}
	GRB  Format = order{name: "GRB", g: 0x10, r: 0x08, b: 0x00}
	RGBW Format = order{name: "RGBW", r: 0x18, g: 0x10, b: 0x08, w: 0x00, white: true}
)

func (o order) Name() string { return o.name }

func (o order) Channels() int {
	if o.white {
		return 4
	}
	return 3
}

func (o order) Pack(c Color) uint32 {
	var v uint32
	v = setcolor(v, c.R, o.r)
	v = setcolor(v, c.G, o.g)
	v = setcolor(v, c.B, o.b)
	if o.white {
		v = setcolor(v, c.W, o.w)
	}
	return v
}

func (o order) Unpack(v uint32) Color {
	c := Color{
		R: getcolor(v, o.r),
		G: getcolor(v, o.g),
		B: getcolor(v, o.b),
	}
	if o.white {
		c.W = getcolor(v, o.w)
	}
	return c
}

func (o order) PutWire(dst []byte, v uint32) []byte {
	for i := o.Channels() - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*uint(i))))
	}
	return dst
}

func (o order) String() string { return o.name }

func setcolor(c uint32, n uint8, off uint8) uint32 {
	var val uint32 = uint32(n) << off
	var mask uint32 = 0xFF << off
	return (c & (^mask)) | val
}

func getcolor(c uint32, off uint8) uint8 {
	var mask uint32 = 0xFF << off
	return uint8((c & mask) >> off)
}

// ParseFormat resolves a colour order name such as "GRB" (case-insensitive).
func ParseFormat(name string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "RGB":
		return RGB, nil
	case "GRB", "":
		return GRB, nil
	case "RGBW":
		return RGBW, nil
	default:
		return nil, fmt.Errorf("pixel: unknown color format %q", name)
	}
}

// readWire is the inverse of Format.PutWire; len(src) must be at least Channels().
func readWire(f Format, src []byte) uint32 {
	var v uint32
	for i := 0; i < f.Channels(); i++ {
		v = v<<8 | uint32(src[i])
	}
	return v
}
