package pixel

import (
	"fmt"

	"github.com/coreman2200/picoled-bridge/internal/layout"
	"github.com/coreman2200/picoled-bridge/internal/proto"
)

// MaxPixels is the safety limit on a single chain.
const MaxPixels = 1024

// Buffer is a fixed-length framebuffer of packed pixels. Every accessor
// bounds-checks; out of range writes are dropped and reads return zero.
type Buffer struct {
	format Format
	grid   layout.Grid
	px     []uint32
}

// NewBuffer allocates n black pixels. A zero grid means a single row of n.
func NewBuffer(n int, f Format, g layout.Grid) (*Buffer, error) {
	if n <= 0 || n > MaxPixels {
		return nil, fmt.Errorf("pixel: count %d outside 1..%d: %w", n, MaxPixels, proto.ErrInvalidParameter)
	}
	if f == nil {
		return nil, fmt.Errorf("pixel: nil format: %w", proto.ErrInvalidParameter)
	}
	if g.Count() == 0 {
		g = layout.Linear(n)
	}
	return &Buffer{format: f, grid: g, px: make([]uint32, n)}, nil
}

func (b *Buffer) Len() int           { return len(b.px) }
func (b *Buffer) Format() Format     { return b.format }
func (b *Buffer) Grid() layout.Grid  { return b.grid }
func (b *Buffer) inRange(i int) bool { return i >= 0 && i < len(b.px) }

func (b *Buffer) Set(i int, c Color) {
	if !b.inRange(i) {
		return
	}
	b.px[i] = b.format.Pack(c)
}

func (b *Buffer) Get(i int) (Color, bool) {
	if !b.inRange(i) {
		return Color{}, false
	}
	return b.format.Unpack(b.px[i]), true
}

// Raw returns the packed wire word at i, or 0 when out of range.
func (b *Buffer) Raw(i int) uint32 {
	if !b.inRange(i) {
		return 0
	}
	return b.px[i]
}

func (b *Buffer) SetXY(x, y int, c Color) {
	if i, ok := b.grid.Index(x, y); ok {
		b.Set(i, c)
	}
}

func (b *Buffer) GetXY(x, y int) (Color, bool) {
	i, ok := b.grid.Index(x, y)
	if !ok {
		return Color{}, false
	}
	return b.Get(i)
}

func (b *Buffer) Fill(c Color) {
	v := b.format.Pack(c)
	for i := range b.px {
		b.px[i] = v
	}
}

func (b *Buffer) Clear() {
	for i := range b.px {
		b.px[i] = 0
	}
}

// SetData loads format-ordered bytes starting at pixel start. Pixels past the
// end of the buffer are dropped; a trailing partial pixel is ignored.
func (b *Buffer) SetData(data []byte, start int) (int, error) {
	if len(data) == 0 || !b.inRange(start) {
		return 0, proto.ErrInvalidParameter
	}
	ch := b.format.Channels()
	n := len(data) / ch
	if room := len(b.px) - start; n > room {
		n = room
	}
	for i := 0; i < n; i++ {
		b.px[start+i] = readWire(b.format, data[i*ch:])
	}
	return n, nil
}

// CopyFrom overwrites b with src, repacking when the formats differ.
func (b *Buffer) CopyFrom(src *Buffer) {
	n := len(b.px)
	if len(src.px) < n {
		n = len(src.px)
	}
	if src.format == b.format {
		copy(b.px[:n], src.px[:n])
		return
	}
	for i := 0; i < n; i++ {
		b.px[i] = b.format.Pack(src.format.Unpack(src.px[i]))
	}
}

// AppendWire appends the whole buffer in wire order, optionally through c.
func (b *Buffer) AppendWire(dst []byte, c *Correction) []byte {
	if c == nil {
		for _, v := range b.px {
			dst = b.format.PutWire(dst, v)
		}
		return dst
	}
	lut := c.table()
	scale := c.frameScale(b, &lut)
	for _, v := range b.px {
		px := c.apply(&lut, b.format.Unpack(v), scale)
		dst = b.format.PutWire(dst, b.format.Pack(px))
	}
	return dst
}

// AppendRGB appends logical R,G,B triplets regardless of format.
func (b *Buffer) AppendRGB(dst []byte) []byte {
	for _, v := range b.px {
		c := b.format.Unpack(v)
		dst = append(dst, c.R, c.G, c.B)
	}
	return dst
}

func (b *Buffer) Equal(o *Buffer) bool {
	if o == nil || len(o.px) != len(b.px) || o.format != b.format {
		return false
	}
	for i := range b.px {
		if b.px[i] != o.px[i] {
			return false
		}
	}
	return true
}
