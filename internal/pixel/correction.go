package pixel

import "math"

// DefaultChannelMilliamps is the full-scale draw of one WS2812 die.
const DefaultChannelMilliamps = 20.0

// Correction is the one optional pass applied on the way to the wire. A nil
// *Correction leaves the frame untouched; Brightness 255 is full scale.
type Correction struct {
	Brightness uint8
	// Gamma <= 0 or == 1 is linear.
	Gamma float64
	// BudgetMilliamps caps the estimated frame current; 0 disables the cap.
	BudgetMilliamps float64
}

// Level returns the corrected value for a single channel, ignoring budget.
func (c *Correction) Level(v uint8) uint8 {
	lut := c.table()
	return lut[v]
}

func (c *Correction) table() [256]uint8 {
	var lut [256]uint8
	for i := range lut {
		v := float64(i) / 255.0
		if c.Gamma > 0 && c.Gamma != 1 {
			v = math.Pow(v, c.Gamma)
		}
		lut[i] = uint8(math.Min(255, v*float64(c.Brightness)+0.5))
	}
	return lut
}

// frameScale returns the factor keeping the corrected frame under budget.
func (c *Correction) frameScale(b *Buffer, lut *[256]uint8) float64 {
	if c.BudgetMilliamps <= 0 {
		return 1
	}
	var total float64
	for _, v := range b.px {
		px := b.format.Unpack(v)
		sum := int(lut[px.R]) + int(lut[px.G]) + int(lut[px.B]) + int(lut[px.W])
		total += float64(sum) / 255.0 * DefaultChannelMilliamps
	}
	if total <= c.BudgetMilliamps {
		return 1
	}
	return c.BudgetMilliamps / total
}

func (c *Correction) apply(lut *[256]uint8, px Color, scale float64) Color {
	out := Color{R: lut[px.R], G: lut[px.G], B: lut[px.B], W: lut[px.W]}
	if scale < 1 {
		out.R = uint8(float64(out.R) * scale)
		out.G = uint8(float64(out.G) * scale)
		out.B = uint8(float64(out.B) * scale)
		out.W = uint8(float64(out.W) * scale)
	}
	return out
}
