// Package pattern generates originate-mode test frames step by step.
package pattern

import (
	"fmt"
	"math"
	"sort"

	"github.com/coreman2200/picoled-bridge/internal/pixel"
)

type Kind string

const (
	None         Kind = ""
	IndexSweep   Kind = "index_sweep"
	RGBChannels  Kind = "rgb_channels"
	RowSweep     Kind = "row_sweep"
	Checkerboard Kind = "checkerboard"
	Rainbow      Kind = "rainbow"
)

var kinds = map[Kind]bool{
	IndexSweep: true, RGBChannels: true, RowSweep: true, Checkerboard: true, Rainbow: true,
}

// Names lists every known pattern, sorted.
func Names() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !kinds[k] {
		return None, fmt.Errorf("pattern: unknown pattern %q", s)
	}
	return k, nil
}

type Plan struct {
	Kind Kind
	// Cycles bounds the endless patterns; 0 runs forever.
	Cycles int
}

type Runner struct {
	plan  Plan
	step  int
	phase float64
}

func NewRunner(plan Plan) *Runner { return &Runner{plan: plan} }
func (r *Runner) Kind() Kind      { return r.plan.Kind }
func (r *Runner) StepCount() int  { return r.step }

// Step renders the next frame into b; returns false when complete.
func (r *Runner) Step(b *pixel.Buffer) bool {
	n := b.Len()
	g := b.Grid()
	if r.plan.Cycles > 0 && r.step >= r.plan.Cycles*r.period(n, g.Height) {
		return false
	}
	b.Clear()

	switch r.plan.Kind {
	case IndexSweep:
		if r.step >= n {
			return false
		}
		b.Set(r.step, pixel.RGBColor(255, 255, 255))
	case RGBChannels:
		var c pixel.Color
		switch r.step % 3 {
		case 0:
			c.R = 255
		case 1:
			c.G = 255
		case 2:
			c.B = 255
		}
		b.Fill(c)
	case RowSweep:
		y := r.step
		if y >= g.Height {
			return false
		}
		for x := 0; x < g.Width; x++ {
			b.SetXY(x, y, pixel.RGBColor(0, 255, 255)) // cyan
		}
	case Checkerboard:
		on, off := pixel.RGBColor(255, 255, 255), pixel.Color{}
		if r.step%2 == 1 {
			on, off = off, on
		}
		for y := 0; y < g.Height; y++ {
			for x := 0; x < g.Width; x++ {
				if (x+y)%2 == 0 {
					b.SetXY(x, y, on)
				} else {
					b.SetXY(x, y, off)
				}
			}
		}
	case Rainbow:
		for i := 0; i < n; i++ {
			h := math.Mod(float64(i)/float64(n)+r.phase, 1.0)
			rr, gg, bb := hsvToRGB(h, 1.0, 1.0)
			b.Set(i, pixel.RGBColor(byte(rr*255), byte(gg*255), byte(bb*255)))
		}
		r.phase += 0.01
	default:
		return false
	}
	r.step++
	return true
}

// period is the number of steps in one cycle of the pattern.
func (r *Runner) period(n, rows int) int {
	switch r.plan.Kind {
	case IndexSweep:
		return n
	case RGBChannels:
		return 3
	case RowSweep:
		return rows
	case Checkerboard:
		return 2
	case Rainbow:
		return 100
	}
	return 1
}

func hsvToRGB(h, s, v float64) (float64, float64, float64) {
	i := int(h * 6.0)
	f := h*6.0 - float64(i)
	p := v * (1.0 - s)
	q := v * (1.0 - f*s)
	t := v * (1.0 - (1.0-f)*s)
	switch i % 6 {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}
