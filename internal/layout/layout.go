package layout

// Grid maps a 2D panel onto the linear pixel chain.
type Grid struct {
	Width  int
	Height int
	// Serpentine flips every odd row along X (zig-zag wired panels).
	Serpentine bool
}

// Index maps x,y -> linear LED index (row-major, zero-based).
// ok is false for coordinates outside the grid.
func (g Grid) Index(x, y int) (idx int, ok bool) {
	if x < 0 || y < 0 || x >= g.Width || y >= g.Height {
		return 0, false
	}
	xx := x
	if g.Serpentine && y%2 == 1 {
		xx = g.Width - 1 - x
	}
	return y*g.Width + xx, true
}

// XY is the inverse of Index.
func (g Grid) XY(idx int) (x, y int, ok bool) {
	if g.Width <= 0 || idx < 0 || idx >= g.Count() {
		return 0, 0, false
	}
	y = idx / g.Width
	x = idx % g.Width
	if g.Serpentine && y%2 == 1 {
		x = g.Width - 1 - x
	}
	return x, y, true
}

func (g Grid) Count() int {
	if g.Width <= 0 || g.Height <= 0 {
		return 0
	}
	return g.Width * g.Height
}

// Linear is a single-row grid covering n pixels.
func Linear(n int) Grid {
	return Grid{Width: n, Height: 1}
}
