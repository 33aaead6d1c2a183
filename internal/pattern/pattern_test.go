package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/picoled-bridge/internal/layout"
	"github.com/coreman2200/picoled-bridge/internal/pixel"
)

func grid(t *testing.T) *pixel.Buffer {
	t.Helper()
	b, err := pixel.NewBuffer(16, pixel.GRB, layout.Grid{Width: 4, Height: 4})
	require.NoError(t, err)
	return b
}

func lit(b *pixel.Buffer) []int {
	var out []int
	for i := 0; i < b.Len(); i++ {
		if c, _ := b.Get(i); c != (pixel.Color{}) {
			out = append(out, i)
		}
	}
	return out
}

func TestIndexSweepTerminates(t *testing.T) {
	b := grid(t)
	r := NewRunner(Plan{Kind: IndexSweep})
	for i := 0; i < 16; i++ {
		require.True(t, r.Step(b))
		assert.Equal(t, []int{i}, lit(b))
	}
	assert.False(t, r.Step(b))
	assert.Equal(t, 16, r.StepCount())
}

func TestRowSweep(t *testing.T) {
	b := grid(t)
	r := NewRunner(Plan{Kind: RowSweep})
	require.True(t, r.Step(b))
	require.True(t, r.Step(b))
	assert.Equal(t, []int{4, 5, 6, 7}, lit(b))
	require.True(t, r.Step(b))
	require.True(t, r.Step(b))
	assert.False(t, r.Step(b))
}

func TestRGBChannelsCycles(t *testing.T) {
	b := grid(t)
	r := NewRunner(Plan{Kind: RGBChannels, Cycles: 2})
	want := []pixel.Color{{R: 255}, {G: 255}, {B: 255}}
	for i := 0; i < 6; i++ {
		require.True(t, r.Step(b))
		c, _ := b.Get(7)
		assert.Equal(t, want[i%3], c)
	}
	assert.False(t, r.Step(b))
}

func TestCheckerboard(t *testing.T) {
	b := grid(t)
	r := NewRunner(Plan{Kind: Checkerboard})
	require.True(t, r.Step(b))
	assert.Equal(t, []int{0, 2, 5, 7, 8, 10, 13, 15}, lit(b))
	require.True(t, r.Step(b))
	assert.Equal(t, []int{1, 3, 4, 6, 9, 11, 12, 14}, lit(b))
}

func TestRainbowRunsUntilCycles(t *testing.T) {
	b := grid(t)
	r := NewRunner(Plan{Kind: Rainbow})
	for i := 0; i < 500; i++ {
		require.True(t, r.Step(b))
	}
	c, _ := b.Get(0)
	assert.NotEqual(t, pixel.Color{}, c)

	r = NewRunner(Plan{Kind: Rainbow, Cycles: 1})
	for i := 0; i < 100; i++ {
		require.True(t, r.Step(b))
	}
	assert.False(t, r.Step(b))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("checkerboard")
	require.NoError(t, err)
	assert.Equal(t, Checkerboard, k)
	_, err = ParseKind("plasma")
	assert.Error(t, err)
	assert.Equal(t, []string{"checkerboard", "index_sweep", "rainbow", "rgb_channels", "row_sweep"}, Names())
	assert.False(t, NewRunner(Plan{}).Step(grid(t)))
}
