package diagnostics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubKeepsRecent(t *testing.T) {
	h := NewHub(2)
	h.Push(Diagnostic{Code: "A"})
	h.Push(Diagnostic{Code: "B"})
	h.Push(Diagnostic{Code: "C"})
	got := h.Recent()
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].Code)
	assert.Equal(t, "C", got[1].Code)
	assert.False(t, got[1].Time.IsZero())
}

func TestHubSubscribe(t *testing.T) {
	h := NewHub(0)
	c, cancel := h.Subscribe()
	h.Push(Diagnostic{Severity: Warn, Code: CodeFailSafe})
	d := <-c
	assert.Equal(t, CodeFailSafe, d.Code)

	cancel()
	cancel()
	_, ok := <-c
	assert.False(t, ok)

	// A full subscriber does not block Push.
	c2, cancel2 := h.Subscribe()
	defer cancel2()
	for i := 0; i < 100; i++ {
		h.Push(Diagnostic{Code: "X"})
	}
	assert.Len(t, c2, 16)
}
