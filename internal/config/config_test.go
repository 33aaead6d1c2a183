package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlDoc = `
mode: originate
pattern: checkerboard
led:
  driver: nrz
  count: 300
  color_order: RGB
dmx:
  start_channel: 10
  continuous: true
link:
  dev: /dev/ttyUSB0
  preamble: aa55
bridge:
  fail_safe: blank
`

const tomlDoc = `
mode = "originate"
pattern = "checkerboard"

[led]
driver = "nrz"
count = 300
color_order = "RGB"

[dmx]
start_channel = 10
continuous = true

[link]
dev = "/dev/ttyUSB0"
preamble = "aa55"

[bridge]
fail_safe = "blank"
`

func write(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestYAMLAndTOMLAgree(t *testing.T) {
	y, err := Load(write(t, "c.yaml", yamlDoc))
	require.NoError(t, err)
	tm, err := Load(write(t, "c.toml", tomlDoc))
	require.NoError(t, err)
	assert.Equal(t, y, tm)

	assert.Equal(t, "originate", y.Mode)
	assert.Equal(t, 300, y.LED.Count)
	assert.True(t, y.DMX.Continuous)
	assert.False(t, Default().DMX.Continuous)
	// Untouched keys keep their defaults.
	assert.Equal(t, 8, y.LED.Width)
	assert.Equal(t, 115200, y.Link.Baud)
	assert.Equal(t, 1000, y.Bridge.WindowMs)
	assert.Equal(t, []byte{0xAA, 0x55}, y.Link.PreambleBytes())
	assert.Empty(t, y.Link.PostambleBytes())
}

func TestValidateRejects(t *testing.T) {
	for name, mut := range map[string]func(*Config){
		"mode":      func(c *Config) { c.Mode = "patch" },
		"count":     func(c *Config) { c.LED.Count = 2000 },
		"start":     func(c *Config) { c.DMX.StartChannel = 513 },
		"preamble":  func(c *Config) { c.Link.Preamble = "zz" },
		"long":      func(c *Config) { c.Link.Postamble = "00112233445566778899aabbccddeeff00" },
		"fail_safe": func(c *Config) { c.Bridge.FailSafe = "freeze" },
		"parity":    func(c *Config) { c.Link.Parity = "mark" },
	} {
		c := Default()
		mut(c)
		assert.Error(t, c.Validate(), name)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "out.yaml")
	c := Default()
	c.LED.Serpentine = true
	require.NoError(t, Save(p, c))
	got, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
