package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type LED struct {
	Driver     string `yaml:"driver" toml:"driver"`   // "spi" | "nrz" | "console" | "sim"
	SPIDev     string `yaml:"spi_dev" toml:"spi_dev"` // e.g. /dev/spidev0.0; "" picks the first bus for nrz
	Count      int    `yaml:"count" toml:"count"`
	Width      int    `yaml:"width" toml:"width"`
	Height     int    `yaml:"height" toml:"height"`
	Serpentine bool   `yaml:"serpentine" toml:"serpentine"`
	ColorOrder string `yaml:"color_order" toml:"color_order"`
	ResetUs    int    `yaml:"reset_us" toml:"reset_us"`

	Brightness      int     `yaml:"brightness" toml:"brightness"` // 0..255
	Gamma           float64 `yaml:"gamma" toml:"gamma"`
	BudgetMilliamps float64 `yaml:"budget_ma" toml:"budget_ma"`
}

type DMX struct {
	InDev        string `yaml:"in_dev" toml:"in_dev"`   // receive tty, "" for loopback
	OutDev       string `yaml:"out_dev" toml:"out_dev"` // transmit tty, "" for loopback
	StartChannel int    `yaml:"start_channel" toml:"start_channel"`
	StartCode    int    `yaml:"start_code" toml:"start_code"`
	BreakUs      int    `yaml:"break_us" toml:"break_us"`
	MABUs        int    `yaml:"mab_us" toml:"mab_us"`
	RefreshHz    int    `yaml:"refresh_hz" toml:"refresh_hz"`
	// Retransmit repeats every received universe on the output port.
	Retransmit bool `yaml:"retransmit" toml:"retransmit"`
	// Continuous re-sends the output universe back to back at RefreshHz.
	Continuous bool `yaml:"continuous" toml:"continuous"`
}

type Link struct {
	Dev         string `yaml:"dev" toml:"dev"` // "" disables the link
	Baud        int    `yaml:"baud" toml:"baud"`
	DataBits    int    `yaml:"data_bits" toml:"data_bits"`
	StopBits    int    `yaml:"stop_bits" toml:"stop_bits"`
	Parity      string `yaml:"parity" toml:"parity"` // "none" | "even" | "odd"
	BufferSize  int    `yaml:"buffer_size" toml:"buffer_size"`
	Preamble    string `yaml:"preamble" toml:"preamble"` // hex, e.g. "aa55"
	Postamble   string `yaml:"postamble" toml:"postamble"`
	DirPin      string `yaml:"dir_pin" toml:"dir_pin"` // periph pin name, e.g. GPIO17
	PreDelayUs  int    `yaml:"pre_delay_us" toml:"pre_delay_us"`
	PostDelayUs int    `yaml:"post_delay_us" toml:"post_delay_us"`
	TimeoutMs   int    `yaml:"timeout_ms" toml:"timeout_ms"`
	DMA         bool   `yaml:"dma" toml:"dma"`
}

type Bridge struct {
	FailSafe string `yaml:"fail_safe" toml:"fail_safe"` // "hold" | "blank"
	WindowMs int    `yaml:"window_ms" toml:"window_ms"`
}

type Config struct {
	Mode      string `yaml:"mode" toml:"mode"` // "repeat" | "originate"
	Pattern   string `yaml:"pattern" toml:"pattern"`
	FPS       int    `yaml:"fps" toml:"fps"`
	Addr      string `yaml:"addr" toml:"addr"`
	StatusPin string `yaml:"status_pin" toml:"status_pin"`

	LED    LED    `yaml:"led" toml:"led"`
	DMX    DMX    `yaml:"dmx" toml:"dmx"`
	Link   Link   `yaml:"link" toml:"link"`
	Bridge Bridge `yaml:"bridge" toml:"bridge"`
}

// Default is an 8x8 GRB panel in repeat mode on simulated hardware.
func Default() *Config {
	return &Config{
		Mode:    "repeat",
		Pattern: "rainbow",
		FPS:     30,
		Addr:    ":8080",
		LED: LED{
			Driver:     "sim",
			Count:      64,
			Width:      8,
			Height:     8,
			ColorOrder: "GRB",
			ResetUs:    280,
			Brightness: 255,
		},
		DMX: DMX{
			StartChannel: 1,
			BreakUs:      100,
			MABUs:        12,
			RefreshHz:    44,
		},
		Link: Link{
			Baud:        115200,
			DataBits:    8,
			StopBits:    1,
			Parity:      "none",
			BufferSize:  1024,
			PreDelayUs:  50,
			PostDelayUs: 50,
			TimeoutMs:   100,
		},
		Bridge: Bridge{
			FailSafe: "hold",
			WindowMs: 1000,
		},
	}
}

// Load reads a YAML or TOML file (by extension) over the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, err
		}
	default:
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func Save(path string, c *Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case "repeat", "originate":
	default:
		errs = append(errs, fmt.Errorf("mode %q: want repeat or originate", c.Mode))
	}
	if c.LED.Count < 1 || c.LED.Count > 1024 {
		errs = append(errs, fmt.Errorf("led.count %d outside 1..1024", c.LED.Count))
	}
	if c.LED.Brightness < 0 || c.LED.Brightness > 255 {
		errs = append(errs, fmt.Errorf("led.brightness %d outside 0..255", c.LED.Brightness))
	}
	if c.DMX.StartChannel < 1 || c.DMX.StartChannel > 512 {
		errs = append(errs, fmt.Errorf("dmx.start_channel %d outside 1..512", c.DMX.StartChannel))
	}
	if c.DMX.StartCode < 0 || c.DMX.StartCode > 255 {
		errs = append(errs, fmt.Errorf("dmx.start_code %d outside 0..255", c.DMX.StartCode))
	}
	if c.FPS < 0 {
		errs = append(errs, fmt.Errorf("fps %d is negative", c.FPS))
	}
	switch c.Link.Parity {
	case "", "none", "even", "odd":
	default:
		errs = append(errs, fmt.Errorf("link.parity %q", c.Link.Parity))
	}
	for name, s := range map[string]string{"preamble": c.Link.Preamble, "postamble": c.Link.Postamble} {
		b, err := hex.DecodeString(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("link.%s: %w", name, err))
		} else if len(b) > 16 {
			errs = append(errs, fmt.Errorf("link.%s is %d bytes, max 16", name, len(b)))
		}
	}
	switch c.Bridge.FailSafe {
	case "", "hold", "blank":
	default:
		errs = append(errs, fmt.Errorf("bridge.fail_safe %q: want hold or blank", c.Bridge.FailSafe))
	}
	return errors.Join(errs...)
}

// PreambleBytes decodes the hex preamble; Validate has already checked it.
func (l Link) PreambleBytes() []byte {
	b, _ := hex.DecodeString(l.Preamble)
	return b
}

func (l Link) PostambleBytes() []byte {
	b, _ := hex.DecodeString(l.Postamble)
	return b
}
