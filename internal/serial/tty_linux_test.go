//go:build linux

package serial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/coreman2200/picoled-bridge/internal/rs485"
)

func TestConfigureDMX(t *testing.T) {
	tio := &unix.Termios{Iflag: unix.ICRNL | unix.IGNBRK, Lflag: unix.ICANON | unix.ECHO, Cflag: unix.PARENB}
	require.NoError(t, configure(tio, DMXReceive()))

	assert.Equal(t, uint32(250000), tio.Ispeed)
	assert.Equal(t, uint32(250000), tio.Ospeed)
	assert.NotZero(t, tio.Cflag&unix.BOTHER)
	assert.NotZero(t, tio.Cflag&unix.CSTOPB)
	assert.Equal(t, uint32(unix.CS8), tio.Cflag&unix.CSIZE)
	assert.Zero(t, tio.Cflag&unix.PARENB)
	assert.NotZero(t, tio.Iflag&unix.PARMRK)
	assert.Zero(t, tio.Iflag&(unix.IGNBRK|unix.BRKINT|unix.ICRNL))
	assert.Zero(t, tio.Lflag&(unix.ICANON|unix.ECHO))
	assert.Equal(t, uint8(1), tio.Cc[unix.VMIN])
}

func TestConfigureLink(t *testing.T) {
	tio := &unix.Termios{}
	o := Options{Baud: 9600, Framing: rs485.Framing{DataBits: 7, StopBits: 1, Parity: rs485.ParityOdd}, ReadTimeout: 250 * time.Millisecond}
	require.NoError(t, configure(tio, o))
	assert.Equal(t, uint32(unix.CS7), tio.Cflag&unix.CSIZE)
	assert.Equal(t, uint32(unix.PARENB|unix.PARODD), tio.Cflag&(unix.PARENB|unix.PARODD))
	assert.Zero(t, tio.Cflag&unix.CSTOPB)
	assert.Zero(t, tio.Iflag&unix.PARMRK)
	assert.Equal(t, uint8(0), tio.Cc[unix.VMIN])
	assert.Equal(t, uint8(2), tio.Cc[unix.VTIME])
}

func TestConfigureRejects(t *testing.T) {
	assert.Error(t, configure(&unix.Termios{}, Options{}))
	assert.Error(t, configure(&unix.Termios{}, Options{Baud: 9600, Framing: rs485.Framing{DataBits: 9}}))
}

func TestOpenMissing(t *testing.T) {
	_, err := Open("/dev/does-not-exist-picobridge", DMX())
	assert.Error(t, err)
}
