package led

import (
	"time"

	"periph.io/x/conn/v3/gpio/gpiostream"
	"periph.io/x/conn/v3/physic"
)

const (
	// BitRate is the nominal WS2812 data rate.
	BitRate = 800 * physic.KiloHertz
	// SubBitRate is the NRZ sample rate: three sub-bits per data bit.
	SubBitRate = 3 * BitRate
	// ResetTime is the minimum low time that latches a frame.
	ResetTime = 280 * time.Microsecond
)

// nrz maps a byte to its 24 sub-bit expansion, MSB first:
// 1 -> 110 (long high), 0 -> 100 (short high).
var nrz = func() (lut [256][3]byte) {
	for v := 0; v < 256; v++ {
		out := uint32(0)
		for i := 7; i >= 0; i-- {
			if (v>>i)&1 == 1 {
				out = out<<3 | 0b110
			} else {
				out = out<<3 | 0b100
			}
		}
		lut[v] = [3]byte{byte(out >> 16), byte(out >> 8), byte(out)}
	}
	return lut
}()

// Encode expands frame into the NRZ waveform shifted out at SubBitRate.
func Encode(frame []byte) *gpiostream.BitStream {
	bits := make([]byte, 0, len(frame)*3)
	bits = appendNRZ(bits, frame)
	return &gpiostream.BitStream{Freq: SubBitRate, Bits: bits}
}

func appendNRZ(dst, frame []byte) []byte {
	for _, b := range frame {
		e := &nrz[b]
		dst = append(dst, e[0], e[1], e[2])
	}
	return dst
}

// LatchBytes is the number of zero bytes at SubBitRate covering d.
func LatchBytes(d time.Duration) int {
	bits := int64(d) * int64(SubBitRate/physic.Hertz) / int64(time.Second)
	return int((bits + 7) / 8)
}

// FrameTime is how long n wire bytes take at BitRate, excluding the latch.
func FrameTime(n int) time.Duration {
	return BitRate.Period() * time.Duration(n*8)
}
