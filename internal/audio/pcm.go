package audio

import (
	"encoding/binary"
	"math"
)

// ToInt16 converts float samples in [-1,1] to int16, clipping out-of-range values.
func ToInt16(dst []int16, src []float32) {
	for i, s := range src {
		v := float64(s) * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		dst[i] = int16(v)
	}
}

// Float32ToBytes encodes samples as little-endian float32 into dst and returns
// the number of bytes written. dst must hold 4 bytes per sample.
func Float32ToBytes(dst []byte, samples []float32) int {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
	return len(samples) * 4
}

// Peak returns the absolute peak of the block.
func Peak(samples []float32) float64 {
	var p float64
	for _, s := range samples {
		a := math.Abs(float64(s))
		if a > p {
			p = a
		}
	}
	return p
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
