package audio

import (
	"encoding/binary"
	"math"
)

// DecodePCM16LE converts little-endian signed 16-bit PCM bytes to
// normalized float64 samples. A trailing odd byte is ignored.
func DecodePCM16LE(pcm []byte) []float64 {
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		out[i] = float64(s) / 32768.0
	}
	return out
}

// EncodePCM16LE converts normalized samples to little-endian signed
// 16-bit PCM bytes, clamping anything outside [-1, 1].
func EncodePCM16LE(samples []float64) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		s := int16(math.Round(v * 32767.0))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
