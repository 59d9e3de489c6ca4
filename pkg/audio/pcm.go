package audio

import (
	"encoding/binary"
	"math"
)

// EncodePCM16 converts float samples to PCM16 little-endian bytes. Samples are
// clamped to [-1, 1] first so out-of-range input saturates instead of
// wrapping around. Negative values scale by 0x8000 and positive values by
// 0x7fff, so both full-scale ends map exactly onto the int16 range.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7fff)
}

// DecodePCM16 splits PCM16 little-endian bytes into samples. A trailing odd
// byte is ignored.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// EncodeInt16 is the inverse of [DecodePCM16].
func EncodeInt16(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCM16ToFloat32 converts PCM16 bytes to floats in [-1, 1) for devices that
// play float buffers.
func PCM16ToFloat32(pcm []byte) []float32 {
	samples := DecodePCM16(pcm)
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}
