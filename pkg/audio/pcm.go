package audio

import "math"

// EncodePCM16 converts floating-point samples into the 16-bit little-endian
// signed PCM wire format consumed by the transcription socket. Each sample
// is clamped to [-1, 1] (NaN becomes 0), then scaled asymmetrically:
// negative values by 32768, non-negative values by 32767, truncated toward
// zero. The result is 2×len(samples) bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := clampSample(s)
		var n int16
		if v < 0 {
			n = int16(v * 32768)
		} else {
			n = int16(v * 32767)
		}
		out[i*2] = byte(n)
		out[i*2+1] = byte(uint16(n) >> 8)
	}
	return out
}

// DecodePCM16 is the inverse scale of [EncodePCM16]: little-endian int16
// bytes back to floats in [-1, 1]. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		n := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if n < 0 {
			out[i] = float32(n) / 32768
		} else {
			out[i] = float32(n) / 32767
		}
	}
	return out
}

// clampSample clamps s to [-1, 1], mapping NaN to 0.
func clampSample(s float32) float32 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s < -1 {
		return -1
	}
	if s > 1 {
		return 1
	}
	return s
}
