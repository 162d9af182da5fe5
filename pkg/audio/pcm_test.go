package audio

import (
	"math"
	"testing"
)

func TestEncodePCM16_Length(t *testing.T) {
	got := EncodePCM16(make([]float32, 4096))
	if len(got) != 8192 {
		t.Fatalf("encoded length = %d, want 8192", len(got))
	}
}

func TestEncodePCM16_KnownValues(t *testing.T) {
	tests := []struct {
		name   string
		sample float32
		want   int16
	}{
		{"zero", 0, 0},
		{"full positive", 1, 32767},
		{"full negative", -1, -32768},
		{"half positive", 0.5, 16383},
		{"half negative", -0.5, -16384},
		{"clamped high", 2.5, 32767},
		{"clamped low", -3, -32768},
		{"nan", float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := EncodePCM16([]float32{tt.sample})
			got := int16(buf[0]) | int16(buf[1])<<8
			if got != tt.want {
				t.Errorf("EncodePCM16(%v) = %d, want %d", tt.sample, got, tt.want)
			}
		})
	}
}

func TestEncodePCM16_LittleEndian(t *testing.T) {
	buf := EncodePCM16([]float32{1})
	if buf[0] != 0xFF || buf[1] != 0x7F {
		t.Fatalf("bytes = [%#x %#x], want [0xff 0x7f]", buf[0], buf[1])
	}
}

func TestPCM16_RoundTrip(t *testing.T) {
	// Decoding the encoded buffer must stay within one quantization step
	// (1/32767) of the original for any in-range input.
	in := make([]float32, 0, 512)
	for i := 0; i < 512; i++ {
		in = append(in, float32(math.Sin(float64(i)/17.3)))
	}

	out := DecodePCM16(EncodePCM16(in))
	if len(out) != len(in) {
		t.Fatalf("round-trip length = %d, want %d", len(out), len(in))
	}

	const step = 1.0 / 32767
	for i := range in {
		diff := math.Abs(float64(in[i] - out[i]))
		if diff > step {
			t.Fatalf("sample %d: round-trip error %g exceeds quantization step %g (in=%g out=%g)",
				i, diff, step, in[i], out[i])
		}
	}
}

func TestDecodePCM16_OddTrailingByte(t *testing.T) {
	out := DecodePCM16([]byte{0x00, 0x40, 0x7F})
	if len(out) != 1 {
		t.Fatalf("decoded %d samples, want 1", len(out))
	}
}
