package audio

import (
	"math"
	"testing"
)

func TestDecodePCM16LE(t *testing.T) {
	// 0, 16384 (0.5), -16384 (-0.5), -32768 (-1.0)
	raw := []byte{0x00, 0x00, 0x00, 0x40, 0x00, 0xc0, 0x00, 0x80}
	got := DecodePCM16LE(raw)
	want := []float64{0, 0.5, -0.5, -1.0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodePCM16LEOddTrailingByte(t *testing.T) {
	got := DecodePCM16LE([]byte{0x00, 0x40, 0xff})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (trailing byte dropped)", len(got))
	}
}

func TestEncodePCM16LEClamps(t *testing.T) {
	out := EncodePCM16LE([]float64{2.0, -2.0})
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	hi := int16(out[0]) | int16(out[1])<<8
	lo := int16(out[2]) | int16(out[3])<<8
	if hi != 32767 {
		t.Fatalf("clamped positive = %d, want 32767", hi)
	}
	if lo != -32767 {
		t.Fatalf("clamped negative = %d, want -32767", lo)
	}
}

func TestPCMRoundTrip(t *testing.T) {
	in := make([]float64, 64)
	for i := range in {
		in[i] = 0.75 * math.Sin(2*math.Pi*float64(i)/16)
	}
	got := DecodePCM16LE(EncodePCM16LE(in))
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if math.Abs(got[i]-in[i]) > 1.0/32000 {
			t.Fatalf("sample %d = %v, want %v within quantization error", i, got[i], in[i])
		}
	}
}
