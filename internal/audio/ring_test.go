package audio

import "testing"

func ringFrame(v float64) Frame {
	return Frame{Samples: []float64{v}, SampleRate: 16000}
}

func TestFrameRingDrainOrder(t *testing.T) {
	r := NewFrameRing(4)
	for i := 0; i < 3; i++ {
		r.Push(ringFrame(float64(i)))
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	got := r.Drain()
	if len(got) != 3 {
		t.Fatalf("drained %d frames, want 3", len(got))
	}
	for i, f := range got {
		if f.Samples[0] != float64(i) {
			t.Fatalf("frame %d = %v, want %v", i, f.Samples[0], float64(i))
		}
	}
	if r.Len() != 0 {
		t.Fatalf("Len after Drain = %d, want 0", r.Len())
	}
}

func TestFrameRingOverwritesOldest(t *testing.T) {
	r := NewFrameRing(3)
	for i := 0; i < 5; i++ {
		r.Push(ringFrame(float64(i)))
	}
	got := r.Drain()
	if len(got) != 3 {
		t.Fatalf("drained %d frames, want 3", len(got))
	}
	want := []float64{2, 3, 4}
	for i, f := range got {
		if f.Samples[0] != want[i] {
			t.Fatalf("frame %d = %v, want %v", i, f.Samples[0], want[i])
		}
	}
}

func TestFrameRingPushClones(t *testing.T) {
	r := NewFrameRing(2)
	src := ringFrame(1)
	r.Push(src)
	src.Samples[0] = 99
	got := r.Drain()
	if got[0].Samples[0] != 1 {
		t.Fatalf("buffered sample = %v, want 1 (caller mutation must not leak in)", got[0].Samples[0])
	}
}
