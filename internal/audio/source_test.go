package audio

import (
	"context"
	"testing"
	"time"
)

func TestSliceSourceFraming(t *testing.T) {
	samples := make([]float64, 1100)
	for i := range samples {
		samples[i] = float64(i)
	}
	src := &SliceSource{Samples: samples, SampleRate: 16000, FrameSize: 256}
	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	var n int
	for f := range frames {
		if len(f.Samples) != 256 {
			t.Fatalf("frame %d has %d samples, want 256", n, len(f.Samples))
		}
		if f.Samples[0] != float64(n*256) {
			t.Fatalf("frame %d starts at %v, want %v", n, f.Samples[0], float64(n*256))
		}
		n++
	}
	// 1100/256 = 4 whole frames, trailing partial discarded.
	if n != 4 {
		t.Fatalf("received %d frames, want 4", n)
	}
}

func TestSliceSourceRejectsSecondStart(t *testing.T) {
	src := &SliceSource{Samples: make([]float64, 512), SampleRate: 16000, FrameSize: 512}
	if _, err := src.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer src.Stop()
	if _, err := src.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}

func TestChanSourcePushAndStop(t *testing.T) {
	src := NewChanSource(2)
	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !src.Push(ringFrame(1)) {
		t.Fatal("Push into empty buffer returned false")
	}
	if !src.Push(ringFrame(2)) {
		t.Fatal("second Push returned false")
	}
	if src.Push(ringFrame(3)) {
		t.Fatal("Push into full buffer returned true, want drop")
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if src.Push(ringFrame(4)) {
		t.Fatal("Push after Stop returned true")
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	var got []float64
	deadline := time.After(time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				if len(got) != 2 {
					t.Fatalf("received %v, want 2 frames", got)
				}
				return
			}
			got = append(got, f.Samples[0])
		case <-deadline:
			t.Fatal("channel not closed after Stop")
		}
	}
}

func TestFrameStreamWrapsExistingChannel(t *testing.T) {
	ch := make(chan Frame, 2)
	ch <- ringFrame(7)
	close(ch)

	src := NewFrameStream(ch)
	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f, ok := <-frames
	if !ok || f.Samples[0] != 7 {
		t.Fatalf("frame = %v ok=%v, want the wrapped channel's frame", f.Samples, ok)
	}
	if _, ok := <-frames; ok {
		t.Fatal("stream still open after the wrapped channel closed")
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := NewFrameStream(nil).Start(context.Background()); err == nil {
		t.Fatal("Start with a nil channel succeeded, want error")
	}
}
