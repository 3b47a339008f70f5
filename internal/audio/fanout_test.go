package audio

import (
	"context"
	"testing"
	"time"
)

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	f := NewFanOut()
	a := f.Subscribe(4)
	b := f.Subscribe(4)

	in := make(chan Frame, 4)
	in <- ringFrame(1)
	in <- ringFrame(2)
	close(in)

	done := make(chan struct{})
	go func() {
		f.Run(context.Background(), in)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fan-out did not finish after input closed")
	}

	for name, ch := range map[string]<-chan Frame{"a": a, "b": b} {
		var got []float64
		for fr := range ch {
			got = append(got, fr.Samples[0])
		}
		if len(got) != 2 || got[0] != 1 || got[1] != 2 {
			t.Fatalf("subscriber %s received %v, want [1 2]", name, got)
		}
	}
	if f.DroppedTotal() != 0 {
		t.Fatalf("DroppedTotal = %d, want 0", f.DroppedTotal())
	}
}

func TestFanOutDropsWhenSubscriberFull(t *testing.T) {
	f := NewFanOut()
	slow := f.Subscribe(1)

	in := make(chan Frame, 3)
	for i := 0; i < 3; i++ {
		in <- ringFrame(float64(i))
	}
	close(in)
	f.Run(context.Background(), in)

	var got []float64
	for fr := range slow {
		got = append(got, fr.Samples[0])
	}
	if len(got) != 1 || got[0] != 0 {
		t.Fatalf("slow subscriber received %v, want [0]", got)
	}
	if f.DroppedTotal() != 2 {
		t.Fatalf("DroppedTotal = %d, want 2", f.DroppedTotal())
	}
}

func TestFanOutSubscriberGetsClone(t *testing.T) {
	f := NewFanOut()
	sub := f.Subscribe(1)

	in := make(chan Frame, 1)
	src := ringFrame(5)
	in <- src
	close(in)
	f.Run(context.Background(), in)

	src.Samples[0] = 99
	got := <-sub
	if got.Samples[0] != 5 {
		t.Fatalf("delivered sample = %v, want 5 (clone expected)", got.Samples[0])
	}
}
