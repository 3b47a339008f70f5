package audio

import (
	"context"
	"sync"
)

// FanOut duplicates one captured frame stream to multiple independent
// consumers. The capture device is opened once; subscribers receive
// copies of each frame. A subscriber that falls behind has frames
// dropped rather than stalling the capture loop or its peers.
type FanOut struct {
	mu      sync.Mutex
	subs    []chan Frame
	dropped []uint64
	closed  bool
}

func NewFanOut() *FanOut {
	return &FanOut{}
}

// Subscribe registers a consumer. Must be called before Run starts
// delivering frames to guarantee the consumer sees the full stream.
func (f *FanOut) Subscribe(buffer int) <-chan Frame {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Frame, buffer)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch
	}
	f.subs = append(f.subs, ch)
	f.dropped = append(f.dropped, 0)
	return ch
}

// Run consumes the input stream until it closes or the context is
// cancelled, then closes every subscriber channel.
func (f *FanOut) Run(ctx context.Context, in <-chan Frame) {
	defer f.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			f.deliver(frame)
		}
	}
}

func (f *FanOut) deliver(frame Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ch := range f.subs {
		select {
		case ch <- frame.Clone():
		default:
			f.dropped[i]++
		}
	}
}

// DroppedTotal reports how many frames were dropped across all
// subscribers since construction.
func (f *FanOut) DroppedTotal() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total uint64
	for _, d := range f.dropped {
		total += d
	}
	return total
}

func (f *FanOut) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, ch := range f.subs {
		close(ch)
	}
}
