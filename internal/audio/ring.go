package audio

import "sync"

// FrameRing is a fixed-capacity circular buffer of recent frames.
// The VAD keeps one as a pre-roll so the audio captured just before a
// speech-start decision is not lost off the front of the utterance.
type FrameRing struct {
	mu     sync.Mutex
	frames []Frame
	next   int
	count  int
}

func NewFrameRing(capacity int) *FrameRing {
	if capacity <= 0 {
		capacity = 8
	}
	return &FrameRing{frames: make([]Frame, capacity)}
}

// Push stores a copy of the frame, overwriting the oldest entry when full.
func (r *FrameRing) Push(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[r.next] = f.Clone()
	r.next = (r.next + 1) % len(r.frames)
	if r.count < len(r.frames) {
		r.count++
	}
}

// Drain returns the buffered frames in chronological order and empties
// the ring.
func (r *FrameRing) Drain() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Frame, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.frames)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.frames[(start+i)%len(r.frames)])
	}
	r.next = 0
	r.count = 0
	return out
}

// Len reports the number of buffered frames.
func (r *FrameRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
