package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrSourceClosed = errors.New("audio source closed")

// Source supplies a continuous stream of fixed-size frames. The device
// (or synthetic generator) behind a Source is exclusively owned: open it
// once and fan the frames out rather than starting a second Source.
type Source interface {
	// Start begins capture and returns the frame channel. The channel is
	// closed when the source stops or the context is cancelled. Start
	// rejects immediately if the underlying device cannot be acquired.
	Start(ctx context.Context) (<-chan Frame, error)
	Stop() error
}

// SliceSource replays a prepared sample buffer as fixed-size frames.
// Used by tests and the offline analysis tool; when Paced is set it
// emits frames at realtime rate instead of as fast as the consumer reads.
type SliceSource struct {
	Samples    []float64
	SampleRate int
	FrameSize  int
	Paced      bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

func (s *SliceSource) Start(ctx context.Context) (<-chan Frame, error) {
	if s.SampleRate <= 0 || s.FrameSize <= 0 {
		return nil, errors.New("slice source: sample rate and frame size must be positive")
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, errors.New("slice source: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	out := make(chan Frame, 8)
	frameDur := time.Duration(float64(s.FrameSize) / float64(s.SampleRate) * float64(time.Second))

	go func() {
		defer close(out)
		start := time.Now()
		for off := 0; off+s.FrameSize <= len(s.Samples); off += s.FrameSize {
			frame := Frame{
				Samples:    append([]float64(nil), s.Samples[off:off+s.FrameSize]...),
				SampleRate: s.SampleRate,
				Timestamp:  start.Add(time.Duration(off/s.FrameSize) * frameDur),
			}
			select {
			case <-runCtx.Done():
				return
			case out <- frame:
			}
			if s.Paced {
				select {
				case <-runCtx.Done():
					return
				case <-time.After(frameDur):
				}
			}
		}
	}()
	return out, nil
}

func (s *SliceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.started = false
	return nil
}

// FrameStream adapts an already-running frame channel, such as one
// fan-out subscription, to the Source interface. The producer owns the
// channel lifecycle; Stop is a no-op.
type FrameStream struct {
	ch <-chan Frame
}

func NewFrameStream(ch <-chan Frame) *FrameStream {
	return &FrameStream{ch: ch}
}

func (s *FrameStream) Start(context.Context) (<-chan Frame, error) {
	if s.ch == nil {
		return nil, errors.New("frame stream: nil channel")
	}
	return s.ch, nil
}

func (s *FrameStream) Stop() error { return nil }

// ChanSource adapts an externally fed frame channel (e.g. frames decoded
// from a websocket) to the Source interface. Push delivers a frame;
// Stop closes the stream.
type ChanSource struct {
	mu     sync.Mutex
	ch     chan Frame
	closed bool
}

func NewChanSource(buffer int) *ChanSource {
	if buffer <= 0 {
		buffer = 32
	}
	return &ChanSource{ch: make(chan Frame, buffer)}
}

func (c *ChanSource) Start(_ context.Context) (<-chan Frame, error) {
	return c.ch, nil
}

// Push enqueues a frame without blocking. A full buffer drops the frame:
// the capture side must never stall behind a slow consumer.
func (c *ChanSource) Push(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- f:
		return true
	default:
		return false
	}
}

func (c *ChanSource) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}
