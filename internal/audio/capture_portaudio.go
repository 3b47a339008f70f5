//go:build portaudio

package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSource captures mono frames from the default input device.
// The device is an exclusively owned resource: open one source per
// session and fan its frames out to consumers.
type PortAudioSource struct {
	SampleRate int
	FrameSize  int

	mu      sync.Mutex
	stream  *portaudio.Stream
	cancel  context.CancelFunc
	started bool
}

func (s *PortAudioSource) Start(ctx context.Context) (<-chan Frame, error) {
	if s.SampleRate <= 0 {
		s.SampleRate = 16000
	}
	if s.FrameSize <= 0 {
		s.FrameSize = 512
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, errors.New("portaudio source: already started")
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	buf := make([]int16, s.FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(s.SampleRate), len(buf), &buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("start capture stream: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.stream = stream
	s.cancel = cancel
	s.started = true

	out := make(chan Frame, 8)
	go func() {
		defer close(out)
		for {
			if runCtx.Err() != nil {
				return
			}
			if err := stream.Read(); err != nil {
				return
			}
			samples := make([]float64, len(buf))
			for i, v := range buf {
				samples[i] = float64(v) / 32768.0
			}
			frame := Frame{
				Samples:    samples,
				SampleRate: s.SampleRate,
				Timestamp:  time.Now(),
			}
			select {
			case <-runCtx.Done():
				return
			case out <- frame:
			}
		}
	}()
	return out, nil
}

func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	var err error
	if s.stream != nil {
		err = errors.Join(s.stream.Stop(), s.stream.Close())
		s.stream = nil
	}
	return errors.Join(err, portaudio.Terminate())
}
