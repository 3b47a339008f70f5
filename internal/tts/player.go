package tts

import (
	"context"
	"sync"
	"time"
)

// Player renders one decoded chunk at a time. Play blocks until the
// chunk finishes, the context is cancelled, or the player is stopped.
// Implementations own exactly one output device.
type Player interface {
	Play(ctx context.Context, encoded []byte, duration time.Duration) error
	Pause()
	Resume()
	SetVolume(v float64)
	Close() error
}

// MockPlayer simulates playback by waiting out each chunk's duration,
// honoring pause and cancellation. Tests shrink time via TimeScale.
type MockPlayer struct {
	// TimeScale divides chunk durations; 0 means real time.
	TimeScale float64

	mu       sync.Mutex
	paused   bool
	pauseCh  chan struct{}
	resumeCh chan struct{}
	volume   float64
	played   []time.Duration
}

func NewMockPlayer() *MockPlayer {
	return &MockPlayer{volume: 1, pauseCh: make(chan struct{})}
}

func (p *MockPlayer) Play(ctx context.Context, _ []byte, duration time.Duration) error {
	if p.TimeScale > 0 {
		duration = time.Duration(float64(duration) / p.TimeScale)
	}

	remaining := duration
	for {
		p.mu.Lock()
		paused := p.paused
		pause := p.pauseCh
		resume := p.resumeCh
		p.mu.Unlock()

		if paused {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-resume:
				continue
			}
		}

		started := time.Now()
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-pause:
			timer.Stop()
			remaining -= time.Since(started)
			if remaining < 0 {
				remaining = 0
			}
		case <-timer.C:
			p.mu.Lock()
			p.played = append(p.played, duration)
			p.mu.Unlock()
			return nil
		}
	}
}

func (p *MockPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.resumeCh = make(chan struct{})
		close(p.pauseCh)
	}
}

func (p *MockPlayer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		p.pauseCh = make(chan struct{})
		close(p.resumeCh)
	}
}

func (p *MockPlayer) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
}

func (p *MockPlayer) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *MockPlayer) PlayedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.played)
}

func (p *MockPlayer) Close() error { return nil }
