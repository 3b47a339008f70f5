//go:build portaudio

package tts

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/gordonklaus/portaudio"
)

// PortAudioPlayer renders WAV chunks on the default output device.
type PortAudioPlayer struct {
	mu       sync.Mutex
	paused   bool
	pauseCh  chan struct{}
	resumeCh chan struct{}
	volume   float64
	init     bool
}

func NewPortAudioPlayer() (*PortAudioPlayer, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &PortAudioPlayer{volume: 1, pauseCh: make(chan struct{}), init: true}, nil
}

func (p *PortAudioPlayer) Play(ctx context.Context, encoded []byte, _ time.Duration) error {
	dec := wav.NewDecoder(bytes.NewReader(encoded))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("decode chunk audio: %w", err)
	}
	bitDepth := dec.BitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := 1.0 / float64(int(1)<<(bitDepth-1))
	samples := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float64(v) * scale
	}
	sampleRate := buf.Format.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	const blockSize = 1024
	out := make([]float32, blockSize)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(out), &out)
	if err != nil {
		return fmt.Errorf("open playback stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("start playback stream: %w", err)
	}
	defer stream.Stop()

	for off := 0; off < len(samples); off += blockSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.waitWhilePaused(ctx)

		p.mu.Lock()
		vol := p.volume
		p.mu.Unlock()

		for i := range out {
			out[i] = 0
			if off+i < len(samples) {
				out[i] = float32(samples[off+i] * vol)
			}
		}
		if err := stream.Write(); err != nil {
			return fmt.Errorf("write playback block: %w", err)
		}
	}
	return nil
}

func (p *PortAudioPlayer) waitWhilePaused(ctx context.Context) {
	for {
		p.mu.Lock()
		paused := p.paused
		resume := p.resumeCh
		p.mu.Unlock()
		if !paused {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-resume:
		}
	}
}

func (p *PortAudioPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.resumeCh = make(chan struct{})
		close(p.pauseCh)
	}
}

func (p *PortAudioPlayer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		p.pauseCh = make(chan struct{})
		close(p.resumeCh)
	}
}

func (p *PortAudioPlayer) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.volume = v
}

func (p *PortAudioPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.init {
		return nil
	}
	p.init = false
	return portaudio.Terminate()
}
