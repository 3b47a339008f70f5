package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/smarchetti/sona/internal/audio"
	"github.com/smarchetti/sona/internal/reliability"
)

// Request carries one chunk's text and voice parameters to a
// synthesizer backend.
type Request struct {
	Text       string           `json:"text"`
	Language   string           `json:"language,omitempty"`
	VoiceStyle string           `json:"voice_style,omitempty"`
	Rate       float64          `json:"rate"`
	Pitch      float64          `json:"pitch"`
	Quality    SynthesisQuality `json:"quality"`
}

// Synthesizer turns a request into an opaque encoded audio buffer.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// HTTPSynthesizer calls a network synthesis service. Transient
// upstream statuses are retried with capped backoff; anything past
// that is an ordinary error and the engine decides whether to fall
// back.
type HTTPSynthesizer struct {
	Endpoint string
	Client   *http.Client

	// MaxAttempts bounds retryable-status retries. 0 means 2.
	MaxAttempts int
}

func NewHTTPSynthesizer(endpoint string, timeout time.Duration) *HTTPSynthesizer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSynthesizer{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode synthesis request: %w", err)
	}

	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = 2
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, 100*time.Millisecond, 800*time.Millisecond)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, retryable, err := s.once(ctx, body)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (s *HTTPSynthesizer) once(ctx context.Context, body []byte) ([]byte, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build synthesis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		return nil, false, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, reliability.IsRetryableHTTPStatus(resp.StatusCode),
			fmt.Errorf("synthesis service returned %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read synthesis response: %w", err)
	}
	if len(data) == 0 {
		return nil, false, fmt.Errorf("synthesis service returned empty audio")
	}
	return data, false, nil
}

// LocalSynthesizer is the on-device fallback. It renders a low-effort
// placeholder waveform sized to the chunk's estimated duration, so
// playback continuity survives a network outage even though fidelity
// drops.
type LocalSynthesizer struct {
	SampleRate int
}

func (s *LocalSynthesizer) Synthesize(_ context.Context, req Request) ([]byte, error) {
	sr := s.SampleRate
	if sr <= 0 {
		sr = 16000
	}
	dur := EstimateDuration(req.Text, req.Rate)
	if dur <= 0 {
		dur = 200 * time.Millisecond
	}
	n := int(float64(sr) * dur.Seconds())

	// A quiet hum with a slow envelope reads as "voice placeholder"
	// without being jarring.
	pitch := req.Pitch
	if pitch <= 0 {
		pitch = 1
	}
	freq := 140.0 * pitch
	samples := make([]float64, n)
	for i := range samples {
		t := float64(i) / float64(sr)
		env := math.Sin(math.Pi * float64(i) / float64(n))
		samples[i] = 0.1 * env * math.Sin(2*math.Pi*freq*t)
	}
	return audio.EncodeWAV(samples, sr)
}
