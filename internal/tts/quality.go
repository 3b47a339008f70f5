package tts

import (
	"sync"
	"time"
)

// NetworkQuality classifies recent chunk-load latency.
type NetworkQuality string

const (
	QualityGood     NetworkQuality = "good"
	QualityModerate NetworkQuality = "moderate"
	QualityPoor     NetworkQuality = "poor"
)

// SynthesisQuality is the fidelity requested from the synthesizer.
// Degraded network conditions trade fidelity for latency.
type SynthesisQuality string

const (
	SynthesisHigh   SynthesisQuality = "high"
	SynthesisMedium SynthesisQuality = "medium"
	SynthesisLow    SynthesisQuality = "low"
)

const qualityWindowSize = 10

// qualityWindow keeps the last ten chunk-load durations and classifies
// the network from their mean.
type qualityWindow struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (w *qualityWindow) record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, d)
	if len(w.samples) > qualityWindowSize {
		w.samples = w.samples[1:]
	}
}

func (w *qualityWindow) network() NetworkQuality {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return QualityGood
	}
	var sum time.Duration
	for _, d := range w.samples {
		sum += d
	}
	avg := sum / time.Duration(len(w.samples))
	switch {
	case avg < 300*time.Millisecond:
		return QualityGood
	case avg < 800*time.Millisecond:
		return QualityModerate
	default:
		return QualityPoor
	}
}

// synthesis maps the network classification to a synthesis fidelity.
func (w *qualityWindow) synthesis() SynthesisQuality {
	switch w.network() {
	case QualityGood:
		return SynthesisHigh
	case QualityModerate:
		return SynthesisMedium
	default:
		return SynthesisLow
	}
}

func (w *qualityWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = nil
}
