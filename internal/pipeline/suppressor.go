package pipeline

import (
	"math"
	"sync"

	"github.com/smarchetti/sona/internal/dsp"
)

// NoiseProfile is the averaged magnitude spectrum captured during a
// calibration window, one value per frequency bin.
type NoiseProfile struct {
	Magnitudes []float64
	Frames     int
}

// suppressor implements spectral subtraction over a streaming signal.
// Blocks of fftSize samples are analyzed every hop (50%) with a Hann
// window; the attenuated blocks are overlap-added back, so each output
// sample is finalized only after both windows covering it have run.
// Without a noise profile, and during calibration, audio passes through
// untouched.
type suppressor struct {
	size   int
	hop    int
	window []float64
	fft    dsp.Transform

	strength float64

	mu          sync.Mutex
	profile     *NoiseProfile
	calibrating bool
	calibSum    []float64
	calibFrames int

	inBuf   []float64
	olaBuf  []float64
	pos     int // next window start within inBuf
	emitted int // samples already returned
}

func newSuppressor(fft dsp.Transform, strength float64) *suppressor {
	size := fft.Size()
	return &suppressor{
		size:     size,
		hop:      size / 2,
		window:   dsp.HannWindow(size),
		fft:      fft,
		strength: clamp01(strength),
	}
}

// process consumes one frame of raw samples and returns however many
// denoised samples became final. The caller re-frames the output.
func (s *suppressor) process(samples []float64) []float64 {
	s.mu.Lock()
	calibrating := s.calibrating
	profile := s.profile
	s.mu.Unlock()

	if calibrating {
		s.accumulate(samples)
		return append([]float64(nil), samples...)
	}
	if profile == nil {
		return append([]float64(nil), samples...)
	}

	s.inBuf = append(s.inBuf, samples...)
	for len(s.olaBuf) < len(s.inBuf) {
		s.olaBuf = append(s.olaBuf, 0)
	}

	over := 1.5 + s.strength
	floor := 0.01 + (1-s.strength)*0.1

	for s.pos+s.size <= len(s.inBuf) {
		block := make([]float64, s.size)
		for i := range block {
			block[i] = s.inBuf[s.pos+i] * s.window[i]
		}
		mag, phase := s.fft.Forward(block)
		for i := range mag {
			var g float64
			if mag[i] > 0 {
				g = 1 - over*profile.Magnitudes[i]/mag[i]
			}
			if g < floor {
				g = floor
			}
			mag[i] *= g * g
		}
		clean := s.fft.Inverse(mag, phase)
		for i, v := range clean {
			s.olaBuf[s.pos+i] += v
		}
		s.pos += s.hop
	}

	out := append([]float64(nil), s.olaBuf[s.emitted:s.pos]...)
	s.emitted = s.pos
	s.compact()
	return out
}

// compact drops the fully-emitted prefix so the buffers stay bounded.
func (s *suppressor) compact() {
	if s.emitted < s.size {
		return
	}
	drop := s.emitted - s.hop
	s.inBuf = append(s.inBuf[:0], s.inBuf[drop:]...)
	s.olaBuf = append(s.olaBuf[:0], s.olaBuf[drop:]...)
	s.pos -= drop
	s.emitted -= drop
}

func (s *suppressor) accumulate(samples []float64) {
	if len(samples) != s.size {
		return
	}
	block := make([]float64, s.size)
	for i := range block {
		block[i] = samples[i] * s.window[i]
	}
	mag, _ := s.fft.Forward(block)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calibSum == nil {
		s.calibSum = make([]float64, len(mag))
	}
	for i, m := range mag {
		s.calibSum[i] += m
	}
	s.calibFrames++
}

func (s *suppressor) beginCalibration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibrating = true
	s.calibSum = nil
	s.calibFrames = 0
}

// finishCalibration averages the accumulated magnitudes into the
// active profile. A window that saw no frames leaves the previous
// profile in place.
func (s *suppressor) finishCalibration() *NoiseProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibrating = false
	if s.calibFrames == 0 {
		return s.profile
	}
	avg := make([]float64, len(s.calibSum))
	for i, v := range s.calibSum {
		avg[i] = v / float64(s.calibFrames)
	}
	s.profile = &NoiseProfile{Magnitudes: avg, Frames: s.calibFrames}
	s.calibSum = nil
	return s.profile
}

func (s *suppressor) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = nil
	s.calibrating = false
	s.calibSum = nil
	s.calibFrames = 0
	s.inBuf = s.inBuf[:0]
	s.olaBuf = s.olaBuf[:0]
	s.pos = 0
	s.emitted = 0
}

func (s *suppressor) currentProfile() *NoiseProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
