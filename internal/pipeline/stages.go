package pipeline

import "math"

// shelf is a single-pole shelving boost. The smoothing state carries
// across frames so there is no discontinuity at frame boundaries.
type shelf struct {
	coeff float64
	boost float64
	high  bool
	state float64
}

// newShelf builds a one-pole shelf around cutoffHz. A low shelf adds
// the smoothed (low-passed) signal back in; a high shelf adds the
// residual above the cutoff.
func newShelf(cutoffHz float64, sampleRate int, boost float64, high bool) *shelf {
	coeff := 1 - math.Exp(-2*math.Pi*cutoffHz/float64(sampleRate))
	return &shelf{coeff: coeff, boost: clamp01(boost), high: high}
}

func (s *shelf) process(samples []float64) {
	if s.boost == 0 {
		return
	}
	for i, x := range samples {
		s.state += s.coeff * (x - s.state)
		if s.high {
			samples[i] = x + s.boost*(x-s.state)
		} else {
			samples[i] = x + s.boost*s.state
		}
	}
}

// agc drives frame RMS toward a target level. The applied gain is an
// EMA of per-frame target gains, which keeps level corrections slow
// enough to avoid audible pumping.
type agc struct {
	target    float64
	maxGain   float64
	smoothing float64
	gain      float64
}

func newAGC(target, maxGain, smoothing float64) *agc {
	return &agc{target: target, maxGain: maxGain, smoothing: smoothing, gain: 1}
}

func (a *agc) process(samples []float64) {
	if len(samples) == 0 {
		return
	}
	var energy float64
	for _, s := range samples {
		energy += s * s
	}
	rms := math.Sqrt(energy / float64(len(samples)))
	want := a.gain
	if rms > 0 {
		want = a.target / rms
		if want > a.maxGain {
			want = a.maxGain
		}
	}
	// One EMA step per frame. Updating per sample would collapse the
	// smoothing to the frame target and reintroduce pumping.
	a.gain = a.smoothing*a.gain + (1-a.smoothing)*want
	for i := range samples {
		samples[i] *= a.gain
	}
}

// limiter soft-clips peaks above the threshold with a tanh knee.
// Samples at or below the threshold pass through unchanged and the
// output magnitude never exceeds 1.0.
type limiter struct {
	threshold float64
}

func (l *limiter) process(samples []float64) {
	th := l.threshold
	knee := 1 - th
	for i, s := range samples {
		mag := math.Abs(s)
		if mag <= th {
			continue
		}
		limited := th + knee*math.Tanh((mag-th)/knee)
		if s < 0 {
			limited = -limited
		}
		samples[i] = limited
	}
}
