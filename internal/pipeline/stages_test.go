package pipeline

import (
	"math"
	"testing"
)

func constFrame(amp float64, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = amp
	}
	return s
}

func TestAGCConvergesToTarget(t *testing.T) {
	a := newAGC(0.3, 4, 0.95)

	// Constant 0.1 RMS input wants gain 3.0. With one 0.95 EMA step
	// per frame the residual shrinks 5% a frame.
	for i := 0; i < 60; i++ {
		a.process(constFrame(0.1, 512))
	}
	want := 0.3 / 0.1
	if math.Abs(a.gain-want)/want > 0.05 {
		t.Fatalf("gain after 60 frames = %v, want within 5%% of %v", a.gain, want)
	}
}

func TestAGCGainMovesOnceFrameToFrame(t *testing.T) {
	a := newAGC(0.3, 4, 0.95)

	// Alternating quiet and on-target frames. The applied gain may
	// close at most 5% of the gap to each frame's target; anything
	// larger means the smoothing collapsed within the frame and the
	// level pumps audibly.
	prev := a.gain
	for i := 0; i < 40; i++ {
		amp := 0.1
		if i%2 == 1 {
			amp = 0.3
		}
		want := 0.3 / amp
		a.process(constFrame(amp, 512))
		if step := math.Abs(a.gain - prev); step > 0.05*math.Abs(want-prev)+1e-9 {
			t.Fatalf("frame %d gain step = %v (%v -> %v toward %v), want <= 5%% of the gap", i, step, prev, a.gain, want)
		}
		prev = a.gain
	}
}

func TestAGCGainCapped(t *testing.T) {
	a := newAGC(0.3, 4, 0.95)

	// Very quiet input wants far more than the 4x cap.
	for i := 0; i < 40; i++ {
		a.process(constFrame(0.01, 512))
	}
	if a.gain > 4 {
		t.Fatalf("gain = %v, want capped at 4", a.gain)
	}
	if a.gain < 3.5 {
		t.Fatalf("gain = %v, want near the 4x cap for quiet input", a.gain)
	}
}

func TestAGCHoldsGainOnSilence(t *testing.T) {
	a := newAGC(0.3, 4, 0.95)
	for i := 0; i < 20; i++ {
		a.process(constFrame(0.1, 512))
	}
	before := a.gain
	a.process(constFrame(0, 512))
	if a.gain != before {
		t.Fatalf("gain changed on silence: %v -> %v", before, a.gain)
	}
}

func TestLimiterBounded(t *testing.T) {
	l := &limiter{threshold: 0.95}
	samples := []float64{0, 0.5, 0.95, 0.96, 1.0, 2.0, 100.0, -0.96, -3.0}
	l.process(samples)
	for i, s := range samples {
		if math.Abs(s) > 1.0 {
			t.Fatalf("sample %d = %v, want |s| <= 1.0", i, s)
		}
	}
	if samples[5] <= samples[3] {
		t.Fatalf("limiter not monotonic: f(2.0)=%v <= f(0.96)=%v", samples[5], samples[3])
	}
}

func TestLimiterPassthroughBelowThreshold(t *testing.T) {
	l := &limiter{threshold: 0.95}
	in := []float64{0, 0.1, -0.5, 0.9499999, -0.95, 0.95}
	samples := append([]float64(nil), in...)
	l.process(samples)
	for i := range in {
		if samples[i] != in[i] {
			t.Fatalf("sample %d changed: %v -> %v, want bit-for-bit passthrough", i, in[i], samples[i])
		}
	}
}

func TestShelfStateCarriesAcrossFrames(t *testing.T) {
	cont := newShelf(350, 16000, 0.5, false)
	whole := constFrame(0.5, 1024)
	cont.process(whole)

	split := newShelf(350, 16000, 0.5, false)
	a := constFrame(0.5, 512)
	b := constFrame(0.5, 512)
	split.process(a)
	split.process(b)

	for i := 0; i < 512; i++ {
		if math.Abs(whole[512+i]-b[i]) > 1e-12 {
			t.Fatalf("sample %d differs across frame boundary: %v vs %v", i, whole[512+i], b[i])
		}
	}
}

func TestHighShelfBoostsHighsOnly(t *testing.T) {
	// A slow-moving signal should pass a high shelf nearly unchanged;
	// a fast alternation should come out louder.
	low := make([]float64, 512)
	high := make([]float64, 512)
	for i := range low {
		low[i] = 0.4 * math.Sin(2*math.Pi*50*float64(i)/16000)
		high[i] = 0.4 * math.Sin(2*math.Pi*7000*float64(i)/16000)
	}
	lowIn := append([]float64(nil), low...)
	highIn := append([]float64(nil), high...)

	newShelf(3000, 16000, 0.5, true).process(low)
	newShelf(3000, 16000, 0.5, true).process(high)

	lowGain := rmsOf(low) / rmsOf(lowIn)
	highGain := rmsOf(high) / rmsOf(highIn)
	if highGain <= lowGain {
		t.Fatalf("high-band gain %v not above low-band gain %v", highGain, lowGain)
	}
	if lowGain > 1.1 {
		t.Fatalf("low-band gain = %v, want near unity under a high shelf", lowGain)
	}
}

func rmsOf(s []float64) float64 {
	var e float64
	for _, v := range s {
		e += v * v
	}
	return math.Sqrt(e / float64(len(s)))
}
