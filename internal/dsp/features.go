package dsp

import (
	"math"

	"github.com/smarchetti/sona/internal/audio"
)

// Features is the per-frame acoustic record. Values are computed once
// per frame and never mutated afterwards.
type Features struct {
	Energy            float64 // frame RMS, >= 0
	ZeroCrossingRate  float64 // fraction of sign changes, 0..1
	SpectralCentroid  float64 // Hz
	SpectralFlux      float64 // positive spectral change vs previous frame
	Pitch             float64 // estimated fundamental in Hz, 0 when unvoiced
	PitchVariability  float64 // rolling stddev of recent voiced pitches
	EnergyVariability float64 // rolling stddev of recent energies
	VoiceBandRatio    float64 // energy fraction inside the voice band
}

type ExtractorConfig struct {
	SampleRate     int
	FrameSize      int
	HistoryFrames  int     // rolling variability window, default 10
	MinPitchHz     float64 // default 60
	MaxPitchHz     float64 // default 500
	VoicingFloor   float64 // min normalized autocorrelation, default 0.3
	VoiceBandLowHz float64 // default 300
	VoiceBandHiHz  float64 // default 3400
}

func (c *ExtractorConfig) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameSize <= 0 {
		c.FrameSize = 512
	}
	if c.HistoryFrames <= 0 {
		c.HistoryFrames = 10
	}
	if c.MinPitchHz <= 0 {
		c.MinPitchHz = 60
	}
	if c.MaxPitchHz <= 0 {
		c.MaxPitchHz = 500
	}
	if c.VoicingFloor <= 0 {
		c.VoicingFloor = 0.3
	}
	if c.VoiceBandLowHz <= 0 {
		c.VoiceBandLowHz = 300
	}
	if c.VoiceBandHiHz <= 0 {
		c.VoiceBandHiHz = 3400
	}
}

// Extractor computes Features frame by frame. It carries the previous
// magnitude spectrum (for flux) and short rolling histories (for
// variability), so one Extractor serves exactly one frame stream.
type Extractor struct {
	cfg     ExtractorConfig
	fft     *FFT
	window  []float64
	prevMag []float64

	energyHist []float64
	pitchHist  []float64
}

func NewExtractor(cfg ExtractorConfig) *Extractor {
	cfg.applyDefaults()
	return &Extractor{
		cfg:    cfg,
		fft:    NewFFT(cfg.FrameSize),
		window: HannWindow(cfg.FrameSize),
	}
}

// Analyze computes the feature record for one frame. Degenerate
// input (empty or wrong-size frames, pure zeros) yields zero features.
func (e *Extractor) Analyze(frame audio.Frame) Features {
	if len(frame.Samples) != e.cfg.FrameSize {
		return Features{}
	}

	var f Features
	f.Energy = rms(frame.Samples)
	f.ZeroCrossingRate = zeroCrossingRate(frame.Samples)

	windowed := make([]float64, e.cfg.FrameSize)
	for i, s := range frame.Samples {
		windowed[i] = s * e.window[i]
	}
	mag, _ := e.fft.Forward(windowed)

	f.SpectralCentroid = e.centroid(mag)
	f.SpectralFlux = flux(mag, e.prevMag)
	f.VoiceBandRatio = e.bandRatio(mag)
	e.prevMag = mag

	if f.Energy > 0 {
		f.Pitch = e.estimatePitch(frame.Samples)
	}

	e.energyHist = pushBounded(e.energyHist, f.Energy, e.cfg.HistoryFrames)
	if f.Pitch > 0 {
		e.pitchHist = pushBounded(e.pitchHist, f.Pitch, e.cfg.HistoryFrames)
	}
	f.EnergyVariability = stddev(e.energyHist)
	f.PitchVariability = stddev(e.pitchHist)
	return f
}

func (e *Extractor) centroid(mag []float64) float64 {
	binHz := float64(e.cfg.SampleRate) / float64(e.cfg.FrameSize)
	var num, den float64
	for i, m := range mag {
		num += float64(i) * binHz * m
		den += m
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func (e *Extractor) bandRatio(mag []float64) float64 {
	binHz := float64(e.cfg.SampleRate) / float64(e.cfg.FrameSize)
	var band, total float64
	for i, m := range mag {
		p := m * m
		total += p
		hz := float64(i) * binHz
		if hz >= e.cfg.VoiceBandLowHz && hz <= e.cfg.VoiceBandHiHz {
			band += p
		}
	}
	if total == 0 {
		return 0
	}
	return band / total
}

// estimatePitch runs a normalized autocorrelation search over the lag
// range for the configured pitch band and returns 0 when the best peak
// does not clear the voicing floor.
func (e *Extractor) estimatePitch(samples []float64) float64 {
	sr := float64(e.cfg.SampleRate)
	minLag := int(sr / e.cfg.MaxPitchHz)
	maxLag := int(sr / e.cfg.MinPitchHz)
	if maxLag >= len(samples) {
		maxLag = len(samples) - 1
	}
	if minLag < 1 || minLag >= maxLag {
		return 0
	}

	var r0 float64
	for _, s := range samples {
		r0 += s * s
	}
	if r0 == 0 {
		return 0
	}

	bestLag, bestCorr := 0, e.cfg.VoicingFloor
	for lag := minLag; lag <= maxLag; lag++ {
		var sum float64
		for i := 0; i+lag < len(samples); i++ {
			sum += samples[i] * samples[i+lag]
		}
		corr := sum / r0
		if corr > bestCorr {
			bestCorr = corr
			bestLag = lag
		}
	}
	if bestLag == 0 {
		return 0
	}
	return sr / float64(bestLag)
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func zeroCrossingRate(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var crossings int
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

func flux(mag, prev []float64) float64 {
	if len(prev) != len(mag) {
		return 0
	}
	var sum float64
	for i := range mag {
		if d := mag[i] - prev[i]; d > 0 {
			sum += d
		}
	}
	return sum / float64(len(mag))
}

func pushBounded(hist []float64, v float64, max int) []float64 {
	hist = append(hist, v)
	if len(hist) > max {
		hist = hist[1:]
	}
	return hist
}

func stddev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var sum float64
	for _, v := range vals {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vals)))
}

// RMS reports the root-mean-square level of a sample block.
func RMS(samples []float64) float64 { return rms(samples) }
