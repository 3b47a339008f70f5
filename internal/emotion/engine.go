package emotion

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smarchetti/sona/internal/audio"
	"github.com/smarchetti/sona/internal/dsp"
)

type Config struct {
	SampleRate int
	FrameSize  int

	AnalysisInterval    time.Duration // default 500ms
	ConfidenceThreshold float64       // default 0.6
	Smoothness          float64       // adaptation lerp factor, default 0.3
	HistoryLimit        int           // default 20

	BaselineSamples int           // voiced samples needed, default 10
	BaselineTimeout time.Duration // default 5s

	// Dimension weights. Each triple is applied to the normalized
	// inputs named in computeDimensions.
	ArousalWeights   [3]float64 // energy, speech rate, pitch variability
	ValenceWeights   [3]float64 // pitch deviation, pitch variability, centroid
	DominanceWeights [3]float64 // energy, inverse pause ratio, centroid
}

func DefaultConfig() Config {
	return Config{
		SampleRate:          16000,
		FrameSize:           512,
		AnalysisInterval:    500 * time.Millisecond,
		ConfidenceThreshold: 0.6,
		Smoothness:          0.3,
		HistoryLimit:        20,
		BaselineSamples:     10,
		BaselineTimeout:     5 * time.Second,
		ArousalWeights:      [3]float64{0.5, 0.3, 0.2},
		ValenceWeights:      [3]float64{0.5, 0.25, 0.25},
		DominanceWeights:    [3]float64{0.5, 0.3, 0.2},
	}
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameSize <= 0 {
		c.FrameSize = 512
	}
	if c.AnalysisInterval <= 0 {
		c.AnalysisInterval = 500 * time.Millisecond
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.6
	}
	if c.Smoothness <= 0 {
		c.Smoothness = 0.3
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.BaselineSamples <= 0 {
		c.BaselineSamples = 10
	}
	if c.BaselineTimeout <= 0 {
		c.BaselineTimeout = 5 * time.Second
	}
	if c.ArousalWeights == ([3]float64{}) {
		c.ArousalWeights = [3]float64{0.5, 0.3, 0.2}
	}
	if c.ValenceWeights == ([3]float64{}) {
		c.ValenceWeights = [3]float64{0.5, 0.25, 0.25}
	}
	if c.DominanceWeights == ([3]float64{}) {
		c.DominanceWeights = [3]float64{0.5, 0.3, 0.2}
	}
}

// tickStats aggregates per-frame features between analysis ticks.
type tickStats struct {
	frames      int
	voiced      int
	energySum   float64
	pitchSum    float64
	pitchVarSum float64
	centroidSum float64
}

func (s *tickStats) add(f dsp.Features) {
	s.frames++
	s.energySum += f.Energy
	s.centroidSum += f.SpectralCentroid
	if f.Pitch > 0 {
		s.voiced++
		s.pitchSum += f.Pitch
		s.pitchVarSum += f.PitchVariability
	}
}

// Engine classifies speaker emotion on a fixed interval and steers the
// voice adaptation toward the matching target. A single goroutine owns
// all mutable classifier state; readers get atomic snapshots.
type Engine struct {
	// OnCommit fires for every detection that clears the confidence
	// threshold, after history and adaptation have been updated. Runs
	// on the analysis goroutine.
	OnCommit func(Detection)

	cfg       Config
	extractor *dsp.Extractor

	current    atomic.Pointer[Detection]
	adaptation atomic.Pointer[Adaptation]

	baselinePitch   float64
	baselineEnergy  float64
	baselineSamples []float64
	baselineEnergyS []float64
	baselineStart   time.Time
	calibrated      bool

	target  Adaptation
	history []Detection
	stats   tickStats

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewEngine(cfg Config) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg: cfg,
		extractor: dsp.NewExtractor(dsp.ExtractorConfig{
			SampleRate: cfg.SampleRate,
			FrameSize:  cfg.FrameSize,
		}),
		target: DefaultAdaptation(),
	}
	initial := Detection{Primary: Neutral, Confidence: 0, Timestamp: time.Now()}
	e.current.Store(&initial)
	adapt := DefaultAdaptation()
	e.adaptation.Store(&adapt)
	return e
}

// StartAnalysis acquires the source and begins periodic classification.
// A source that cannot start rejects the call and no analysis happens;
// the adaptation stays at its default rather than erroring readers.
func (e *Engine) StartAnalysis(ctx context.Context, src audio.Source) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("emotion: analysis already started")
	}

	frames, err := src.Start(ctx)
	if err != nil {
		return fmt.Errorf("emotion: acquire source: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true
	e.baselineStart = time.Now()

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.AnalysisInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				e.ingest(frame)
			case now := <-ticker.C:
				e.analyze(now)
			}
		}
	}()
	return nil
}

// Stop halts analysis. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	<-done
}

// CurrentEmotion returns the latest committed detection.
func (e *Engine) CurrentEmotion() Detection { return *e.current.Load() }

// CurrentAdaptation returns the interpolated synthesis parameters.
func (e *Engine) CurrentAdaptation() Adaptation { return *e.adaptation.Load() }

// History returns a copy of the committed-detection ring, oldest first.
func (e *Engine) History() []Detection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Detection(nil), e.history...)
}

// ingest folds one frame into the running tick aggregate and, before
// calibration completes, into the speaker baseline.
func (e *Engine) ingest(frame audio.Frame) {
	f := e.extractor.Analyze(frame)
	e.stats.add(f)

	if !e.calibrated {
		if f.Pitch > 0 {
			e.baselineSamples = append(e.baselineSamples, f.Pitch)
			e.baselineEnergyS = append(e.baselineEnergyS, f.Energy)
		}
		timedOut := time.Since(e.baselineStart) >= e.cfg.BaselineTimeout
		if len(e.baselineSamples) >= e.cfg.BaselineSamples || timedOut {
			e.finishBaseline()
		}
	}
}

// finishBaseline locks in the speaker reference, falling back to
// neutral defaults when the window produced nothing voiced.
func (e *Engine) finishBaseline() {
	e.calibrated = true
	if len(e.baselineSamples) == 0 {
		e.baselinePitch = 150
		e.baselineEnergy = 0.1
		return
	}
	e.baselinePitch = mean(e.baselineSamples)
	e.baselineEnergy = mean(e.baselineEnergyS)
	if e.baselineEnergy <= 0 {
		e.baselineEnergy = 0.1
	}
	e.baselineSamples = nil
	e.baselineEnergyS = nil
}

// analyze runs one classification tick over the aggregated features.
func (e *Engine) analyze(now time.Time) {
	stats := e.stats
	e.stats = tickStats{}

	if !e.calibrated && time.Since(e.baselineStart) >= e.cfg.BaselineTimeout {
		e.finishBaseline()
	}
	if !e.calibrated || stats.frames == 0 || stats.voiced == 0 {
		e.lerpAdaptation()
		return
	}

	a, v, d := e.computeDimensions(stats)
	det := e.classify(a, v, d, now)
	e.Classify(det)
}

// Classify applies the commit/reject decision for a detection. It is
// the shared path for tick results and out-of-band injection.
func (e *Engine) Classify(det Detection) {
	if det.Confidence >= e.cfg.ConfidenceThreshold {
		e.commit(det)
	}
	e.lerpAdaptation()
}

// SetDetectedEmotion injects an emotion from an out-of-band source,
// such as text sentiment, through the same adaptation pipeline.
func (e *Engine) SetDetectedEmotion(emo Emotion) {
	e.Classify(Detection{
		Primary:    emo,
		Confidence: 1.0,
		Timestamp:  time.Now(),
	})
}

func (e *Engine) commit(det Detection) {
	e.current.Store(&det)

	e.mu.Lock()
	e.history = append(e.history, det)
	if len(e.history) > e.cfg.HistoryLimit {
		e.history = e.history[1:]
	}
	e.target = TargetFor(det.Primary)
	e.mu.Unlock()

	if e.OnCommit != nil {
		e.OnCommit(det)
	}
}

// lerpAdaptation moves the applied adaptation one smoothness step
// toward the target. The tone switches with the target since it has no
// meaningful midpoint.
func (e *Engine) lerpAdaptation() {
	e.mu.Lock()
	defer e.mu.Unlock()
	target := e.target

	cur := *e.adaptation.Load()
	s := e.cfg.Smoothness
	next := Adaptation{
		SpeechRate:    lerp(cur.SpeechRate, target.SpeechRate, s),
		Pitch:         lerp(cur.Pitch, target.Pitch, s),
		Volume:        lerp(cur.Volume, target.Volume, s),
		Tone:          target.Tone,
		PauseDuration: lerp(cur.PauseDuration, target.PauseDuration, s),
		Warmth:        lerp(cur.Warmth, target.Warmth, s),
		Energy:        lerp(cur.Energy, target.Energy, s),
	}
	e.adaptation.Store(&next)
}

func (e *Engine) computeDimensions(stats tickStats) (arousal, valence, dominance float64) {
	meanEnergy := stats.energySum / float64(stats.frames)
	meanCentroid := stats.centroidSum / float64(stats.frames)
	meanPitch := stats.pitchSum / float64(stats.voiced)
	meanPitchVar := stats.pitchVarSum / float64(stats.voiced)
	voicedRatio := float64(stats.voiced) / float64(stats.frames)

	normEnergy := clamp01(meanEnergy / (2 * e.baselineEnergy))
	pitchDev := (meanPitch - e.baselinePitch) / e.baselinePitch // signed
	normPitchVar := clamp01(meanPitchVar / (0.3 * e.baselinePitch))
	normCentroid := clamp01(meanCentroid / 4000)
	speechRate := voicedRatio

	aw, vw, dw := e.cfg.ArousalWeights, e.cfg.ValenceWeights, e.cfg.DominanceWeights
	arousal = clamp01(aw[0]*normEnergy + aw[1]*speechRate + aw[2]*normPitchVar)
	valence = clamp01(0.5 + vw[0]*clampRange(pitchDev, -1, 1) - vw[1]*normPitchVar + vw[2]*(normCentroid-0.5))
	dominance = clamp01(dw[0]*normEnergy + dw[1]*voicedRatio + dw[2]*normCentroid)
	return arousal, valence, dominance
}

// emotionProfiles places each category in arousal/valence/dominance
// space. Scores fall off linearly with distance from the profile.
var emotionProfiles = map[Emotion][3]float64{
	Happy:      {0.70, 0.80, 0.60},
	Sad:        {0.25, 0.20, 0.30},
	Angry:      {0.85, 0.20, 0.80},
	Fearful:    {0.80, 0.25, 0.20},
	Surprised:  {0.90, 0.60, 0.40},
	Calm:       {0.20, 0.60, 0.50},
	Anxious:    {0.70, 0.35, 0.30},
	Frustrated: {0.65, 0.30, 0.60},
	Hopeful:    {0.55, 0.70, 0.50},
	Neutral:    {0.50, 0.50, 0.50},
}

const neutralBaseScore = 0.3

func (e *Engine) classify(a, v, d float64, now time.Time) Detection {
	var primary, secondary Emotion
	var best, second float64

	for emo, p := range emotionProfiles {
		dist := math.Sqrt((a-p[0])*(a-p[0]) + (v-p[1])*(v-p[1]) + (d-p[2])*(d-p[2]))
		score := clamp01(1 - dist)
		if emo == Neutral && score < neutralBaseScore {
			score = neutralBaseScore
		}
		switch {
		case score > best:
			second, secondary = best, primary
			best, primary = score, emo
		case score > second:
			second, secondary = score, emo
		}
	}
	det := Detection{
		Primary:    primary,
		Confidence: best,
		Arousal:    a,
		Valence:    v,
		Dominance:  d,
		Timestamp:  now,
	}
	if second > 0.3 {
		det.Secondary = secondary
		det.SecondaryConfidence = second
	}
	return det
}

// EmotionalTrend compares the most recent five committed detections
// with the five before them. Fewer than ten entries reads as stable.
func (e *Engine) EmotionalTrend() Trend {
	e.mu.Lock()
	hist := append([]Detection(nil), e.history...)
	e.mu.Unlock()

	t := Trend{Arousal: TrendStable, Valence: TrendStable}
	if len(hist) < 10 {
		return t
	}
	recent := hist[len(hist)-5:]
	prior := hist[len(hist)-10 : len(hist)-5]

	const threshold = 0.1
	da := meanArousal(recent) - meanArousal(prior)
	switch {
	case da > threshold:
		t.Arousal = TrendIncreasing
	case da < -threshold:
		t.Arousal = TrendDecreasing
	}
	dv := meanValence(recent) - meanValence(prior)
	switch {
	case dv > threshold:
		t.Valence = TrendImproving
	case dv < -threshold:
		t.Valence = TrendDeclining
	}
	return t
}

func meanArousal(ds []Detection) float64 {
	var sum float64
	for _, d := range ds {
		sum += d.Arousal
	}
	return sum / float64(len(ds))
}

func meanValence(ds []Detection) float64 {
	var sum float64
	for _, d := range ds {
		sum += d.Valence
	}
	return sum / float64(len(ds))
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func lerp(cur, target, factor float64) float64 {
	return cur + (target-cur)*factor
}

func clamp01(v float64) float64 { return clampRange(v, 0, 1) }

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
