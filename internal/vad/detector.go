package vad

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smarchetti/sona/internal/audio"
	"github.com/smarchetti/sona/internal/dsp"
)

// Phase is the detector's position in the hysteresis state machine.
type Phase string

const (
	PhaseSilent         Phase = "silent"
	PhasePendingSpeech  Phase = "pending_speech"
	PhaseSpeaking       Phase = "speaking"
	PhasePendingSilence Phase = "pending_silence"
)

// State is an immutable snapshot of the detector. Reads are lock-free.
type State struct {
	Phase       Phase
	IsSpeaking  bool
	Probability float64
	Energy      float64
	NoiseFloor  float64
	SpeechLevel float64
	SpeechStart time.Time
	UpdatedAt   time.Time
}

type Config struct {
	SampleRate int
	FrameSize  int

	// Sub-score weights for the speech probability. Energy and band
	// concentration carry most of the decision.
	EnergyWeight float64
	ZCRWeight    float64
	FluxWeight   float64
	BandWeight   float64

	ProbabilityThreshold float64

	SpeechPadStart     time.Duration
	MinSpeechDuration  time.Duration
	MaxSilenceDuration time.Duration

	// ZCR band considered speech-typical.
	ZCRLow  float64
	ZCRHigh float64

	// Normalizer for the spectral flux sub-score.
	FluxNorm float64

	// Adaptive threshold tracking.
	Adaptive        bool
	NoiseFloorAlpha float64
	SpeechAlpha     float64
	MinNoiseFloor   float64
	MaxNoiseFloor   float64
	MinSpeechLevel  float64
	MaxSpeechLevel  float64

	// Frames of audio retained before a speech-start decision.
	PreRollFrames int
}

func DefaultConfig() Config {
	return Config{
		SampleRate:           16000,
		FrameSize:            512,
		EnergyWeight:         0.35,
		ZCRWeight:            0.15,
		FluxWeight:           0.20,
		BandWeight:           0.30,
		ProbabilityThreshold: 0.6,
		SpeechPadStart:       100 * time.Millisecond,
		MinSpeechDuration:    200 * time.Millisecond,
		MaxSilenceDuration:   1500 * time.Millisecond,
		ZCRLow:               0.1,
		ZCRHigh:              0.4,
		FluxNorm:             0.01,
		Adaptive:             true,
		NoiseFloorAlpha:      0.05,
		SpeechAlpha:          0.05,
		MinNoiseFloor:        0.001,
		MaxNoiseFloor:        0.2,
		MinSpeechLevel:       0.02,
		MaxSpeechLevel:       1.0,
		PreRollFrames:        8,
	}
}

// Detector classifies a frame stream as speech or silence with
// hysteresis on both edges. One Detector serves one stream; frames are
// processed by a single goroutine, so the internal trackers need no
// locking. Callbacks run on the processing goroutine and must return
// quickly.
type Detector struct {
	OnSpeechStart func()
	OnSpeechEnd   func(duration time.Duration)

	cfg       Config
	extractor *dsp.Extractor
	state     atomic.Pointer[State]
	preRoll   *audio.FrameRing

	noiseFloor  float64
	speechLevel float64

	phase       Phase
	building    time.Duration
	silence     time.Duration
	speechStart time.Time
	speechDur   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewDetector(cfg Config) *Detector {
	d := &Detector{
		cfg: cfg,
		extractor: dsp.NewExtractor(dsp.ExtractorConfig{
			SampleRate: cfg.SampleRate,
			FrameSize:  cfg.FrameSize,
		}),
		preRoll:     audio.NewFrameRing(cfg.PreRollFrames),
		noiseFloor:  cfg.MinNoiseFloor * 10,
		speechLevel: cfg.MinSpeechLevel * 5,
		phase:       PhaseSilent,
	}
	d.state.Store(&State{
		Phase:       PhaseSilent,
		NoiseFloor:  d.noiseFloor,
		SpeechLevel: d.speechLevel,
	})
	return d
}

// Start acquires the source and begins continuous analysis. A source
// that cannot be acquired rejects Start; there is no internal retry.
func (d *Detector) Start(ctx context.Context, src audio.Source) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("vad: already started")
	}

	frames, err := src.Start(ctx)
	if err != nil {
		return fmt.Errorf("vad: acquire source: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.started = true

	go func() {
		defer close(d.done)
		for {
			select {
			case <-runCtx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				d.ProcessFrame(frame)
			}
		}
	}()
	return nil
}

// Stop halts analysis and resets the state machine. Idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()

	cancel()
	<-done

	d.phase = PhaseSilent
	d.building, d.silence, d.speechDur = 0, 0, 0
	d.state.Store(&State{
		Phase:       PhaseSilent,
		NoiseFloor:  d.noiseFloor,
		SpeechLevel: d.speechLevel,
	})
}

// State returns the latest snapshot without locking.
func (d *Detector) State() State { return *d.state.Load() }

// PreRoll drains the frames buffered immediately before the current
// moment, in chronological order. Callers typically invoke it inside
// OnSpeechStart to recover the padded onset.
func (d *Detector) PreRoll() []audio.Frame { return d.preRoll.Drain() }

// ProcessFrame advances the detector by one frame. It is the same code
// path the Start loop uses; offline callers feed frames directly.
// Degenerate frames classify as silence and never fail.
func (d *Detector) ProcessFrame(frame audio.Frame) State {
	f := d.extractor.Analyze(frame)
	frameDur := frame.Duration()
	if frameDur <= 0 {
		frameDur = time.Duration(float64(d.cfg.FrameSize) / float64(d.cfg.SampleRate) * float64(time.Second))
	}

	if d.phase != PhaseSpeaking && d.phase != PhasePendingSilence {
		d.preRoll.Push(frame)
	}

	p := d.probability(f)
	voiced := p > d.cfg.ProbabilityThreshold && f.Energy > d.energyThreshold()
	d.adapt(f.Energy)
	d.step(voiced, frameDur, frame.Timestamp)

	st := State{
		Phase:       d.phase,
		IsSpeaking:  d.phase == PhaseSpeaking || d.phase == PhasePendingSilence,
		Probability: p,
		Energy:      f.Energy,
		NoiseFloor:  d.noiseFloor,
		SpeechLevel: d.speechLevel,
		SpeechStart: d.speechStart,
		UpdatedAt:   time.Now(),
	}
	d.state.Store(&st)
	return st
}

func (d *Detector) probability(f dsp.Features) float64 {
	span := d.speechLevel - d.noiseFloor
	if span <= 0 {
		span = d.cfg.MinSpeechLevel
	}
	energy := clamp01((f.Energy - d.noiseFloor) / span)

	var zcr float64
	switch {
	case f.ZeroCrossingRate >= d.cfg.ZCRLow && f.ZeroCrossingRate <= d.cfg.ZCRHigh:
		zcr = 1
	case f.ZeroCrossingRate < d.cfg.ZCRLow:
		zcr = clamp01(1 - (d.cfg.ZCRLow-f.ZeroCrossingRate)/d.cfg.ZCRLow)
	default:
		zcr = clamp01(1 - (f.ZeroCrossingRate-d.cfg.ZCRHigh)/d.cfg.ZCRHigh)
	}

	flux := clamp01(f.SpectralFlux / d.cfg.FluxNorm)

	return d.cfg.EnergyWeight*energy +
		d.cfg.ZCRWeight*zcr +
		d.cfg.FluxWeight*flux +
		d.cfg.BandWeight*f.VoiceBandRatio
}

func (d *Detector) energyThreshold() float64 {
	return d.noiseFloor + 0.3*(d.speechLevel-d.noiseFloor)
}

// adapt updates the noise floor during presumed silence and the speech
// level while actively speaking, both as clamped EMAs.
func (d *Detector) adapt(energy float64) {
	if !d.cfg.Adaptive {
		return
	}
	if energy < 2*d.noiseFloor {
		d.noiseFloor = ema(d.noiseFloor, energy, d.cfg.NoiseFloorAlpha)
		d.noiseFloor = clamp(d.noiseFloor, d.cfg.MinNoiseFloor, d.cfg.MaxNoiseFloor)
	}
	speaking := d.phase == PhaseSpeaking || d.phase == PhasePendingSilence
	if speaking && energy > 0.8*d.speechLevel {
		d.speechLevel = ema(d.speechLevel, energy, d.cfg.SpeechAlpha)
		d.speechLevel = clamp(d.speechLevel, d.cfg.MinSpeechLevel, d.cfg.MaxSpeechLevel)
	}
}

func (d *Detector) step(voiced bool, frameDur time.Duration, ts time.Time) {
	switch d.phase {
	case PhaseSilent:
		if voiced {
			d.phase = PhasePendingSpeech
			d.building = frameDur
		}
	case PhasePendingSpeech:
		if !voiced {
			d.phase = PhaseSilent
			d.building = 0
			return
		}
		d.building += frameDur
		if d.building >= d.cfg.SpeechPadStart {
			d.phase = PhaseSpeaking
			d.speechDur = d.building
			if ts.IsZero() {
				ts = time.Now()
			}
			d.speechStart = ts.Add(-d.building)
			if d.OnSpeechStart != nil {
				d.OnSpeechStart()
			}
		}
	case PhaseSpeaking:
		if voiced {
			d.speechDur += frameDur
		} else {
			d.phase = PhasePendingSilence
			d.silence = frameDur
		}
	case PhasePendingSilence:
		if voiced {
			d.phase = PhaseSpeaking
			d.speechDur += d.silence + frameDur
			d.silence = 0
			return
		}
		d.silence += frameDur
		if d.silence >= d.cfg.MaxSilenceDuration {
			dur := d.speechDur
			d.phase = PhaseSilent
			d.building, d.silence, d.speechDur = 0, 0, 0
			d.speechStart = time.Time{}
			if dur >= d.cfg.MinSpeechDuration && d.OnSpeechEnd != nil {
				d.OnSpeechEnd(dur)
			}
		}
	}
}

func ema(prev, sample, alpha float64) float64 {
	return prev*(1-alpha) + sample*alpha
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }
