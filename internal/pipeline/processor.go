package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smarchetti/sona/internal/audio"
	"github.com/smarchetti/sona/internal/dsp"
)

var ErrStopped = errors.New("pipeline stopped")

// FrameStats is the per-frame observability record. Publication never
// blocks the audio path; a slow stats consumer loses records.
type FrameStats struct {
	InputRMS       float64
	OutputRMS      float64
	NoiseReduction float64 // fractional RMS removed by suppression, 0..1
	Timestamp      time.Time
}

type Config struct {
	SampleRate int
	FrameSize  int

	// Suppression aggressiveness, 0..1. Raises over-subtraction and
	// lowers the spectral floor as it grows.
	Strength float64

	ClarityBoost  float64 // high-shelf amount, 0..1
	WarmthBoost   float64 // low-shelf amount, 0..1
	ClarityHz     float64 // high-shelf corner, default 3000
	WarmthHz      float64 // low-shelf corner, default 350
	AGCTarget     float64 // default 0.3
	AGCMaxGain    float64 // default 4
	AGCSmoothing  float64 // default 0.95
	LimiterThresh float64 // default 0.95

	// Transform overrides the FFT backend. Nil selects the default.
	Transform dsp.Transform
}

func DefaultConfig() Config {
	return Config{
		SampleRate:    16000,
		FrameSize:     512,
		Strength:      0.5,
		ClarityBoost:  0.3,
		WarmthBoost:   0.2,
		ClarityHz:     3000,
		WarmthHz:      350,
		AGCTarget:     0.3,
		AGCMaxGain:    4,
		AGCSmoothing:  0.95,
		LimiterThresh: 0.95,
	}
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameSize <= 0 {
		c.FrameSize = 512
	}
	if c.ClarityHz <= 0 {
		c.ClarityHz = 3000
	}
	if c.WarmthHz <= 0 {
		c.WarmthHz = 350
	}
	if c.AGCTarget <= 0 {
		c.AGCTarget = 0.3
	}
	if c.AGCMaxGain <= 0 {
		c.AGCMaxGain = 4
	}
	if c.AGCSmoothing <= 0 {
		c.AGCSmoothing = 0.95
	}
	if c.LimiterThresh <= 0 {
		c.LimiterThresh = 0.95
	}
}

// Processor runs the fixed per-frame chain: spectral suppression, then
// clarity and warmth shelves, then AGC, then the soft limiter. The
// order is load-bearing: the AGC assumes denoised input and the limiter
// assumes already-gained input.
type Processor struct {
	cfg Config

	sup     *suppressor
	clarity *shelf
	warmth  *shelf
	gain    *agc
	limit   *limiter

	stats chan FrameStats

	// residual output samples awaiting a full frame
	pending []float64

	mu          sync.Mutex
	calibUntil  time.Time
	calibFrames int
	calibNeed   int
	cancel      context.CancelFunc
	done        chan struct{}
	started     bool
	err         error
}

func NewProcessor(cfg Config) (*Processor, error) {
	cfg.applyDefaults()
	if cfg.FrameSize&(cfg.FrameSize-1) != 0 {
		return nil, fmt.Errorf("pipeline: frame size %d is not a power of two", cfg.FrameSize)
	}
	tf := cfg.Transform
	if tf == nil {
		tf = dsp.NewFFT(cfg.FrameSize)
	}
	if tf.Size() != cfg.FrameSize {
		return nil, fmt.Errorf("pipeline: transform size %d does not match frame size %d", tf.Size(), cfg.FrameSize)
	}
	return &Processor{
		cfg:     cfg,
		sup:     newSuppressor(tf, cfg.Strength),
		clarity: newShelf(cfg.ClarityHz, cfg.SampleRate, cfg.ClarityBoost, true),
		warmth:  newShelf(cfg.WarmthHz, cfg.SampleRate, cfg.WarmthBoost, false),
		gain:    newAGC(cfg.AGCTarget, cfg.AGCMaxGain, cfg.AGCSmoothing),
		limit:   &limiter{threshold: cfg.LimiterThresh},
		stats:   make(chan FrameStats, 64),
	}, nil
}

// Start begins consuming raw frames and returns the cleaned stream.
// The output channel closes when the input closes, the context is
// cancelled, or Stop is called; Err reports why.
func (p *Processor) Start(ctx context.Context, in <-chan audio.Frame) (<-chan audio.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil, fmt.Errorf("pipeline: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	out := make(chan audio.Frame, 8)
	go func() {
		defer close(out)
		defer close(p.done)
		for {
			select {
			case <-runCtx.Done():
				p.setErr(runCtx.Err())
				return
			case frame, ok := <-in:
				if !ok {
					return
				}
				for _, cleaned := range p.ProcessFrame(frame) {
					select {
					case <-runCtx.Done():
						p.setErr(runCtx.Err())
						return
					case out <- cleaned:
					}
				}
			}
		}
	}()
	return out, nil
}

// ProcessFrame pushes one raw frame through the chain and returns zero
// or more full cleaned frames. The suppressor's overlap-add introduces
// half a frame of latency, so output framing lags input framing.
func (p *Processor) ProcessFrame(frame audio.Frame) []audio.Frame {
	if len(frame.Samples) != p.cfg.FrameSize {
		return nil
	}

	inputRMS := dsp.RMS(frame.Samples)
	cleaned := p.sup.process(frame.Samples)
	p.checkCalibration()
	suppressedRMS := dsp.RMS(cleaned)

	p.clarity.process(cleaned)
	p.warmth.process(cleaned)
	p.gain.process(cleaned)
	p.limit.process(cleaned)

	var reduction float64
	if inputRMS > 0 && suppressedRMS < inputRMS {
		reduction = 1 - suppressedRMS/inputRMS
	}
	p.publish(FrameStats{
		InputRMS:       inputRMS,
		OutputRMS:      dsp.RMS(cleaned),
		NoiseReduction: reduction,
		Timestamp:      frame.Timestamp,
	})

	p.pending = append(p.pending, cleaned...)
	var frames []audio.Frame
	for len(p.pending) >= p.cfg.FrameSize {
		frames = append(frames, audio.Frame{
			Samples:    append([]float64(nil), p.pending[:p.cfg.FrameSize]...),
			SampleRate: p.cfg.SampleRate,
			Timestamp:  frame.Timestamp,
		})
		p.pending = p.pending[p.cfg.FrameSize:]
	}
	return frames
}

// Calibrate starts a pass-through noise capture window. Suppression is
// bypassed while per-bin magnitudes accumulate; when enough frames have
// passed (or the wall-clock deadline lapses) the profile is finalized
// and normal processing resumes on its own.
func (p *Processor) Calibrate(duration time.Duration) {
	if duration <= 0 {
		duration = 500 * time.Millisecond
	}
	frameDur := time.Duration(float64(p.cfg.FrameSize) / float64(p.cfg.SampleRate) * float64(time.Second))

	p.mu.Lock()
	p.calibUntil = time.Now().Add(duration)
	p.calibFrames = 0
	p.calibNeed = int(duration / frameDur)
	if p.calibNeed < 1 {
		p.calibNeed = 1
	}
	p.mu.Unlock()

	p.sup.beginCalibration()
}

func (p *Processor) checkCalibration() {
	p.mu.Lock()
	if p.calibNeed == 0 {
		p.mu.Unlock()
		return
	}
	p.calibFrames++
	finished := p.calibFrames >= p.calibNeed || time.Now().After(p.calibUntil)
	if finished {
		p.calibNeed = 0
		p.calibFrames = 0
	}
	p.mu.Unlock()

	if finished {
		p.sup.finishCalibration()
	}
}

// ResetNoiseProfile discards the profile. Suppression is skipped until
// the next calibration completes.
func (p *Processor) ResetNoiseProfile() {
	p.mu.Lock()
	p.calibNeed = 0
	p.calibFrames = 0
	p.mu.Unlock()
	p.sup.reset()
}

// Profile returns the active noise profile, or nil before calibration.
func (p *Processor) Profile() *NoiseProfile { return p.sup.currentProfile() }

// Stats is the non-blocking per-frame metrics stream.
func (p *Processor) Stats() <-chan FrameStats { return p.stats }

func (p *Processor) publish(s FrameStats) {
	select {
	case p.stats <- s:
	default:
	}
}

// Stop halts processing. Idempotent; safe to call before Start.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	<-done
	p.setErr(ErrStopped)
}

// Err reports why the output stream ended, nil for a clean input close.
func (p *Processor) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if errors.Is(p.err, context.Canceled) {
		return ErrStopped
	}
	return p.err
}

func (p *Processor) setErr(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}
