package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/smarchetti/sona/internal/audio"
	"github.com/smarchetti/sona/internal/emotion"
	"github.com/smarchetti/sona/internal/observability"
	"github.com/smarchetti/sona/internal/pipeline"
	"github.com/smarchetti/sona/internal/protocol"
	"github.com/smarchetti/sona/internal/session"
	"github.com/smarchetti/sona/internal/tts"
	"github.com/smarchetti/sona/internal/vad"
)

const (
	defaultCalibration = 2 * time.Second
	historySaveTimeout = 2 * time.Second
	criticalSendWait   = 600 * time.Millisecond
	emotionLegBuffer   = 32
	frameStreamBuffer  = 64
)

// Config carries the per-connection tuning for every analysis stage.
type Config struct {
	SampleRate int
	FrameSize  int

	VAD      vad.Config
	Pipeline pipeline.Config
	Emotion  emotion.Config
	TTS      tts.Config

	// DefaultCalibration applies when a calibrate_noise control omits
	// its duration.
	DefaultCalibration time.Duration

	// EmitProcessedAudio streams cleaned frames back to the client.
	EmitProcessedAudio bool

	// FirstAudioSLO flags speak requests whose first audio arrived
	// later than this. Zero disables the check.
	FirstAudioSLO time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleRate:         16000,
		FrameSize:          512,
		VAD:                vad.DefaultConfig(),
		Pipeline:           pipeline.DefaultConfig(),
		Emotion:            emotion.DefaultConfig(),
		TTS:                tts.DefaultConfig(),
		DefaultCalibration: defaultCalibration,
		EmitProcessedAudio: true,
		FirstAudioSLO:      700 * time.Millisecond,
	}
}

// PlayerFactory builds a fresh playback sink per connection.
type PlayerFactory func() tts.Player

type Orchestrator struct {
	sessions  *session.Manager
	metrics   *observability.Metrics
	stages    *observability.StageWindow
	history   emotion.HistoryStore
	primary   tts.Synthesizer
	fallback  tts.Synthesizer
	newPlayer PlayerFactory
	cfg       Config
}

func NewOrchestrator(
	sessions *session.Manager,
	metrics *observability.Metrics,
	stages *observability.StageWindow,
	history emotion.HistoryStore,
	primary tts.Synthesizer,
	fallback tts.Synthesizer,
	newPlayer PlayerFactory,
	cfg Config,
) *Orchestrator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 512
	}
	if cfg.DefaultCalibration <= 0 {
		cfg.DefaultCalibration = defaultCalibration
	}
	if newPlayer == nil {
		newPlayer = func() tts.Player { return tts.NewMockPlayer() }
	}
	return &Orchestrator{
		sessions:  sessions,
		metrics:   metrics,
		stages:    stages,
		history:   history,
		primary:   primary,
		fallback:  fallback,
		newPlayer: newPlayer,
		cfg:       cfg,
	}
}

// StageSnapshot exposes the shared latency window for the stats surface.
func (o *Orchestrator) StageSnapshot() observability.StageSnapshot {
	return o.stages.Snapshot()
}

// ResetStages clears the latency window and its indicators.
func (o *Orchestrator) ResetStages() {
	o.stages.Reset()
}

// RunConnection drives a session lifecycle for one websocket connection.
// Frames arrive as ClientAudioChunk messages on inbound; analysis and
// playback events leave on outbound. Returns when inbound closes or the
// context ends.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	proc, err := pipeline.NewProcessor(o.cfg.Pipeline)
	if err != nil {
		o.send(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "pipeline_init_failed",
			Source:    "pipeline",
			Retryable: false,
			Detail:    err.Error(),
		})
		return err
	}

	detector := vad.NewDetector(o.cfg.VAD)
	detector.OnSpeechStart = func() {
		o.metrics.VADTransitions.WithLabelValues("speech_start").Inc()
		o.sendVADState(outbound, s.ID, vad.PhaseSpeaking, detector.State(), 0)
	}
	detector.OnSpeechEnd = func(dur time.Duration) {
		o.metrics.VADTransitions.WithLabelValues("speech_end").Inc()
		o.sendVADState(outbound, s.ID, vad.PhaseSilent, detector.State(), dur)
	}

	engine := emotion.NewEngine(o.cfg.Emotion)
	engine.OnCommit = func(det emotion.Detection) {
		o.metrics.EmotionCommits.WithLabelValues(string(det.Primary)).Inc()
		o.send(outbound, protocol.EmotionState{
			Type:                protocol.TypeEmotionState,
			SessionID:           s.ID,
			Primary:             string(det.Primary),
			Secondary:           string(det.Secondary),
			Confidence:          det.Confidence,
			SecondaryConfidence: det.SecondaryConfidence,
			Arousal:             det.Arousal,
			Valence:             det.Valence,
			Dominance:           det.Dominance,
			Tone:                string(engine.CurrentAdaptation().Tone),
			TSMs:                det.Timestamp.UnixMilli(),
		})
		o.saveDetectionBestEffort(s.ID, det)
	}

	// The decoded frame stream is owned once and fanned out: the DSP
	// leg runs VAD plus the enhancement chain, the emotion leg feeds
	// the periodic classifier. Each leg gets its own frame copies.
	fan := audio.NewFanOut()
	dspFrames := fan.Subscribe(frameStreamBuffer)
	emotionFrames := fan.Subscribe(emotionLegBuffer)

	if err := engine.StartAnalysis(ctx, audio.NewFrameStream(emotionFrames)); err != nil {
		proc.Stop()
		return fmt.Errorf("start emotion analysis: %w", err)
	}
	defer engine.Stop()

	speaker := newSpeaker(o, s.ID, engine, outbound)
	defer speaker.stop()

	tracker := &noiseTracker{}
	rawFrames := make(chan audio.Frame, frameStreamBuffer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fan.Run(gctx, rawFrames)
		return nil
	})
	g.Go(func() error {
		return o.consumeStats(gctx, proc.Stats(), tracker)
	})
	g.Go(func() error {
		defer proc.Stop()
		o.dspLoop(gctx, s.ID, dspFrames, proc, detector, tracker, outbound)
		return nil
	})
	g.Go(func() error {
		// A clean inbound close must still release the other readers.
		defer cancel()
		defer close(rawFrames)
		return o.inboundLoop(gctx, s, proc, speaker, rawFrames, inbound, outbound)
	})

	err = g.Wait()
	o.metrics.DroppedFrames.Add(float64(fan.DroppedTotal()))
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (o *Orchestrator) inboundLoop(
	ctx context.Context,
	s *session.Session,
	proc *pipeline.Processor,
	speaker *speaker,
	rawFrames chan<- audio.Frame,
	inbound <-chan any,
	outbound chan<- any,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case protocol.ClientAudioChunk:
				o.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeClientAudioChunk)).Inc()
				_ = o.sessions.Touch(s.ID)
				if err := o.handleAudioChunk(ctx, m, rawFrames); err != nil {
					o.send(outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Code:      "audio_decode_failed",
						Source:    "audio",
						Retryable: true,
						Detail:    err.Error(),
					})
				}
			case protocol.ClientControl:
				o.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeClientControl)).Inc()
				_ = o.sessions.Touch(s.ID)
				o.handleControl(ctx, s, m, proc, speaker, outbound)
			}
		}
	}
}

// handleAudioChunk decodes one client chunk into frames and hands them
// to the fan-out stream.
func (o *Orchestrator) handleAudioChunk(ctx context.Context, m protocol.ClientAudioChunk, rawFrames chan<- audio.Frame) error {
	raw, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
	if err != nil {
		return fmt.Errorf("decode pcm16: %w", err)
	}
	samples := audio.DecodePCM16LE(raw)
	now := time.Now()

	for off := 0; off+o.cfg.FrameSize <= len(samples); off += o.cfg.FrameSize {
		frame := audio.Frame{
			Samples:    samples[off : off+o.cfg.FrameSize],
			SampleRate: o.cfg.SampleRate,
			Timestamp:  now,
		}
		select {
		case <-ctx.Done():
			return nil
		case rawFrames <- frame:
		}
	}
	return nil
}

// dspLoop consumes the DSP fan-out leg: every frame runs through the
// detector and the enhancement chain, and cleaned frames stream back
// to the client in sequence order.
func (o *Orchestrator) dspLoop(
	ctx context.Context,
	sessionID string,
	frames <-chan audio.Frame,
	proc *pipeline.Processor,
	detector *vad.Detector,
	tracker *noiseTracker,
	outbound chan<- any,
) {
	outSeq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			o.metrics.FramesProcessed.Inc()

			vadStart := time.Now()
			detector.ProcessFrame(frame)
			o.stages.Observe("vad_frame", float64(time.Since(vadStart).Microseconds())/1000)

			procStart := time.Now()
			processed := proc.ProcessFrame(frame)
			o.stages.Observe("frame_process", float64(time.Since(procStart).Microseconds())/1000)

			if !o.cfg.EmitProcessedAudio {
				continue
			}
			for _, out := range processed {
				outSeq++
				o.send(outbound, protocol.ProcessedAudio{
					Type:           protocol.TypeProcessedAudio,
					SessionID:      sessionID,
					Seq:            outSeq,
					PCM16Base64:    base64.StdEncoding.EncodeToString(audio.EncodePCM16LE(out.Samples)),
					SampleRate:     out.SampleRate,
					NoiseReduction: tracker.last(),
					TSMs:           frame.Timestamp.UnixMilli(),
				})
			}
		}
	}
}

func (o *Orchestrator) handleControl(
	ctx context.Context,
	s *session.Session,
	m protocol.ClientControl,
	proc *pipeline.Processor,
	speaker *speaker,
	outbound chan<- any,
) {
	switch m.Action {
	case protocol.ActionCalibrateNoise:
		dur := o.cfg.DefaultCalibration
		if m.DurationMs > 0 {
			dur = time.Duration(m.DurationMs) * time.Millisecond
		}
		proc.Calibrate(dur)
		o.sendSystem(outbound, s.ID, "calibration_started", fmt.Sprintf("window=%s", dur))
	case protocol.ActionResetNoiseProfile:
		proc.ResetNoiseProfile()
		o.sendSystem(outbound, s.ID, "noise_profile_reset", "")
	case protocol.ActionSpeak:
		utteranceID := uuid.NewString()
		if err := speaker.speak(ctx, utteranceID, m.Text); err != nil {
			o.send(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: s.ID,
				Code:      "speak_rejected",
				Source:    "tts",
				Retryable: errors.Is(err, tts.ErrBusy),
				Detail:    err.Error(),
			})
			return
		}
		_ = o.sessions.StartUtterance(s.ID, utteranceID)
	case protocol.ActionPause:
		speaker.engine.Pause()
		o.sendSystem(outbound, s.ID, "playback_paused", "")
	case protocol.ActionResume:
		speaker.engine.Resume()
		o.sendSystem(outbound, s.ID, "playback_resumed", "")
	case protocol.ActionStopSpeaking:
		speaker.engine.Stop()
		_ = o.sessions.Interrupt(s.ID)
		o.sendSystem(outbound, s.ID, "playback_stopped", "")
	case protocol.ActionSkipForward:
		speaker.engine.SkipForward()
	case protocol.ActionSkipBackward:
		speaker.engine.SkipBackward()
	case protocol.ActionSetVolume:
		if m.Volume != nil {
			speaker.engine.SetVolume(*m.Volume)
		}
	default:
		o.send(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "unknown_action",
			Source:    "control",
			Retryable: false,
			Detail:    m.Action,
		})
	}
}

func (o *Orchestrator) consumeStats(ctx context.Context, stats <-chan pipeline.FrameStats, tracker *noiseTracker) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-stats:
			if !ok {
				return nil
			}
			tracker.store(st.NoiseReduction)
			o.metrics.NoiseReduction.Observe(st.NoiseReduction)
		}
	}
}

// noiseTracker holds the most recent per-frame reduction so the
// processed-audio stream can report it without racing the stats reader.
type noiseTracker struct {
	bits atomic.Uint64
}

func (t *noiseTracker) store(v float64) { t.bits.Store(math.Float64bits(v)) }
func (t *noiseTracker) last() float64   { return math.Float64frombits(t.bits.Load()) }

// sendVADState reports a transition. The phase comes from the
// transition itself; callbacks fire before the detector snapshot
// is refreshed.
func (o *Orchestrator) sendVADState(outbound chan<- any, sessionID string, phase vad.Phase, st vad.State, speechDur time.Duration) {
	o.send(outbound, protocol.VADState{
		Type:        protocol.TypeVADState,
		SessionID:   sessionID,
		Phase:       string(phase),
		Probability: st.Probability,
		Energy:      st.Energy,
		NoiseFloor:  st.NoiseFloor,
		SpeechMs:    speechDur.Milliseconds(),
		TSMs:        st.UpdatedAt.UnixMilli(),
	})
}

func (o *Orchestrator) sendSystem(outbound chan<- any, sessionID, code, detail string) {
	o.send(outbound, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sessionID,
		Code:      code,
		Detail:    detail,
	})
}

// send delivers critical events with a bounded wait and sheds
// high-volume stream messages when the client cannot keep up.
func (o *Orchestrator) send(outbound chan<- any, msg any) {
	msgType, critical := outboundMessageMeta(msg)
	if critical {
		timer := time.NewTimer(criticalSendWait)
		defer timer.Stop()
		select {
		case outbound <- msg:
			o.metrics.WSMessages.WithLabelValues("outbound", msgType).Inc()
		case <-timer.C:
			o.metrics.SessionEvents.WithLabelValues("outbound_timeout_critical").Inc()
		}
		return
	}
	select {
	case outbound <- msg:
		o.metrics.WSMessages.WithLabelValues("outbound", msgType).Inc()
	default:
		o.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
	}
}

func outboundMessageMeta(msg any) (string, bool) {
	switch msg.(type) {
	case protocol.ErrorEvent:
		return string(protocol.TypeErrorEvent), true
	case protocol.SystemEvent:
		return string(protocol.TypeSystemEvent), true
	case protocol.TTSChunkProgress:
		return string(protocol.TypeTTSChunkProgress), true
	case protocol.EmotionState:
		return string(protocol.TypeEmotionState), false
	case protocol.VADState:
		return string(protocol.TypeVADState), false
	case protocol.ProcessedAudio:
		return string(protocol.TypeProcessedAudio), false
	default:
		return "unknown", false
	}
}

func (o *Orchestrator) saveDetectionBestEffort(sessionID string, det emotion.Detection) {
	if o.history == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), historySaveTimeout)
		defer cancel()
		if err := o.history.SaveDetection(ctx, sessionID, det); err != nil {
			o.metrics.SessionEvents.WithLabelValues("history_save_failed").Inc()
		}
	}()
}

// speaker owns one TTS engine per connection and serializes Speak
// lifecycles behind it.
type speaker struct {
	o         *Orchestrator
	sessionID string
	engine    *tts.Engine
	player    tts.Player
	outbound  chan<- any

	mu        sync.Mutex
	speakedAt time.Time
	firstSeen bool
	wg        sync.WaitGroup
}

func newSpeaker(o *Orchestrator, sessionID string, engine *emotion.Engine, outbound chan<- any) *speaker {
	sp := &speaker{o: o, sessionID: sessionID, outbound: outbound}
	sp.player = o.newPlayer()
	sp.engine = tts.NewEngine(o.cfg.TTS, o.primary, o.fallback, sp.player, engine.CurrentAdaptation)
	sp.engine.OnChunk = sp.onChunk
	return sp
}

func (sp *speaker) speak(ctx context.Context, utteranceID, text string) error {
	sp.mu.Lock()
	if sp.engine.State().State != tts.StateIdle && sp.engine.State().State != tts.StateComplete {
		sp.mu.Unlock()
		return tts.ErrBusy
	}
	sp.speakedAt = time.Now()
	sp.firstSeen = false
	sp.mu.Unlock()

	sp.wg.Add(1)
	go func() {
		defer sp.wg.Done()
		err := sp.engine.Speak(ctx, text)
		switch {
		case err == nil:
			sp.o.sendSystem(sp.outbound, sp.sessionID, "speak_complete", utteranceID)
		case errors.Is(err, tts.ErrInterrupted):
			sp.o.sendSystem(sp.outbound, sp.sessionID, "speak_interrupted", utteranceID)
		case errors.Is(err, tts.ErrBusy):
			sp.o.send(sp.outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sp.sessionID,
				Code:      "speak_rejected",
				Source:    "tts",
				Retryable: true,
				Detail:    err.Error(),
			})
		case errors.Is(err, context.Canceled):
		default:
			sp.o.send(sp.outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sp.sessionID,
				Code:      "speak_failed",
				Source:    "tts",
				Retryable: true,
				Detail:    err.Error(),
			})
		}
	}()
	return nil
}

func (sp *speaker) onChunk(c tts.Chunk) {
	if c.Status == tts.ChunkPlaying {
		sp.mu.Lock()
		if !sp.firstSeen && !sp.speakedAt.IsZero() {
			sp.firstSeen = true
			latency := time.Since(sp.speakedAt)
			sp.o.metrics.ObserveFirstAudioLatency(latency)
			sp.o.stages.Observe("speak_first_audio", float64(latency.Microseconds())/1000)
			if slo := sp.o.cfg.FirstAudioSLO; slo > 0 && latency > slo {
				sp.o.stages.ObserveIndicator("first_audio_slo_breach")
			}
		}
		sp.mu.Unlock()
	}
	if c.Status == tts.ChunkReady {
		if c.Fallback {
			sp.o.metrics.SynthFallbacks.Inc()
		}
		if c.LoadTime > 0 {
			sp.o.metrics.ObserveChunkLoad(c.LoadTime)
			sp.o.stages.Observe("chunk_load", float64(c.LoadTime.Microseconds())/1000)
		}
	}
	st := sp.engine.State()
	sp.o.send(sp.outbound, protocol.TTSChunkProgress{
		Type:        protocol.TypeTTSChunkProgress,
		SessionID:   sp.sessionID,
		ChunkID:     c.ID,
		TotalChunks: st.TotalChunks,
		Status:      string(c.Status),
		Fallback:    c.Fallback,
		Network:     string(st.Network),
		TSMs:        time.Now().UnixMilli(),
	})
}

func (sp *speaker) stop() {
	sp.engine.Stop()
	sp.wg.Wait()
	_ = sp.player.Close()
}
