package voice

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/smarchetti/sona/internal/audio"
	"github.com/smarchetti/sona/internal/observability"
	"github.com/smarchetti/sona/internal/protocol"
	"github.com/smarchetti/sona/internal/session"
	"github.com/smarchetti/sona/internal/tts"
)

type stubSynth struct {
	delay time.Duration
	fail  bool
}

func (s *stubSynth) Synthesize(ctx context.Context, _ tts.Request) ([]byte, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail {
		return nil, fmt.Errorf("synth unavailable")
	}
	return []byte("audio"), nil
}

type connHarness struct {
	o        *Orchestrator
	sessions *session.Manager
	sess     *session.Session
	player   *tts.MockPlayer
	stages   *observability.StageWindow
	inbound  chan any
	outbound chan any
	done     chan error
	cancel   context.CancelFunc
}

func newConnHarness(t *testing.T, primary, fallback tts.Synthesizer) *connHarness {
	return newConnHarnessCfg(t, primary, fallback, nil)
}

func newConnHarnessCfg(t *testing.T, primary, fallback tts.Synthesizer, tune func(*Config)) *connHarness {
	t.Helper()

	metrics := observability.NewMetrics(fmt.Sprintf("sona_test_voice_%d", time.Now().UnixNano()))
	stages := observability.NewStageWindow(64)
	sessions := session.NewManager(time.Minute)

	player := tts.NewMockPlayer()
	player.TimeScale = 1000

	cfg := DefaultConfig()
	cfg.TTS.PollInterval = 2 * time.Millisecond
	if tune != nil {
		tune(&cfg)
	}

	o := NewOrchestrator(sessions, metrics, stages, nil, primary, fallback,
		func() tts.Player { return player }, cfg)

	h := &connHarness{
		o:        o,
		sessions: sessions,
		sess:     sessions.Create("u1", "warm", "en"),
		player:   player,
		stages:   stages,
		inbound:  make(chan any, 32),
		outbound: make(chan any, 512),
		done:     make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.done <- o.RunConnection(ctx, h.sess, h.inbound, h.outbound)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func (h *connHarness) close(t *testing.T) error {
	t.Helper()
	close(h.inbound)
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("RunConnection did not return after inbound close")
		return nil
	}
}

// waitFor drains outbound until pred accepts a message or the deadline hits.
func (h *connHarness) waitFor(t *testing.T, timeout time.Duration, pred func(any) bool) any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-h.outbound:
			if pred(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("no matching outbound message within %s", timeout)
			return nil
		}
	}
}

func audioChunkMsg(sessionID string, seq, samples int) protocol.ClientAudioChunk {
	buf := make([]float64, samples)
	for i := range buf {
		buf[i] = 0.5 * math.Sin(2*math.Pi*250*float64(i)/16000)
	}
	return protocol.ClientAudioChunk{
		Type:        protocol.TypeClientAudioChunk,
		SessionID:   sessionID,
		Seq:         seq,
		PCM16Base64: base64.StdEncoding.EncodeToString(audio.EncodePCM16LE(buf)),
		SampleRate:  16000,
		TSMs:        time.Now().UnixMilli(),
	}
}

func TestRunConnectionEmitsProcessedAudio(t *testing.T) {
	h := newConnHarness(t, &stubSynth{}, &stubSynth{})

	h.inbound <- audioChunkMsg(h.sess.ID, 1, 512)

	msg := h.waitFor(t, time.Second, func(m any) bool {
		_, ok := m.(protocol.ProcessedAudio)
		return ok
	})
	pa := msg.(protocol.ProcessedAudio)
	if pa.SessionID != h.sess.ID {
		t.Fatalf("SessionID = %q, want %q", pa.SessionID, h.sess.ID)
	}
	if pa.SampleRate != 16000 {
		t.Fatalf("SampleRate = %d, want 16000", pa.SampleRate)
	}
	raw, err := base64.StdEncoding.DecodeString(pa.PCM16Base64)
	if err != nil {
		t.Fatalf("decode processed audio: %v", err)
	}
	if len(raw) != 512*2 {
		t.Fatalf("processed audio bytes = %d, want %d", len(raw), 512*2)
	}

	if err := h.close(t); err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
}

func TestRunConnectionSpeechDetection(t *testing.T) {
	h := newConnHarness(t, &stubSynth{}, &stubSynth{})

	// 10 voiced frames is 320ms, past the pad and minimum duration.
	for i := 0; i < 10; i++ {
		h.inbound <- audioChunkMsg(h.sess.ID, i, 512)
	}

	msg := h.waitFor(t, 2*time.Second, func(m any) bool {
		st, ok := m.(protocol.VADState)
		return ok && st.Phase == "speaking"
	})
	st := msg.(protocol.VADState)
	if st.SessionID != h.sess.ID {
		t.Fatalf("SessionID = %q, want %q", st.SessionID, h.sess.ID)
	}
}

func TestRunConnectionEmitsEmotionState(t *testing.T) {
	h := newConnHarnessCfg(t, &stubSynth{}, &stubSynth{}, func(cfg *Config) {
		cfg.Emotion.AnalysisInterval = 20 * time.Millisecond
		cfg.Emotion.ConfidenceThreshold = 0.05
		cfg.Emotion.BaselineSamples = 5
	})

	// Keep voiced frames flowing so the classifier sees audio across
	// several analysis ticks.
	stop := make(chan struct{})
	go func() {
		seq := 0
		for {
			select {
			case <-stop:
				return
			case h.inbound <- audioChunkMsg(h.sess.ID, seq, 512):
				seq++
				time.Sleep(2 * time.Millisecond)
			}
		}
	}()
	defer close(stop)

	msg := h.waitFor(t, 3*time.Second, func(m any) bool {
		_, ok := m.(protocol.EmotionState)
		return ok
	})
	st := msg.(protocol.EmotionState)
	if st.SessionID != h.sess.ID {
		t.Fatalf("SessionID = %q, want %q", st.SessionID, h.sess.ID)
	}
	if st.Primary == "" {
		t.Fatalf("emotion state has no primary emotion: %+v", st)
	}
	if st.Confidence < 0.05 {
		t.Fatalf("confidence = %v, want >= threshold", st.Confidence)
	}
	if st.Tone == "" {
		t.Fatalf("emotion state has no tone: %+v", st)
	}
}

func TestRunConnectionSpeakLifecycle(t *testing.T) {
	h := newConnHarness(t, &stubSynth{}, &stubSynth{})

	h.inbound <- protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: h.sess.ID,
		Action:    protocol.ActionSpeak,
		Text:      "Hello. How are you today?",
	}

	sawProgress := false
	h.waitFor(t, 3*time.Second, func(m any) bool {
		switch ev := m.(type) {
		case protocol.TTSChunkProgress:
			sawProgress = true
			return false
		case protocol.SystemEvent:
			return ev.Code == "speak_complete"
		default:
			return false
		}
	})
	if !sawProgress {
		t.Fatalf("expected tts_chunk_progress before speak_complete")
	}
}

func TestRunConnectionFlagsSlowFirstAudio(t *testing.T) {
	h := newConnHarnessCfg(t, &stubSynth{delay: 10 * time.Millisecond}, &stubSynth{}, func(cfg *Config) {
		cfg.FirstAudioSLO = time.Nanosecond
	})

	h.inbound <- protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: h.sess.ID,
		Action:    protocol.ActionSpeak,
		Text:      "Hello there.",
	}
	h.waitFor(t, 3*time.Second, func(m any) bool {
		ev, ok := m.(protocol.SystemEvent)
		return ok && ev.Code == "speak_complete"
	})

	snap := h.stages.Snapshot()
	var breaches int
	for _, ind := range snap.Indicators {
		if ind.Name == "first_audio_slo_breach" {
			breaches = ind.Count
		}
	}
	if breaches != 1 {
		t.Fatalf("first_audio_slo_breach count = %d, want 1", breaches)
	}

	var sawChunkLoad bool
	for _, st := range snap.Stages {
		if st.Stage == "chunk_load" {
			sawChunkLoad = true
		}
	}
	if !sawChunkLoad {
		t.Fatal("no chunk_load stage recorded after a completed speak")
	}
}

func TestRunConnectionRejectsConcurrentSpeak(t *testing.T) {
	h := newConnHarness(t, &stubSynth{delay: 200 * time.Millisecond}, &stubSynth{})

	speak := func(text string) protocol.ClientControl {
		return protocol.ClientControl{
			Type:      protocol.TypeClientControl,
			SessionID: h.sess.ID,
			Action:    protocol.ActionSpeak,
			Text:      text,
		}
	}
	h.inbound <- speak("First sentence that takes a while to load.")
	time.Sleep(20 * time.Millisecond)
	h.inbound <- speak("Second request.")

	msg := h.waitFor(t, 2*time.Second, func(m any) bool {
		ev, ok := m.(protocol.ErrorEvent)
		return ok && ev.Code == "speak_rejected"
	})
	ev := msg.(protocol.ErrorEvent)
	if !ev.Retryable {
		t.Fatalf("speak_rejected should be retryable")
	}
}

func TestRunConnectionStopSpeaking(t *testing.T) {
	h := newConnHarness(t, &stubSynth{delay: 50 * time.Millisecond}, &stubSynth{})

	h.inbound <- protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: h.sess.ID,
		Action:    protocol.ActionSpeak,
		Text:      "A long utterance. With many sentences. That keeps going. And going.",
	}
	time.Sleep(20 * time.Millisecond)
	h.inbound <- protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: h.sess.ID,
		Action:    protocol.ActionStopSpeaking,
	}

	h.waitFor(t, 2*time.Second, func(m any) bool {
		ev, ok := m.(protocol.SystemEvent)
		return ok && (ev.Code == "playback_stopped" || ev.Code == "speak_interrupted")
	})
}

func TestRunConnectionCalibrateAndReset(t *testing.T) {
	h := newConnHarness(t, &stubSynth{}, &stubSynth{})

	h.inbound <- protocol.ClientControl{
		Type:       protocol.TypeClientControl,
		SessionID:  h.sess.ID,
		Action:     protocol.ActionCalibrateNoise,
		DurationMs: 320,
	}
	h.waitFor(t, time.Second, func(m any) bool {
		ev, ok := m.(protocol.SystemEvent)
		return ok && ev.Code == "calibration_started"
	})

	h.inbound <- protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: h.sess.ID,
		Action:    protocol.ActionResetNoiseProfile,
	}
	h.waitFor(t, time.Second, func(m any) bool {
		ev, ok := m.(protocol.SystemEvent)
		return ok && ev.Code == "noise_profile_reset"
	})
}

func TestRunConnectionSetVolume(t *testing.T) {
	h := newConnHarness(t, &stubSynth{}, &stubSynth{})

	vol := 0.4
	h.inbound <- protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: h.sess.ID,
		Action:    protocol.ActionSetVolume,
		Volume:    &vol,
	}

	deadline := time.Now().Add(time.Second)
	for h.player.Volume() != 0.4 {
		if time.Now().After(deadline) {
			t.Fatalf("player volume = %v, want 0.4", h.player.Volume())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOutboundMessageMeta(t *testing.T) {
	if _, critical := outboundMessageMeta(protocol.ErrorEvent{}); !critical {
		t.Fatalf("error events must be critical")
	}
	if _, critical := outboundMessageMeta(protocol.ProcessedAudio{}); critical {
		t.Fatalf("processed audio must be droppable")
	}
	name, _ := outboundMessageMeta(protocol.VADState{})
	if name != string(protocol.TypeVADState) {
		t.Fatalf("meta name = %q, want %q", name, protocol.TypeVADState)
	}
}
