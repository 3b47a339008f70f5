package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smarchetti/sona/internal/config"
	"github.com/smarchetti/sona/internal/emotion"
	"github.com/smarchetti/sona/internal/httpapi"
	"github.com/smarchetti/sona/internal/observability"
	"github.com/smarchetti/sona/internal/session"
	"github.com/smarchetti/sona/internal/tts"
	"github.com/smarchetti/sona/internal/voice"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Metrics      *observability.Metrics
	Stages       *observability.StageWindow

	// Cleanup should be called on shutdown to release external
	// resources (DB connections and the like).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(256)

	var history emotion.HistoryStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		store, err := emotion.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("emotion history init failed: %w", err)
		}
		history = store
	}

	primary, fallback := buildSynthesizers(cfg)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})
	sessions.StartJanitor(ctx, 30*time.Second)

	orchestrator := voice.NewOrchestrator(
		sessions,
		metrics,
		stages,
		history,
		primary,
		fallback,
		newPlayer,
		orchestratorConfig(cfg),
	)

	api := httpapi.New(cfg, sessions, orchestrator, metrics)

	cleanup := func() error {
		if history != nil {
			history.Close()
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Stages:       stages,
		Cleanup:      cleanup,
	}, nil
}

// buildSynthesizers picks the network backend when one is configured
// and keeps the on-device renderer as the per-chunk fallback. Without
// an endpoint the local renderer serves both roles.
func buildSynthesizers(cfg config.Config) (primary, fallback tts.Synthesizer) {
	local := &tts.LocalSynthesizer{SampleRate: cfg.SampleRate}
	if strings.TrimSpace(cfg.TTSEndpoint) == "" {
		return local, local
	}
	return tts.NewHTTPSynthesizer(cfg.TTSEndpoint, cfg.TTSTimeout), local
}

func orchestratorConfig(cfg config.Config) voice.Config {
	vc := voice.DefaultConfig()
	vc.SampleRate = cfg.SampleRate
	vc.FrameSize = cfg.FrameSize
	vc.EmitProcessedAudio = cfg.EmitProcessedAudio
	vc.DefaultCalibration = cfg.CalibrationWindow
	vc.FirstAudioSLO = cfg.FirstAudioSLO

	vc.Pipeline.SampleRate = cfg.SampleRate
	vc.Pipeline.FrameSize = cfg.FrameSize
	vc.Pipeline.Strength = cfg.SuppressionStrength
	vc.Pipeline.ClarityBoost = cfg.ClarityBoost
	vc.Pipeline.WarmthBoost = cfg.WarmthBoost

	vc.VAD.SampleRate = cfg.SampleRate
	vc.VAD.FrameSize = cfg.FrameSize
	vc.VAD.ProbabilityThreshold = cfg.VADThreshold
	vc.VAD.SpeechPadStart = cfg.VADPadStart
	vc.VAD.MinSpeechDuration = cfg.VADMinSpeech
	vc.VAD.MaxSilenceDuration = cfg.VADMaxSilence

	vc.Emotion.SampleRate = cfg.SampleRate
	vc.Emotion.FrameSize = cfg.FrameSize
	vc.Emotion.AnalysisInterval = cfg.EmotionTick
	vc.Emotion.ConfidenceThreshold = cfg.EmotionConfidence

	vc.TTS.PreBufferChunks = cfg.TTSPreBuffer
	vc.TTS.Language = cfg.TTSLanguage
	vc.TTS.VoiceStyle = cfg.TTSVoiceStyle

	return vc
}
