package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice pipeline service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	FirstAudioSLO            time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	SampleRate         int
	FrameSize          int
	EmitProcessedAudio bool

	SuppressionStrength float64
	ClarityBoost        float64
	WarmthBoost         float64
	CalibrationWindow   time.Duration

	VADThreshold  float64
	VADPadStart   time.Duration
	VADMinSpeech  time.Duration
	VADMaxSilence time.Duration

	EmotionTick       time.Duration
	EmotionConfidence float64

	TTSEndpoint   string
	TTSTimeout    time.Duration
	TTSPreBuffer  int
	TTSVoiceStyle string
	TTSLanguage   string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "sona"),
		AllowAnyOrigin:           false,
		SampleRate:               16000,
		FrameSize:                512,
		EmitProcessedAudio:       true,
		SuppressionStrength:      0.5,
		ClarityBoost:             0.3,
		WarmthBoost:              0.2,
		CalibrationWindow:        2 * time.Second,
		VADThreshold:             0.6,
		VADPadStart:              100 * time.Millisecond,
		VADMinSpeech:             200 * time.Millisecond,
		VADMaxSilence:            1500 * time.Millisecond,
		EmotionTick:              500 * time.Millisecond,
		EmotionConfidence:        0.6,
		TTSEndpoint:              trimmedEnv("TTS_HTTP_ENDPOINT"),
		TTSTimeout:               10 * time.Second,
		TTSPreBuffer:             2,
		TTSVoiceStyle:            envOrDefault("TTS_VOICE_STYLE", "warm"),
		TTSLanguage:              envOrDefault("TTS_LANGUAGE", "en"),
		DatabaseURL:              trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		FirstAudioSLO:            700 * time.Millisecond,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.FrameSize, err = intFromEnv("AUDIO_FRAME_SIZE", cfg.FrameSize)
	if err != nil {
		return Config{}, err
	}
	cfg.EmitProcessedAudio, err = boolFromEnv("AUDIO_EMIT_PROCESSED", cfg.EmitProcessedAudio)
	if err != nil {
		return Config{}, err
	}
	cfg.SuppressionStrength, err = floatFromEnv("DSP_SUPPRESSION_STRENGTH", cfg.SuppressionStrength)
	if err != nil {
		return Config{}, err
	}
	cfg.ClarityBoost, err = floatFromEnv("DSP_CLARITY_BOOST", cfg.ClarityBoost)
	if err != nil {
		return Config{}, err
	}
	cfg.WarmthBoost, err = floatFromEnv("DSP_WARMTH_BOOST", cfg.WarmthBoost)
	if err != nil {
		return Config{}, err
	}
	cfg.CalibrationWindow, err = durationFromEnv("DSP_CALIBRATION_WINDOW", cfg.CalibrationWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.VADThreshold, err = floatFromEnv("VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADPadStart, err = durationFromEnv("VAD_PAD_START", cfg.VADPadStart)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMinSpeech, err = durationFromEnv("VAD_MIN_SPEECH", cfg.VADMinSpeech)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMaxSilence, err = durationFromEnv("VAD_MAX_SILENCE", cfg.VADMaxSilence)
	if err != nil {
		return Config{}, err
	}
	cfg.EmotionTick, err = durationFromEnv("EMOTION_TICK", cfg.EmotionTick)
	if err != nil {
		return Config{}, err
	}
	cfg.EmotionConfidence, err = floatFromEnv("EMOTION_CONFIDENCE", cfg.EmotionConfidence)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSTimeout, err = durationFromEnv("TTS_HTTP_TIMEOUT", cfg.TTSTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSPreBuffer, err = intFromEnv("TTS_PRE_BUFFER", cfg.TTSPreBuffer)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if cfg.FrameSize <= 0 || cfg.FrameSize&(cfg.FrameSize-1) != 0 {
		return Config{}, fmt.Errorf("AUDIO_FRAME_SIZE must be a positive power of two")
	}
	if cfg.SuppressionStrength < 0 || cfg.SuppressionStrength > 1 {
		return Config{}, fmt.Errorf("DSP_SUPPRESSION_STRENGTH must be in [0,1]")
	}
	if cfg.VADThreshold <= 0 || cfg.VADThreshold >= 1 {
		return Config{}, fmt.Errorf("VAD_THRESHOLD must be in (0,1)")
	}
	if cfg.EmotionConfidence <= 0 || cfg.EmotionConfidence >= 1 {
		return Config{}, fmt.Errorf("EMOTION_CONFIDENCE must be in (0,1)")
	}
	if cfg.TTSPreBuffer < 1 {
		return Config{}, fmt.Errorf("TTS_PRE_BUFFER must be at least 1")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
