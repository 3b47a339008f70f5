package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/smarchetti/sona/internal/config"
)

func TestBuildWithoutExternalBackends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Config{
		BindAddr:                 ":0",
		MetricsNamespace:         fmt.Sprintf("sona_test_app_%d", time.Now().UnixNano()),
		SampleRate:               16000,
		FrameSize:                512,
		SessionInactivityTimeout: 2 * time.Minute,
		CalibrationWindow:        2 * time.Second,
		VADThreshold:             0.6,
		EmotionTick:              500 * time.Millisecond,
		EmotionConfidence:        0.6,
		TTSPreBuffer:             2,
		TTSVoiceStyle:            "warm",
		TTSLanguage:              "en",
	}

	res, err := Build(ctx, cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.API == nil || res.Orchestrator == nil || res.Sessions == nil {
		t.Fatalf("incomplete build result: %+v", res)
	}
	if err := res.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
}
