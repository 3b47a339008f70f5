package tts

import (
	"testing"
	"time"
)

func TestQualityWindowClassification(t *testing.T) {
	var w qualityWindow

	if got := w.network(); got != QualityGood {
		t.Fatalf("empty window = %v, want good", got)
	}

	for i := 0; i < 10; i++ {
		w.record(100 * time.Millisecond)
	}
	if got := w.network(); got != QualityGood {
		t.Fatalf("fast loads = %v, want good", got)
	}
	if got := w.synthesis(); got != SynthesisHigh {
		t.Fatalf("synthesis quality = %v, want high", got)
	}

	for i := 0; i < 10; i++ {
		w.record(500 * time.Millisecond)
	}
	if got := w.network(); got != QualityModerate {
		t.Fatalf("moderate loads = %v, want moderate", got)
	}
	if got := w.synthesis(); got != SynthesisMedium {
		t.Fatalf("synthesis quality = %v, want medium", got)
	}

	for i := 0; i < 10; i++ {
		w.record(2 * time.Second)
	}
	if got := w.network(); got != QualityPoor {
		t.Fatalf("slow loads = %v, want poor", got)
	}
	if got := w.synthesis(); got != SynthesisLow {
		t.Fatalf("synthesis quality = %v, want low", got)
	}
}

func TestQualityWindowSlides(t *testing.T) {
	var w qualityWindow
	for i := 0; i < 10; i++ {
		w.record(2 * time.Second)
	}
	// Ten fresh fast samples push every slow one out.
	for i := 0; i < 10; i++ {
		w.record(50 * time.Millisecond)
	}
	if got := w.network(); got != QualityGood {
		t.Fatalf("window after recovery = %v, want good", got)
	}
}

func TestQualityWindowBoundaries(t *testing.T) {
	var w qualityWindow
	w.record(299 * time.Millisecond)
	if got := w.network(); got != QualityGood {
		t.Fatalf("299ms avg = %v, want good", got)
	}
	w.reset()
	w.record(300 * time.Millisecond)
	if got := w.network(); got != QualityModerate {
		t.Fatalf("300ms avg = %v, want moderate", got)
	}
	w.reset()
	w.record(800 * time.Millisecond)
	if got := w.network(); got != QualityPoor {
		t.Fatalf("800ms avg = %v, want poor", got)
	}
}
