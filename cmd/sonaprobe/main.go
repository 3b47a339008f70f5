package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/smarchetti/sona/internal/audio"
	"github.com/smarchetti/sona/internal/dsp"
	"github.com/smarchetti/sona/internal/pipeline"
	"github.com/smarchetti/sona/internal/vad"
)

// sonaprobe runs the analysis pipeline offline over a WAV file and
// prints what the realtime service would have observed: speech
// segments, feature averages and suppression effect. Useful for tuning
// thresholds against recorded material.

type options struct {
	inPath    string
	outPath   string
	calibrate time.Duration
	strength  float64
	asJSON    bool
}

type segment struct {
	StartMS    int64 `json:"start_ms"`
	DurationMS int64 `json:"duration_ms"`
}

type report struct {
	SampleRate     int       `json:"sample_rate"`
	DurationMS     int64     `json:"duration_ms"`
	Frames         int       `json:"frames"`
	Segments       []segment `json:"segments"`
	VoicedFrames   int       `json:"voiced_frames"`
	MeanEnergy     float64   `json:"mean_energy"`
	MeanPitchHz    float64   `json:"mean_pitch_hz"`
	MeanReduction  float64   `json:"mean_reduction"`
	NoiseFloor     float64   `json:"noise_floor"`
	CalibratedWith int64     `json:"calibrated_with_ms,omitempty"`
}

func main() {
	var opts options
	flag.StringVar(&opts.inPath, "in", "", "input WAV file (PCM16 mono)")
	flag.StringVar(&opts.outPath, "out", "", "optional processed output WAV")
	flag.DurationVar(&opts.calibrate, "calibrate", 0, "treat the leading window as noise and calibrate suppression with it")
	flag.Float64Var(&opts.strength, "strength", 0.5, "suppression strength, 0..1")
	flag.BoolVar(&opts.asJSON, "json", false, "emit the report as JSON")
	flag.Parse()

	if opts.inPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	samples, sampleRate, err := readWAV(opts.inPath)
	if err != nil {
		log.Fatalf("read %s: %v", opts.inPath, err)
	}

	rep, processed, err := analyze(samples, sampleRate, opts)
	if err != nil {
		log.Fatalf("analyze: %v", err)
	}

	if opts.outPath != "" {
		if err := writeWAV(opts.outPath, processed, sampleRate); err != nil {
			log.Fatalf("write %s: %v", opts.outPath, err)
		}
	}

	if opts.asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			log.Fatalf("encode report: %v", err)
		}
		return
	}
	printReport(rep)
}

func readWAV(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels != 1 {
		return nil, 0, fmt.Errorf("expected mono PCM input")
	}

	scale := float64(int(1) << (buf.SourceBitDepth - 1))
	samples := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float64(v) / scale
	}
	return samples, buf.Format.SampleRate, nil
}

func writeWAV(path string, samples []float64, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		buf.Data[i] = int(s * 32767)
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

func analyze(samples []float64, sampleRate int, opts options) (report, []float64, error) {
	const frameSize = 512

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.SampleRate = sampleRate
	pipeCfg.FrameSize = frameSize
	pipeCfg.Strength = opts.strength
	proc, err := pipeline.NewProcessor(pipeCfg)
	if err != nil {
		return report{}, nil, err
	}
	defer proc.Stop()

	vadCfg := vad.DefaultConfig()
	vadCfg.SampleRate = sampleRate
	vadCfg.FrameSize = frameSize
	detector := vad.NewDetector(vadCfg)

	extractor := dsp.NewExtractor(dsp.ExtractorConfig{
		SampleRate: sampleRate,
		FrameSize:  frameSize,
	})

	frameDur := time.Duration(float64(frameSize) / float64(sampleRate) * float64(time.Second))

	var segments []segment
	var segStart time.Duration
	var elapsed time.Duration
	detector.OnSpeechStart = func() {
		segStart = elapsed
	}
	detector.OnSpeechEnd = func(dur time.Duration) {
		start := segStart
		if pad := elapsed - dur; pad > start {
			start = pad
		}
		segments = append(segments, segment{
			StartMS:    start.Milliseconds(),
			DurationMS: dur.Milliseconds(),
		})
	}

	if opts.calibrate > 0 {
		proc.Calibrate(opts.calibrate)
	}

	rep := report{
		SampleRate:     sampleRate,
		DurationMS:     time.Duration(float64(len(samples)) / float64(sampleRate) * float64(time.Second)).Milliseconds(),
		CalibratedWith: opts.calibrate.Milliseconds(),
	}

	var processed []float64
	var energySum, pitchSum, reductionSum float64
	var pitchCount, reductionCount int

	for off := 0; off+frameSize <= len(samples); off += frameSize {
		frame := audio.Frame{
			Samples:    samples[off : off+frameSize],
			SampleRate: sampleRate,
		}
		rep.Frames++
		elapsed += frameDur

		st := detector.ProcessFrame(frame)
		if st.IsSpeaking {
			rep.VoicedFrames++
		}

		f := extractor.Analyze(frame)
		energySum += f.Energy
		if f.Pitch > 0 {
			pitchSum += f.Pitch
			pitchCount++
		}

		for _, out := range proc.ProcessFrame(frame) {
			processed = append(processed, out.Samples...)
		}
	drain:
		for {
			select {
			case stat := <-proc.Stats():
				reductionSum += stat.NoiseReduction
				reductionCount++
			default:
				break drain
			}
		}
	}

	if rep.Frames > 0 {
		rep.MeanEnergy = energySum / float64(rep.Frames)
	}
	if pitchCount > 0 {
		rep.MeanPitchHz = pitchSum / float64(pitchCount)
	}
	if reductionCount > 0 {
		rep.MeanReduction = reductionSum / float64(reductionCount)
	}
	// A segment still open at end of input never saw its silence
	// release; report it up to the last frame.
	if st := detector.State(); st.IsSpeaking {
		segments = append(segments, segment{
			StartMS:    segStart.Milliseconds(),
			DurationMS: (elapsed - segStart).Milliseconds(),
		})
	}
	rep.Segments = segments
	rep.NoiseFloor = detector.State().NoiseFloor
	return rep, processed, nil
}

func printReport(rep report) {
	fmt.Printf("sample rate:    %d Hz\n", rep.SampleRate)
	fmt.Printf("duration:       %d ms (%d frames)\n", rep.DurationMS, rep.Frames)
	fmt.Printf("voiced frames:  %d\n", rep.VoicedFrames)
	fmt.Printf("mean energy:    %.4f\n", rep.MeanEnergy)
	if rep.MeanPitchHz > 0 {
		fmt.Printf("mean pitch:     %.1f Hz\n", rep.MeanPitchHz)
	}
	fmt.Printf("noise floor:    %.4f\n", rep.NoiseFloor)
	if rep.CalibratedWith > 0 {
		fmt.Printf("mean reduction: %.1f%%\n", rep.MeanReduction*100)
	}
	if len(rep.Segments) == 0 {
		fmt.Println("speech:         none detected")
		return
	}
	fmt.Printf("speech:         %d segment(s)\n", len(rep.Segments))
	for i, seg := range rep.Segments {
		fmt.Printf("  %2d. %6dms + %dms\n", i+1, seg.StartMS, seg.DurationMS)
	}
}
