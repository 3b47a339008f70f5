package audio

import "time"

// Frame is a fixed-length block of normalized mono samples in [-1, 1].
// Frames are owned transiently by whichever stage is processing them and
// are never persisted.
type Frame struct {
	Samples    []float64
	SampleRate int
	Timestamp  time.Time
}

// Duration returns the wall-clock span the frame covers.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || len(f.Samples) == 0 {
		return 0
	}
	return time.Duration(float64(len(f.Samples)) / float64(f.SampleRate) * float64(time.Second))
}

// Clone returns a deep copy. Use before handing a frame to a consumer
// that may outlive the producer's reuse of the sample buffer.
func (f Frame) Clone() Frame {
	out := Frame{
		Samples:    make([]float64, len(f.Samples)),
		SampleRate: f.SampleRate,
		Timestamp:  f.Timestamp,
	}
	copy(out.Samples, f.Samples)
	return out
}
