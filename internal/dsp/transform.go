package dsp

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Transform converts a real sample block to and from a magnitude/phase
// spectrum. Implementations must be deterministic and allocation-light;
// the suppressor calls Forward/Inverse once per frame on the hot path.
type Transform interface {
	// Forward returns per-bin magnitude and phase for Size()/2+1 bins.
	Forward(samples []float64) (mag, phase []float64)
	// Inverse reconstructs Size() samples from magnitude and phase.
	Inverse(mag, phase []float64) []float64
	Size() int
}

// FFT is a Transform backed by gonum's real-input FFT.
type FFT struct {
	n     int
	fft   *fourier.FFT
	coeff []complex128
	seq   []float64
}

func NewFFT(size int) *FFT {
	return &FFT{
		n:     size,
		fft:   fourier.NewFFT(size),
		coeff: make([]complex128, size/2+1),
		seq:   make([]float64, size),
	}
}

func (f *FFT) Size() int { return f.n }

func (f *FFT) Forward(samples []float64) (mag, phase []float64) {
	f.fft.Coefficients(f.coeff, samples)
	mag = make([]float64, len(f.coeff))
	phase = make([]float64, len(f.coeff))
	for i, c := range f.coeff {
		mag[i] = math.Hypot(real(c), imag(c))
		phase[i] = math.Atan2(imag(c), real(c))
	}
	return mag, phase
}

func (f *FFT) Inverse(mag, phase []float64) []float64 {
	for i := range f.coeff {
		f.coeff[i] = complex(mag[i]*math.Cos(phase[i]), mag[i]*math.Sin(phase[i]))
	}
	f.fft.Sequence(f.seq, f.coeff)
	// gonum's transform pair is unnormalized.
	out := make([]float64, f.n)
	inv := 1 / float64(f.n)
	for i, v := range f.seq {
		out[i] = v * inv
	}
	return out
}

// HannWindow returns the length-n Hann window.
func HannWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
