// Package spectrum computes the per-frame DFT snapshots handed to the
// shaders: Hann-windowed magnitude spectra of the most recent signal and
// bass samples.
package spectrum

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analyzer computes magnitude spectra over a fixed window size. It owns its
// scratch buffers, so Transform performs no allocation; one Analyzer serves
// one caller.
type Analyzer struct {
	size      int
	fft       *fourier.FFT
	window    []float64
	windowSum float64
	scratch   []float64
	coeffs    []complex128
}

// New creates an analyzer for the given window size, which must be a power
// of two of at least 256 samples.
func New(size int) (*Analyzer, error) {
	if size < 256 || size&(size-1) != 0 {
		return nil, fmt.Errorf("spectrum: window size %d must be a power of two >= 256", size)
	}

	a := &Analyzer{
		size:    size,
		fft:     fourier.NewFFT(size),
		window:  make([]float64, size),
		scratch: make([]float64, size),
		coeffs:  make([]complex128, size/2+1),
	}
	for i := range a.window {
		a.window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
		a.windowSum += a.window[i]
	}
	return a, nil
}

// Size returns the window size in samples.
func (a *Analyzer) Size() int {
	return a.size
}

// Bins returns the number of magnitude bins Transform produces: size/2 + 1.
func (a *Analyzer) Bins() int {
	return a.size/2 + 1
}

// Transform computes linear magnitudes of src, the most recent Size()
// samples in chronological order, into dst, which must be Bins() long.
// Magnitudes are normalised so a full-scale sine at a bin centre reads 1.0.
func (a *Analyzer) Transform(src []float32, dst []float32) {
	if len(src) != a.size || len(dst) != a.Bins() {
		panic(fmt.Sprintf("spectrum: Transform(%d -> %d), want (%d -> %d)", len(src), len(dst), a.size, a.Bins()))
	}
	for i, s := range src {
		a.scratch[i] = float64(s) * a.window[i]
	}
	a.fft.Coefficients(a.coeffs, a.scratch)

	// A real sine of amplitude A contributes A·windowSum/2 to its bin.
	scale := 2 / a.windowSum
	for i, c := range a.coeffs {
		dst[i] = float32(scale * math.Hypot(real(c), imag(c)))
	}
}
