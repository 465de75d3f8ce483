package dsp

import (
	"fmt"
	"math"
)

// BiquadKind selects which RBJ cookbook response a Biquad implements.
type BiquadKind int

const (
	// BiquadBandPass is the constant 0 dB peak gain band-pass.
	BiquadBandPass BiquadKind = iota
	// BiquadNotch rejects a narrow band around the centre frequency.
	// Used for mains hum, which sits inside the bass band on both 50Hz
	// and 60Hz grids.
	BiquadNotch
)

// Biquad is a second-order IIR filter in transposed direct form II.
// Coefficients are derived once from centre frequency, Q, and sample rate
// using the RBJ audio cookbook formulas; only the two delay registers mutate
// per sample. The filter is strictly causal.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

// NewBiquad creates a configured filter. Centre frequency must sit below
// Nyquist and Q must be positive.
func NewBiquad(kind BiquadKind, centreHz, q float64, sampleRate int) (*Biquad, error) {
	f := &Biquad{}
	if err := f.Configure(kind, centreHz, q, sampleRate); err != nil {
		return nil, err
	}
	return f, nil
}

// Configure replaces the coefficient set atomically with respect to Step and
// clears the delay registers. Reconfiguring mid-stream therefore restarts the
// filter from rest: the new response rings in from zero state instead of
// carrying stale state over from the old one.
func (f *Biquad) Configure(kind BiquadKind, centreHz, q float64, sampleRate int) error {
	nyquist := float64(sampleRate) / 2
	if centreHz <= 0 || centreHz >= nyquist {
		return fmt.Errorf("dsp: biquad centre %.1fHz outside (0, %.1f)", centreHz, nyquist)
	}
	if q <= 0 {
		return fmt.Errorf("dsp: biquad Q must be positive, got %g", q)
	}

	w0 := 2 * math.Pi * centreHz / float64(sampleRate)
	sin, cos := math.Sincos(w0)
	alpha := sin / (2 * q)

	var b0, b1, b2, a0, a1, a2 float64
	switch kind {
	case BiquadBandPass:
		b0 = alpha
		b1 = 0
		b2 = -alpha
		a0 = 1 + alpha
		a1 = -2 * cos
		a2 = 1 - alpha
	case BiquadNotch:
		b0 = 1
		b1 = -2 * cos
		b2 = 1
		a0 = 1 + alpha
		a1 = -2 * cos
		a2 = 1 - alpha
	default:
		return fmt.Errorf("dsp: unknown biquad kind %d", kind)
	}

	f.b0 = b0 / a0
	f.b1 = b1 / a0
	f.b2 = b2 / a0
	f.a1 = a1 / a0
	f.a2 = a2 / a0
	f.z1 = 0
	f.z2 = 0
	return nil
}

// Step filters one sample. Output at sample n depends only on samples ≤ n
// and the two delay registers. A NaN in the input or the registers clears
// the delay state and yields silence for that sample.
func (f *Biquad) Step(x float64) float64 {
	if math.IsNaN(x) || math.IsNaN(f.z1) || math.IsNaN(f.z2) {
		f.z1 = 0
		f.z2 = 0
		return 0
	}
	y := f.b0*x + f.z1
	f.z1 = f.b1*x - f.a1*y + f.z2
	f.z2 = f.b2*x - f.a2*y
	return y
}
