package dsp

import "math"

// normEpsilon is the smallest peak the normaliser will divide by. It bounds
// the gain applied to silence at 1/normEpsilon.
const normEpsilon = 1e-6

// DecayNormalizer rescales a sample stream so that its short-term absolute
// peak tracks 1.0 regardless of the master volume. The running peak decays
// exponentially between peaks:
//
//	p ← max(|x|, p·d)
//	y = x / max(p, ε)
//
// The decay rate d is chosen so the peak falls to 1/e over the configured
// window. State persists for the life of the session; there is no periodic
// reset, so a loud transient is forgotten at the decay rate and not before.
type DecayNormalizer struct {
	peak  float64
	decay float64
}

// NewDecayNormalizer creates a normaliser whose peak decays to 1/e over
// window seconds at the given sample rate. A window of about one second
// tracks volume-knob changes without pumping on individual bass hits.
func NewDecayNormalizer(sampleRate int, window float64) *DecayNormalizer {
	return &DecayNormalizer{
		decay: math.Exp(-1.0 / (window * float64(sampleRate))),
	}
}

// Step processes one sample. Output amplitude is monotone in input magnitude
// whenever the new peak exceeds the decayed one. A NaN input resets the peak
// and yields silence for that sample.
func (n *DecayNormalizer) Step(x float64) float64 {
	if math.IsNaN(x) {
		n.Reset()
		return 0
	}
	abs := math.Abs(x)
	n.peak *= n.decay
	if abs > n.peak {
		n.peak = abs
	}
	return x / math.Max(n.peak, normEpsilon)
}

// Reset clears the running peak. Used on NaN recovery; never called in
// normal operation.
func (n *DecayNormalizer) Reset() {
	n.peak = 0
}
