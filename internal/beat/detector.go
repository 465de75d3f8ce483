// Package beat turns a bass-energy curve into discrete beat events and a
// stable tempo estimate. The Detector decides *that* a beat happened; the
// Tracker decides *when* beats happen in general (the period and phase of
// the underlying grid) and feeds its confidence back into the Detector's
// thresholds.
package beat

import (
	"math"

	"github.com/linuxmatters/bassline/internal/dsp"
)

// Event is a detected beat: the absolute sample index at which it was
// declared, and the tracker's confidence that it lies on the current grid.
type Event struct {
	Index      uint64
	Confidence float64
}

// DetectorConfig tunes the beat detector. The zero value is not usable;
// start from DefaultDetectorConfig.
type DetectorConfig struct {
	// NoiseFactor is how far above the long-term average the energy must
	// rise to count as signal at all.
	NoiseFactor float64
	// BeatFactor is how far the short average must exceed the medium
	// average for the curve to be eligible for a beat.
	BeatFactor float64
	// Refractory is the minimum number of energy samples between
	// emissions.
	Refractory int
	// ShortWindow, MediumWindow, LongWindow are the three moving-average
	// lengths, in energy samples.
	ShortWindow  int
	MediumWindow int
	LongWindow   int
	// ConfidenceRelief is the maximum reduction applied to NoiseFactor
	// and BeatFactor once the tempo is fully locked. A locked grid lets
	// the detector accept softer onsets without opening the gate to
	// noise.
	ConfidenceRelief float64
}

// DefaultDetectorConfig returns the tuning used in production. Window
// lengths are in energy samples (one per hop of 256 PCM samples at
// 44.1kHz): the short window spans ~70ms, the medium ~350ms, and the long
// ~21s of history for the noise gate.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		NoiseFactor:      2.0,
		BeatFactor:       1.5,
		Refractory:       15,
		ShortWindow:      12,
		MediumWindow:     60,
		LongWindow:       3600,
		ConfidenceRelief: 0.2,
	}
}

// Detector emits edge-triggered beat events from a bass-energy stream.
// It is owned by the audio thread and is not safe for concurrent use.
type Detector struct {
	cfg DetectorConfig

	short  *dsp.MovingAverage
	medium *dsp.MovingAverage
	long   *dsp.MovingAverage

	wasHigh   bool
	sinceLast int
}

// NewDetector creates a detector with the given tuning.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{
		cfg:       cfg,
		short:     dsp.NewMovingAverage(cfg.ShortWindow),
		medium:    dsp.NewMovingAverage(cfg.MediumWindow),
		long:      dsp.NewMovingAverage(cfg.LongWindow),
		sinceLast: cfg.Refractory + 1,
	}
}

// Step consumes one energy sample and reports whether a beat was emitted at
// it. tempoConfidence (0..1) relaxes the noise and beat factors by up to
// ConfidenceRelief, so a locked tempo makes detection more permissive.
//
// The beat condition is a conjunction of three tests on the energy curve:
//
//	is_not_noise:  x exceeds the long average by the noise factor
//	is_eligible:   the short average exceeds the medium by the beat factor
//	is_outlier:    x exceeds its own short average
//
// A beat fires on the rising edge of the conjunction, and never within the
// refractory interval of the previous one. Silence keeps every term false;
// sustained noise lifts the long average until is_not_noise fails.
func (d *Detector) Step(x float64, tempoConfidence float64) bool {
	if math.IsNaN(x) {
		// A NaN upstream has already been flattened to zero by the DSP
		// chain, but guard here too: reset the averages and hold the
		// refractory window so recovery cannot emit spurious beats.
		d.Reset()
		return false
	}

	shortAvg := d.short.Step(x)
	mediumAvg := d.medium.Step(x)
	longAvg := d.long.Step(x)

	relief := d.cfg.ConfidenceRelief * clamp(tempoConfidence, 0, 1)
	noiseFactor := d.cfg.NoiseFactor - relief
	beatFactor := d.cfg.BeatFactor - relief

	isNotNoise := x > longAvg*noiseFactor
	isEligible := shortAvg > mediumAvg*beatFactor
	isOutlier := x > shortAvg
	isHigh := isNotNoise && isEligible && isOutlier

	d.sinceLast++
	emitted := !d.wasHigh && isHigh && d.sinceLast > d.cfg.Refractory
	d.wasHigh = isHigh
	if emitted {
		d.sinceLast = 0
	}
	return emitted
}

// ShortAvg returns the current short moving average of the energy curve.
// Exposed for the diagnostic stream.
func (d *Detector) ShortAvg() float64 {
	return d.short.Avg()
}

// LongAvg returns the current long moving average of the energy curve.
// Exposed for the diagnostic stream.
func (d *Detector) LongAvg() float64 {
	return d.long.Avg()
}

// Reset zeroes the moving averages and re-arms the refractory window.
// Called on NaN recovery so the settling transient cannot fire.
func (d *Detector) Reset() {
	d.short.Reset()
	d.medium.Reset()
	d.long.Reset()
	d.wasHigh = false
	d.sinceLast = -d.cfg.Refractory
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
