package beat

import (
	"math"

	"github.com/linuxmatters/bassline/internal/dsp"
)

// TrackerConfig tunes the tempo tracker. Start from DefaultTrackerConfig.
type TrackerConfig struct {
	SampleRate int

	// MinBPM and MaxBPM bound the candidate tempo. Inter-beat intervals
	// outside the band are discarded before the mode is taken, which is
	// what prevents half- and double-tempo locks.
	MinBPM int
	MaxBPM int

	// HistorySeconds is how much beat history the ring retains.
	HistorySeconds float64

	// MinBeats is the number of retained beats required before any
	// estimate is attempted.
	MinBeats int

	// EvalInterval is how many beats pass between full re-evaluations of
	// the (period, phase) pair. Between evaluations only the phase is
	// refined.
	EvalInterval int

	// ErrorWindow is the number of recent |period − interval| residuals
	// averaged into the confidence figure.
	ErrorWindow int

	// ResidualUnit converts residuals from samples into the unit the
	// confidence formula saturates at. Beat timestamps are quantised to
	// the detector's energy hop, so residuals are measured in hops: a
	// perfectly steady train then scores below one unit of error and
	// full confidence, instead of being punished for quantisation.
	ResidualUnit float64

	// GradientSteps and GradientRate control the phase refinement loop.
	GradientSteps int
	GradientRate  float64

	// DefaultBPM seeds the grid before the first lock.
	DefaultBPM float64
}

// DefaultTrackerConfig returns the production tuning: a 110–160 BPM band
// with a 20-second beat ring.
func DefaultTrackerConfig(sampleRate int) TrackerConfig {
	return TrackerConfig{
		SampleRate:     sampleRate,
		MinBPM:         110,
		MaxBPM:         160,
		HistorySeconds: 20,
		MinBeats:       5,
		EvalInterval:   4,
		ErrorWindow:    15,
		GradientSteps:  8,
		GradientRate:   0.5,
		ResidualUnit:   256, // the default energy hop
		DefaultBPM:     128,
	}
}

// Tracker estimates the tempo grid, a floating-point period in samples and
// a phase anchored to an absolute sample index, from the stream of beat
// events. It is owned by the audio thread; the render side sees its outputs
// only through the frame snapshot.
type Tracker struct {
	cfg    TrackerConfig
	cutoff uint64 // history horizon in samples

	beats []uint64 // retained beat indices, oldest first

	period float64 // samples per beat
	phase  float64 // absolute sample index of a reference grid beat

	residuals *dsp.MovingAverage // |period − observed interval|
	locked    bool               // a candidate has been adopted at least once

	beatsSinceEval int
	deviantRun     int // consecutive intervals far off the current period
}

// NewTracker creates a tracker seeded at the default tempo with phase at
// sample zero and full confidence (no residuals observed yet).
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.ResidualUnit <= 0 {
		cfg.ResidualUnit = 1
	}
	return &Tracker{
		cfg:       cfg,
		cutoff:    uint64(cfg.HistorySeconds * float64(cfg.SampleRate)),
		beats:     make([]uint64, 0, cfg.MaxBPM/3), // ≥ 20s of beats at MaxBPM
		period:    60 * float64(cfg.SampleRate) / cfg.DefaultBPM,
		phase:     0,
		residuals: dsp.NewMovingAverage(cfg.ErrorWindow),
	}
}

// OnBeat feeds a detected beat at absolute sample index i into the tracker.
// Beats must arrive in strictly increasing index order.
func (t *Tracker) OnBeat(i uint64) {
	var interval float64
	if n := len(t.beats); n > 0 {
		interval = float64(i - t.beats[n-1])
	}

	t.beats = append(t.beats, i)
	t.evict(i)

	if interval > 0 {
		t.trackDeviance(interval)
	}

	if len(t.beats) >= t.cfg.MinBeats {
		t.beatsSinceEval++
		forced := t.rescueTempoChange()
		if forced || t.beatsSinceEval >= t.cfg.EvalInterval {
			t.evaluate()
			t.beatsSinceEval = 0
		} else {
			// Between evaluations, keep the phase glued to the
			// incoming beats so drift accumulates in the residuals
			// rather than in the grid.
			t.refinePhase()
		}
	}

	// The residual is measured against the period as it stands after any
	// re-evaluation this beat triggered, and only once a grid has been
	// adopted: before the first lock there is no estimate to be wrong
	// about. Intervals several periods long are dropouts, not tempo
	// evidence.
	if t.locked && interval > 0 && interval <= 4*t.period {
		t.residuals.Step(math.Abs(t.period-interval) / t.cfg.ResidualUnit)
	}
}

// evict drops beats older than the history horizon.
func (t *Tracker) evict(now uint64) {
	if now < t.cutoff {
		return
	}
	oldest := now - t.cutoff
	keep := 0
	for keep < len(t.beats) && t.beats[keep] < oldest {
		keep++
	}
	if keep > 0 {
		t.beats = append(t.beats[:0], t.beats[keep:]...)
	}
}

// trackDeviance maintains the run length of consecutive intervals that
// disagree with the current grid by more than 10%.
func (t *Tracker) trackDeviance(interval float64) {
	if interval <= 4*t.period && math.Abs(interval-t.period) > 0.1*t.period {
		t.deviantRun++
	} else {
		t.deviantRun = 0
	}
}

// rescueTempoChange handles a genuine tempo jump, which the 20-second ring
// would otherwise outvote for many beats: once MinBeats-1 consecutive
// intervals disagree with the grid by more than 10%, the history is cut
// down to just those beats and a full evaluation is forced, so the mode is
// taken over the new tempo only.
func (t *Tracker) rescueTempoChange() bool {
	if t.deviantRun < t.cfg.MinBeats-1 {
		return false
	}
	tail := t.deviantRun + 1
	if tail < len(t.beats) {
		t.beats = append(t.beats[:0], t.beats[len(t.beats)-tail:]...)
	}
	t.deviantRun = 0
	return true
}

// candidatePeriod proposes a period from the mode of integer BPMs over the
// retained inter-beat intervals. Intervals outside the BPM band are
// discarded. Returns 0 if no interval survives. Ties go to the lower BPM,
// biasing against double-tempo flips.
func (t *Tracker) candidatePeriod() float64 {
	counts := make(map[int]int, t.cfg.MaxBPM-t.cfg.MinBPM+1)
	sr := float64(t.cfg.SampleRate)
	for k := 1; k < len(t.beats); k++ {
		interval := float64(t.beats[k] - t.beats[k-1])
		if interval <= 0 {
			continue
		}
		bpm := int(math.Round(60 * sr / interval))
		if bpm < t.cfg.MinBPM || bpm > t.cfg.MaxBPM {
			continue
		}
		counts[bpm]++
	}

	best, bestCount := 0, 0
	for bpm, c := range counts {
		if c > bestCount || (c == bestCount && bpm < best) {
			best, bestCount = bpm, c
		}
	}
	if best == 0 {
		return 0
	}
	return 60 * sr / float64(best)
}

// gridResidual returns how far beat b sits from its nearest grid point on
// the (period, phase) grid, in samples, in [-period/2, period/2).
func gridResidual(b, period, phase float64) float64 {
	r := math.Mod(b-phase, period)
	if r < -period/2 {
		r += period
	} else if r >= period/2 {
		r -= period
	}
	return r
}

// gridError is the mean squared residual of the retained beats against the
// grid.
func (t *Tracker) gridError(period, phase float64) float64 {
	var sum float64
	for _, b := range t.beats {
		r := gridResidual(float64(b), period, phase)
		sum += r * r
	}
	return sum / float64(len(t.beats))
}

// bestPhase returns the phase minimising gridError for a fixed period. The
// closed form is the mean residual relative to an anchor at the latest
// beat; it is exact as long as the residuals do not straddle the ±period/2
// wrap, which holds for any usable candidate.
func (t *Tracker) bestPhase(period float64) float64 {
	anchor := float64(t.beats[len(t.beats)-1])
	var sum float64
	for _, b := range t.beats {
		sum += gridResidual(float64(b), period, anchor)
	}
	return anchor + sum/float64(len(t.beats))
}

// evaluate compares the candidate (period, best-fit phase) against the
// current pair by grid error and adopts it only when strictly better;
// otherwise the current phase is refined by gradient descent. Either way
// the phase is then renormalised to the grid point nearest the most recent
// beat, which keeps it "the most recently confirmed grid origin".
func (t *Tracker) evaluate() {
	current := t.gridError(t.period, t.phase)

	if cand := t.candidatePeriod(); cand > 0 {
		candPhase := t.bestPhase(cand)
		if t.gridError(cand, candPhase) < current {
			// Residuals accumulated against a different grid say
			// nothing about the new one.
			if math.Abs(cand-t.period) > 0.01*t.period {
				t.residuals.Reset()
			}
			t.period = cand
			t.phase = candPhase
			t.locked = true
		} else {
			t.refinePhase()
		}
	} else {
		t.refinePhase()
	}

	t.renormalisePhase()
}

// refinePhase runs a few steps of gradient descent on the phase against the
// quadratic grid error. The gradient of the mean squared residual with
// respect to phase is −2·mean(residual), so each step moves the phase a
// fraction of the mean residual.
func (t *Tracker) refinePhase() {
	if len(t.beats) == 0 {
		return
	}
	for s := 0; s < t.cfg.GradientSteps; s++ {
		var sum float64
		for _, b := range t.beats {
			sum += gridResidual(float64(b), t.period, t.phase)
		}
		mean := sum / float64(len(t.beats))
		t.phase += t.cfg.GradientRate * mean
		if math.Abs(mean) < 1e-3 {
			break
		}
	}
}

// renormalisePhase slides the phase by whole periods onto the grid point
// nearest the latest beat.
func (t *Tracker) renormalisePhase() {
	if len(t.beats) == 0 {
		return
	}
	latest := float64(t.beats[len(t.beats)-1])
	t.phase += math.Round((latest-t.phase)/t.period) * t.period
}

// Period returns the current period in samples per beat.
func (t *Tracker) Period() float64 {
	return t.period
}

// PeriodSeconds returns the current period in seconds.
func (t *Tracker) PeriodSeconds() float64 {
	return t.period / float64(t.cfg.SampleRate)
}

// BPM returns the current tempo estimate in beats per minute.
func (t *Tracker) BPM() float64 {
	return 60 * float64(t.cfg.SampleRate) / t.period
}

// Phase returns the absolute sample index of the reference grid beat.
func (t *Tracker) Phase() float64 {
	return t.phase
}

// Confidence is the tempo confidence in (0, 1]: the reciprocal of the
// rolling mean |period − interval| residual, saturating at 1 when recent
// intervals match the period to within one residual unit. With no residuals
// observed it reports 1.
func (t *Tracker) Confidence() float64 {
	return 1 / math.Max(1, t.residuals.Avg())
}

// BeatConfidence scales the tempo confidence down by the distance from now
// to the nearest grid point, in samples.
func (t *Tracker) BeatConfidence(now uint64) float64 {
	dist := math.Abs(gridResidual(float64(now), t.period, t.phase))
	return t.Confidence() / math.Max(1, dist)
}

// PhaseError returns the distance from now to the nearest grid point, in
// samples. Exposed for the diagnostic stream.
func (t *Tracker) PhaseError(now uint64) float64 {
	return math.Abs(gridResidual(float64(now), t.period, t.phase))
}

// GridPosition locates now on the grid: the number of whole beats since the
// reference phase and the fractional position (0..1) toward the next beat.
func (t *Tracker) GridPosition(now uint64) (beatIndex int64, fract float64) {
	rel := (float64(now) - t.phase) / t.period
	f := math.Floor(rel)
	return int64(f), rel - f
}

// BeatCount returns the number of beats currently retained in the ring.
func (t *Tracker) BeatCount() int {
	return len(t.beats)
}
