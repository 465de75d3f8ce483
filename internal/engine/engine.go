// Package engine assembles the analysis pipeline and owns its hot path: the
// audio thread pushes blocks of mono samples in, and the render thread takes
// coherent snapshots out. The chain, leaves first:
//
//	signal ring → wideband normaliser → hum notch → bass band-pass →
//	bass normaliser → bass ring → energy window → beat detector → tracker
//
// Nothing on the block path allocates or logs; all state is built in New.
package engine

import (
	"fmt"

	"github.com/linuxmatters/bassline/internal/beat"
	"github.com/linuxmatters/bassline/internal/dsp"
)

// Config sizes and tunes the pipeline. Start from DefaultConfig.
type Config struct {
	SampleRate int

	// SignalRing and BassRing are the PCM history capacities, in
	// samples. They bound what the shaders and the DFT can look back on.
	SignalRing int
	BassRing   int

	// NormalizerWindow is the decay window of both normalisers, seconds.
	NormalizerWindow float64

	// BassCentre and BassQ shape the band-pass isolating the bass band.
	BassCentre float64
	BassQ      float64

	// HumFrequency enables a notch at the local mains frequency when
	// non-zero. Mains hum sits inside the bass band on both 50Hz and
	// 60Hz grids, so without the notch a humming ground loop counts as
	// sustained bass.
	HumFrequency float64
	HumQ         float64

	// EnergyWindow is the short-term energy span in samples; EnergyHop
	// is how many samples pass between detector steps. The refractory
	// and moving-average windows in DetectorConfig are measured in hops.
	EnergyWindow int
	EnergyHop    int

	Detector beat.DetectorConfig
	Tracker  beat.TrackerConfig
}

// DefaultConfig returns the production tuning for a 44.1kHz stream.
func DefaultConfig() Config {
	const sampleRate = 44100
	return Config{
		SampleRate:       sampleRate,
		SignalRing:       8192,
		BassRing:         8192,
		NormalizerWindow: 1.0,
		BassCentre:       90,  // geometric centre of the 40–200Hz band
		BassQ:            0.6, // wide enough to cover the band with the two-section cascade
		HumFrequency:     0,   // set from mains detection at startup
		HumQ:             2.0,
		EnergyWindow:     1102, // ~25ms
		EnergyHop:        256,
		Detector:         beat.DefaultDetectorConfig(),
		Tracker:          beat.DefaultTrackerConfig(sampleRate),
	}
}

// DiagnosticSink receives one record per analysis tick. Implementations
// must not block: the hot path calls this.
type DiagnosticSink interface {
	Tick(energy, shortAvg, longAvg float64, isBeat bool, confidence, phaseError float64)
}

// Engine owns every mutable piece of the analysis pipeline. ProcessBlock
// must be called from exactly one goroutine (the audio thread); Snapshot
// may be called concurrently from one other (the render thread).
type Engine struct {
	cfg Config

	signal *dsp.Ring
	bass   *dsp.Ring

	normWide *dsp.DecayNormalizer
	normBass *dsp.DecayNormalizer
	hum      *dsp.Biquad // nil when hum rejection is disabled
	band     *dsp.BandPass
	energy   *dsp.EnergyWindow

	detector *beat.Detector
	tracker  *beat.Tracker

	sinceHop  int
	cumEnergy float64
	beatCount uint64
	degraded  bool

	diag DiagnosticSink // optional

	seq seqlock
}

// New builds the pipeline. Configuration errors, such as a bass centre
// outside the audible range or a non-positive hop, are reported here so the
// hot path never has to check.
func New(cfg Config) (*Engine, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("engine: sample rate %d must be positive", cfg.SampleRate)
	}
	if cfg.EnergyHop <= 0 || cfg.EnergyWindow <= 0 {
		return nil, fmt.Errorf("engine: energy window %d / hop %d must be positive", cfg.EnergyWindow, cfg.EnergyHop)
	}

	if cfg.Tracker.ResidualUnit <= 0 {
		// Beat timestamps are quantised to the energy hop.
		cfg.Tracker.ResidualUnit = float64(cfg.EnergyHop)
	}

	band, err := dsp.NewBandPass(cfg.BassCentre, cfg.BassQ, cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("engine: bass band-pass: %w", err)
	}

	var hum *dsp.Biquad
	if cfg.HumFrequency > 0 {
		hum, err = dsp.NewBiquad(dsp.BiquadNotch, cfg.HumFrequency, cfg.HumQ, cfg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("engine: hum notch: %w", err)
		}
	}

	return &Engine{
		cfg:      cfg,
		signal:   dsp.NewRing(cfg.SignalRing),
		bass:     dsp.NewRing(cfg.BassRing),
		normWide: dsp.NewDecayNormalizer(cfg.SampleRate, cfg.NormalizerWindow),
		normBass: dsp.NewDecayNormalizer(cfg.SampleRate, cfg.NormalizerWindow),
		hum:      hum,
		band:     band,
		energy:   dsp.NewEnergyWindow(cfg.EnergyWindow),
		detector: beat.NewDetector(cfg.Detector),
		tracker:  beat.NewTracker(cfg.Tracker),
	}, nil
}

// SetDiagnostics installs a per-tick sink. Call before processing starts.
func (e *Engine) SetDiagnostics(d DiagnosticSink) {
	e.diag = d
}

// SetDegraded marks the input as lost or restored. The capture layer calls
// this when the device disappears; the flag travels with every snapshot.
func (e *Engine) SetDegraded(degraded bool) {
	e.seq.beginWrite()
	e.degraded = degraded
	e.seq.endWrite()
}

// ProcessBlock runs one block of mono samples through the whole chain.
// Within the block, sample i is fully processed (filtered, energy-updated,
// beat-checked) before sample i+1 begins.
func (e *Engine) ProcessBlock(samples []float32) {
	e.seq.beginWrite()
	for _, raw := range samples {
		if raw != raw {
			// Sanitise NaN at the boundary: the shaders read the
			// raw ring directly.
			raw = 0
		}
		e.signal.Append(raw)

		w := e.normWide.Step(float64(raw))
		if e.hum != nil {
			w = e.hum.Step(w)
		}
		nb := e.normBass.Step(e.band.Step(w))
		e.bass.Append(float32(nb))

		en := e.energy.Step(nb)
		e.cumEnergy += nb * nb / float64(e.cfg.SampleRate)

		e.sinceHop++
		if e.sinceHop >= e.cfg.EnergyHop {
			e.sinceHop = 0
			e.tick(en)
		}
	}
	e.seq.endWrite()
}

// tick runs one detector step at the energy hop rate.
func (e *Engine) tick(energy float64) {
	now := e.signal.LatestIndex()
	confidence := e.tracker.Confidence()

	emitted := e.detector.Step(energy, confidence)
	if emitted {
		e.beatCount++
		e.tracker.OnBeat(now)
	}

	if e.diag != nil {
		e.diag.Tick(energy, e.detector.ShortAvg(), e.detector.LongAvg(),
			emitted, e.tracker.Confidence(), e.tracker.PhaseError(now))
	}
}

// SampleRate returns the configured sample rate.
func (e *Engine) SampleRate() int {
	return e.cfg.SampleRate
}

// BeatCount returns the total number of beats emitted since start. Owned by
// the audio thread; the render thread reads it via Snapshot.
func (e *Engine) BeatCount() uint64 {
	return e.beatCount
}
