package engine

import (
	"runtime"
	"sync/atomic"
)

// seqlock is the audio→render publication mechanism. The writer (audio
// thread) bumps the generation to odd before mutating shared state and back
// to even after; the reader copies state and retries if the generation
// moved or was odd mid-read. The audio callback never blocks on the reader.
type seqlock struct {
	gen atomic.Uint64
}

func (s *seqlock) beginWrite() { s.gen.Add(1) }
func (s *seqlock) endWrite()   { s.gen.Add(1) }

// readBegin spins until the generation is even, then returns it.
func (s *seqlock) readBegin() uint64 {
	for {
		g := s.gen.Load()
		if g&1 == 0 {
			return g
		}
		runtime.Gosched()
	}
}

// readRetry reports whether a read that started at generation g must be
// retried.
func (s *seqlock) readRetry(g uint64) bool {
	return s.gen.Load() != g
}

// Snapshot is one coherent view of the pipeline, taken at a single audio
// generation. All fields describe the same logical "now".
type Snapshot struct {
	// Generation is the seqlock generation the snapshot was taken at.
	// It is even and non-decreasing across successive snapshots.
	Generation uint64

	// SampleIndex is the signal ring's absolute write count: the number of
	// samples processed so far, one past the most recent sample's index.
	SampleIndex uint64

	// Signal and Bass are arena-order copies of the PCM rings;
	// SignalWrite/BassWrite are the next write slots, matching the
	// {size, write_index, data[]} shape the shaders read.
	Signal      []float32
	SignalWrite int32
	Bass        []float32
	BassWrite   int32

	// BassEnergy is the current short-term bass energy; CumulativeBassEnergy
	// integrates bass energy over the session in energy-seconds.
	BassEnergy           float64
	CumulativeBassEnergy float64

	// RealBeats counts every beat emitted since start.
	RealBeats uint64

	// PeriodSamples and Phase describe the tempo grid; BPMConfidence is
	// the tracker's confidence in it.
	PeriodSamples float64
	Phase         float64
	BPMConfidence float64

	// Degraded is set while the capture device is lost.
	Degraded bool
}

// ensure sizes the snapshot's buffers for the engine's rings.
func (s *Snapshot) ensure(signal, bass int) {
	if len(s.Signal) != signal {
		s.Signal = make([]float32, signal)
	}
	if len(s.Bass) != bass {
		s.Bass = make([]float32, bass)
	}
}

// Snapshot fills s with a coherent copy of the pipeline state. It retries
// while the audio thread is mid-block, so the caller always observes a
// single generation: is-beat bookkeeping, tempo state, and ring contents
// from the same audio tick. Reuse one Snapshot across frames to avoid
// per-frame allocation.
func (e *Engine) Snapshot(s *Snapshot) {
	s.ensure(e.signal.Cap(), e.bass.Cap())
	for {
		g := e.seq.readBegin()

		s.SampleIndex = e.signal.LatestIndex()
		s.SignalWrite = int32(e.signal.Snapshot(s.Signal))
		s.BassWrite = int32(e.bass.Snapshot(s.Bass))
		s.BassEnergy = e.energy.Energy()
		s.CumulativeBassEnergy = e.cumEnergy
		s.RealBeats = e.beatCount
		s.PeriodSamples = e.tracker.Period()
		s.Phase = e.tracker.Phase()
		s.BPMConfidence = e.tracker.Confidence()
		s.Degraded = e.degraded

		if !e.seq.readRetry(g) {
			s.Generation = g
			return
		}
	}
}

// GridPosition locates an absolute sample index on the snapshot's tempo
// grid: whole beats since the reference phase, and the fraction (0..1)
// toward the next beat. The render thread uses this rather than touching
// the tracker.
func (s *Snapshot) GridPosition(sample uint64) (beatIndex int64, fract float64) {
	rel := (float64(sample) - s.Phase) / s.PeriodSamples
	f := int64(rel)
	if rel < 0 && float64(f) != rel {
		f--
	}
	return f, rel - float64(f)
}

// RecentSignal copies the most recent len(dst) signal samples into dst in
// chronological order. len(dst) must not exceed the ring capacity.
func (s *Snapshot) RecentSignal(dst []float32) {
	recent(s.Signal, int(s.SignalWrite), dst)
}

// RecentBass copies the most recent len(dst) bass samples into dst in
// chronological order.
func (s *Snapshot) RecentBass(dst []float32) {
	recent(s.Bass, int(s.BassWrite), dst)
}

// recent unrolls the tail of an arena-order ring copy ending at writeIndex.
func recent(arena []float32, writeIndex int, dst []float32) {
	n := len(arena)
	start := ((writeIndex-len(dst))%n + n) % n
	first := copy(dst, arena[start:])
	if first < len(dst) {
		copy(dst[first:], arena[:len(dst)-first])
	}
}

// BPMPeriodSeconds returns the snapshot's beat period in seconds.
func (s *Snapshot) BPMPeriodSeconds(sampleRate int) float64 {
	return s.PeriodSamples / float64(sampleRate)
}
