package engine

import (
	"math"
	"testing"
)

const testSampleRate = 44100

// feedSamples pushes samples through the engine in capture-sized blocks.
func feedSamples(t *testing.T, e *Engine, samples []float32) {
	t.Helper()
	const block = 512
	for i := 0; i < len(samples); i += block {
		end := i + block
		if end > len(samples) {
			end = len(samples)
		}
		e.ProcessBlock(samples[i:end])
	}
}

// sineWave generates seconds of a sine at freq Hz.
func sineWave(freq, amplitude float64, seconds float64) []float32 {
	n := int(seconds * testSampleRate)
	out := make([]float32, n)
	w := 2 * math.Pi * freq / testSampleRate
	for i := range out {
		out[i] = float32(amplitude * math.Sin(w*float64(i)))
	}
	return out
}

// clickTrain generates seconds of audio with a short bass burst (three
// cycles at 80Hz) every beat at the given BPM, silence between.
func clickTrain(bpm float64, amplitude float64, seconds float64) []float32 {
	n := int(seconds * testSampleRate)
	out := make([]float32, n)
	interval := 60 * testSampleRate / bpm
	burstLen := int(3 * testSampleRate / 80)
	w := 2 * math.Pi * 80 / testSampleRate
	for k := 0; ; k++ {
		start := int(math.Round(float64(k) * interval))
		if start >= n {
			break
		}
		for j := 0; j < burstLen && start+j < n; j++ {
			out[start+j] = float32(amplitude * math.Sin(w*float64(j)))
		}
	}
	return out
}

// lcgNoise generates deterministic uniform noise in [-amplitude, amplitude].
func lcgNoise(amplitude float64, seconds float64) []float32 {
	n := int(seconds * testSampleRate)
	out := make([]float32, n)
	state := uint32(12345)
	for i := range out {
		state = state*1664525 + 1013904223
		out[i] = float32(amplitude * ((float64(state)/float64(0xFFFFFFFF))*2 - 1))
	}
	return out
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestEngineSilence(t *testing.T) {
	e := newTestEngine(t)
	feedSamples(t, e, make([]float32, 10*testSampleRate))

	var s Snapshot
	e.Snapshot(&s)

	if s.RealBeats != 0 {
		t.Errorf("silence emitted %d beats", s.RealBeats)
	}
	if s.BPMConfidence != 1 {
		t.Errorf("confidence = %f on silence, want 1", s.BPMConfidence)
	}
	wantPeriod := 60 * float64(testSampleRate) / 128
	if s.PeriodSamples != wantPeriod {
		t.Errorf("period = %f, want default %f", s.PeriodSamples, wantPeriod)
	}
	if s.BassEnergy != 0 {
		t.Errorf("bass energy = %f on silence", s.BassEnergy)
	}
}

func TestEnginePureTone(t *testing.T) {
	// A sustained 100Hz sine has bass energy but no transients: energy
	// settles quickly and no beats fire after warm-up.
	e := newTestEngine(t)

	feedSamples(t, e, sineWave(100, 0.5, 0.2))
	var early Snapshot
	e.Snapshot(&early)
	if early.BassEnergy <= 0 {
		t.Fatalf("bass energy %f after 0.2s of tone, want positive", early.BassEnergy)
	}

	feedSamples(t, e, sineWave(100, 0.5, 4.8))
	var late Snapshot
	e.Snapshot(&late)

	if late.RealBeats != 0 {
		t.Errorf("steady tone emitted %d beats", late.RealBeats)
	}
	// The normalisers hold the tone near unit amplitude, so energy sits
	// in the same region throughout.
	if ratio := late.BassEnergy / early.BassEnergy; ratio < 0.5 || ratio > 2 {
		t.Errorf("energy moved from %f to %f after settling", early.BassEnergy, late.BassEnergy)
	}
	if late.CumulativeBassEnergy <= 0 {
		t.Error("cumulative bass energy did not integrate")
	}
}

func TestEngineImpulseTrain(t *testing.T) {
	// Scenario: a click every 22050 samples is 120 BPM.
	e := newTestEngine(t)
	feedSamples(t, e, clickTrain(120, 1.0, 20))

	var s Snapshot
	e.Snapshot(&s)

	if s.RealBeats < 35 || s.RealBeats > 41 {
		t.Errorf("got %d beats from ~40 clicks", s.RealBeats)
	}
	if s.PeriodSamples < 22030 || s.PeriodSamples > 22070 {
		t.Errorf("period = %f, want within [22030, 22070]", s.PeriodSamples)
	}
	if s.BPMConfidence <= 0.9 {
		t.Errorf("confidence = %f, want > 0.9", s.BPMConfidence)
	}

	// Beat index advances by one per impulse.
	click := uint64(30 * 22050)
	idx1, _ := s.GridPosition(click)
	idx2, _ := s.GridPosition(click + 22050)
	if idx2-idx1 != 1 {
		t.Errorf("grid index advanced by %d across one impulse interval", idx2-idx1)
	}
}

func TestEngineNoiseThenClicks(t *testing.T) {
	// Scenario: 5s of uniform noise, then 10s of a 128 BPM click track.
	e := newTestEngine(t)

	feedSamples(t, e, lcgNoise(0.25, 5))
	var afterNoise Snapshot
	e.Snapshot(&afterNoise)
	// Sustained white noise may yield the odd sporadic beat; anything
	// rhythmic would be a detector fault.
	if afterNoise.RealBeats > 2 {
		t.Errorf("noise segment emitted %d beats", afterNoise.RealBeats)
	}

	feedSamples(t, e, clickTrain(128, 1.0, 10))
	var s Snapshot
	e.Snapshot(&s)

	if s.RealBeats < afterNoise.RealBeats+15 {
		t.Errorf("only %d beats from ~21 clicks", s.RealBeats-afterNoise.RealBeats)
	}
	gotBPM := 60 * float64(testSampleRate) / s.PeriodSamples
	if rel := math.Abs(gotBPM-128) / 128; rel > 0.01 {
		t.Errorf("locked to %f BPM, want within 1%% of 128", gotBPM)
	}
}

func TestEngineSnapshotConsistency(t *testing.T) {
	e := newTestEngine(t)
	feedSamples(t, e, clickTrain(120, 1.0, 5))

	var s Snapshot
	e.Snapshot(&s)

	if s.Generation%2 != 0 {
		t.Errorf("snapshot taken at odd generation %d", s.Generation)
	}
	if len(s.Signal) != 8192 || len(s.Bass) != 8192 {
		t.Errorf("ring copies sized %d/%d, want 8192", len(s.Signal), len(s.Bass))
	}
	if s.SampleIndex != 5*testSampleRate {
		t.Errorf("sample index = %d, want %d", s.SampleIndex, 5*testSampleRate)
	}

	// Successive snapshots observe non-decreasing generations and
	// counters while the audio side keeps running.
	prev := s
	for i := 0; i < 20; i++ {
		feedSamples(t, e, clickTrain(120, 1.0, 0.1))
		var next Snapshot
		e.Snapshot(&next)
		if next.Generation < prev.Generation {
			t.Fatalf("generation went backwards: %d -> %d", prev.Generation, next.Generation)
		}
		if next.SampleIndex < prev.SampleIndex || next.RealBeats < prev.RealBeats {
			t.Fatal("snapshot counters went backwards")
		}
		prev = next
	}
}

func TestEngineDegraded(t *testing.T) {
	e := newTestEngine(t)
	feedSamples(t, e, clickTrain(120, 1.0, 2))

	e.SetDegraded(true)
	// Device loss feeds zeros: detection quiesces, nothing crashes.
	before := e.BeatCount()
	feedSamples(t, e, make([]float32, 2*testSampleRate))
	if e.BeatCount() != before {
		t.Errorf("beats emitted from zero input after device loss")
	}

	var s Snapshot
	e.Snapshot(&s)
	if !s.Degraded {
		t.Error("snapshot does not carry the degraded flag")
	}

	e.SetDegraded(false)
	var s2 Snapshot
	e.Snapshot(&s2)
	if s2.Degraded {
		t.Error("degraded flag stuck after recovery")
	}
}

func TestEngineNaNRecovery(t *testing.T) {
	e := newTestEngine(t)
	feedSamples(t, e, clickTrain(120, 1.0, 2))

	// A NaN anywhere in the input must not propagate or crash; the
	// affected stages reset locally and processing continues.
	poisoned := []float32{0.1, float32(math.NaN()), 0.1, 0.2}
	e.ProcessBlock(poisoned)

	feedSamples(t, e, clickTrain(120, 1.0, 2))
	var s Snapshot
	e.Snapshot(&s)

	if math.IsNaN(s.BassEnergy) || math.IsNaN(s.CumulativeBassEnergy) {
		t.Error("NaN escaped into the snapshot")
	}
	for i, v := range s.Bass {
		if math.IsNaN(float64(v)) {
			t.Fatalf("NaN at bass ring index %d", i)
		}
	}
}
