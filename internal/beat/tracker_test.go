package beat

import (
	"fmt"
	"math"
	"testing"
)

const testSampleRate = 44100

// beatTrain returns count beat indices at the given BPM, starting at start.
// Indices are rounded to the sample grid the way a real detector would
// observe them.
func beatTrain(bpm float64, count int, start uint64) []uint64 {
	interval := 60 * float64(testSampleRate) / bpm
	out := make([]uint64, count)
	for k := range out {
		out[k] = start + uint64(math.Round(float64(k)*interval))
	}
	return out
}

func TestTrackerDefaults(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig(testSampleRate))

	if got := tr.BPM(); got != 128 {
		t.Errorf("default BPM = %f, want 128", got)
	}
	if got := tr.Confidence(); got != 1 {
		t.Errorf("confidence with no residuals = %f, want 1", got)
	}
	if got := tr.BeatCount(); got != 0 {
		t.Errorf("beat count = %d, want 0", got)
	}
}

func TestTrackerLockIn(t *testing.T) {
	for _, bpm := range []float64{120, 128, 140, 150} {
		t.Run(fmt.Sprintf("%gbpm", bpm), func(t *testing.T) {
			tr := NewTracker(DefaultTrackerConfig(testSampleRate))
			for _, b := range beatTrain(bpm, 16, 1000) {
				tr.OnBeat(b)
			}

			if rel := math.Abs(tr.BPM()-bpm) / bpm; rel > 0.01 {
				t.Errorf("BPM %f: estimate %f off by %.2f%%", bpm, tr.BPM(), rel*100)
			}
			if conf := tr.Confidence(); conf < 0.8 {
				t.Errorf("BPM %f: confidence %f after 16 beats, want >= 0.8", bpm, conf)
			}
		})
	}
}

func TestTrackerImpulseTrain(t *testing.T) {
	// Scenario: clicks every 22050 samples (120 BPM at 44.1kHz).
	tr := NewTracker(DefaultTrackerConfig(testSampleRate))
	train := beatTrain(120, 40, 0)
	for i, b := range train {
		tr.OnBeat(b)
		if i >= 7 {
			if p := tr.Period(); p < 22030 || p > 22070 {
				t.Fatalf("beat %d: period %f outside [22030, 22070]", i, p)
			}
		}
	}
	if conf := tr.Confidence(); conf <= 0.9 {
		t.Errorf("confidence %f, want > 0.9", conf)
	}

	// beat_index advances by one per impulse.
	idx1, _ := tr.GridPosition(train[38])
	idx2, _ := tr.GridPosition(train[39])
	if idx2-idx1 != 1 {
		t.Errorf("grid index advanced by %d across one impulse, want 1", idx2-idx1)
	}
}

func TestTrackerSpuriousBeat(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig(testSampleRate))
	train := beatTrain(120, 20, 1000)

	for _, b := range train[:10] {
		tr.OnBeat(b)
	}
	before := tr.Period()

	// One spurious beat roughly midway between two true beats.
	tr.OnBeat(train[9] + 10800)
	for _, b := range train[10:] {
		tr.OnBeat(b)
	}

	if rel := math.Abs(tr.Period()-before) / before; rel > 0.01 {
		t.Errorf("period moved %.2f%% after a single spurious beat", rel*100)
	}
}

func TestTrackerTempoChange(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig(testSampleRate))

	// 10 seconds at 120 BPM.
	first := beatTrain(120, 20, 0)
	for _, b := range first {
		tr.OnBeat(b)
	}

	// Then 140 BPM. Lock must move within 8 beats of the change.
	last := first[len(first)-1]
	second := beatTrain(140, 8, last)[1:]
	for _, b := range second {
		tr.OnBeat(b)
	}

	wantPeriod := 60 * float64(testSampleRate) / 140
	if rel := math.Abs(tr.Period()-wantPeriod) / wantPeriod; rel > 0.02 {
		t.Errorf("period %f is %.2f%% from 140 BPM after 7 beats at the new tempo", tr.Period(), rel*100)
	}
}

func TestTrackerBandRejectsHalfTempo(t *testing.T) {
	// A 60 BPM train maps to intervals outside the [110, 160] band; the
	// tracker must keep its prior rather than lock to a half or double.
	tr := NewTracker(DefaultTrackerConfig(testSampleRate))
	for _, b := range beatTrain(60, 16, 1000) {
		tr.OnBeat(b)
	}
	if got := tr.BPM(); got < 110 || got > 160 {
		t.Errorf("BPM %f escaped the [110, 160] band", got)
	}
}

func TestTrackerEviction(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig(testSampleRate))
	// 40 beats at 120 BPM span ~19.5s; push well past the 20s horizon.
	for _, b := range beatTrain(120, 80, 0) {
		tr.OnBeat(b)
	}
	maxRetained := int(20*120/60) + 2
	if got := tr.BeatCount(); got > maxRetained {
		t.Errorf("ring retains %d beats, want <= %d (20s horizon)", got, maxRetained)
	}
}

func TestTrackerGridPosition(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig(testSampleRate))
	train := beatTrain(120, 16, 0)
	for _, b := range train {
		tr.OnBeat(b)
	}

	now := uint64(float64(train[len(train)-1]) + 1.5*tr.Period())
	idx, fract := tr.GridPosition(now)
	if idx != 1 {
		t.Errorf("beat index = %d, want 1", idx)
	}
	if math.Abs(fract-0.5) > 0.05 {
		t.Errorf("beat fraction = %f, want ~0.5", fract)
	}

	// Beat confidence decays with distance from the grid.
	onGrid := tr.BeatConfidence(train[len(train)-1])
	offGrid := tr.BeatConfidence(now)
	if offGrid >= onGrid {
		t.Errorf("confidence off-grid (%f) >= on-grid (%f)", offGrid, onGrid)
	}
}
