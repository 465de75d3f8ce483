package dsp

import (
	"math"
	"testing"
)

const testSampleRate = 44100

// sine generates n samples of a sine wave at freq Hz and the given amplitude.
func sine(t *testing.T, freq, amplitude float64, n int) []float64 {
	t.Helper()
	out := make([]float64, n)
	w := 2 * math.Pi * freq / testSampleRate
	for i := range out {
		out[i] = amplitude * math.Sin(w*float64(i))
	}
	return out
}

func TestDecayNormalizer(t *testing.T) {
	t.Run("steady sinusoid settles near unit amplitude", func(t *testing.T) {
		for _, amplitude := range []float64{0.01, 0.5, 2.0} {
			norm := NewDecayNormalizer(testSampleRate, 1.0)
			in := sine(t, 100, amplitude, 5*testSampleRate)

			var peak float64
			for i, x := range in {
				y := norm.Step(x)
				// Measure only after the normaliser has warmed up.
				if i >= 4*testSampleRate {
					if a := math.Abs(y); a > peak {
						peak = a
					}
				}
			}
			if peak < 0.99 || peak > 1.01 {
				t.Errorf("amplitude %.2f: steady-state output peak = %f, want within [0.99, 1.01]", amplitude, peak)
			}
		}
	})

	t.Run("silence does not divide by zero", func(t *testing.T) {
		norm := NewDecayNormalizer(testSampleRate, 1.0)
		for i := 0; i < 1000; i++ {
			y := norm.Step(0)
			if math.IsNaN(y) || math.IsInf(y, 0) {
				t.Fatalf("sample %d: output %f from silence", i, y)
			}
		}
	})

	t.Run("NaN input resets and yields silence", func(t *testing.T) {
		norm := NewDecayNormalizer(testSampleRate, 1.0)
		norm.Step(0.5)
		if y := norm.Step(math.NaN()); y != 0 {
			t.Errorf("NaN input produced %f, want 0", y)
		}
		// Stream must recover immediately afterwards.
		if y := norm.Step(0.25); math.IsNaN(y) {
			t.Error("output still NaN after reset")
		}
	})
}

// magnitude measures the steady-state gain of filter at freq by comparing
// output RMS to input RMS over the second half of a two-second sweep.
func magnitude(t *testing.T, filter interface{ Step(float64) float64 }, freq float64) float64 {
	t.Helper()
	in := sine(t, freq, 0.5, 2*testSampleRate)
	var inSum, outSum float64
	for i, x := range in {
		y := filter.Step(x)
		if i >= testSampleRate {
			inSum += x * x
			outSum += y * y
		}
	}
	return math.Sqrt(outSum / inSum)
}

func TestBandPass(t *testing.T) {
	t.Run("passes centre and rejects skirts", func(t *testing.T) {
		for _, tc := range []struct {
			freq    float64
			min     float64
			max     float64
		}{
			{100, 0.7, 1.1},
			{20, 0, 0.1},
			{2000, 0, 0.1},
		} {
			bp, err := NewBandPass(100, 1.0, testSampleRate)
			if err != nil {
				t.Fatalf("NewBandPass: %v", err)
			}
			mag := magnitude(t, bp, tc.freq)
			if mag < tc.min || mag > tc.max {
				t.Errorf("magnitude at %.0fHz = %f, want within [%.2f, %.2f]", tc.freq, mag, tc.min, tc.max)
			}
		}
	})
}

func TestBiquad(t *testing.T) {
	t.Run("notch rejects its centre frequency", func(t *testing.T) {
		notch, err := NewBiquad(BiquadNotch, 50, 2.0, testSampleRate)
		if err != nil {
			t.Fatalf("NewBiquad: %v", err)
		}
		if mag := magnitude(t, notch, 50); mag > 0.1 {
			t.Errorf("notch magnitude at 50Hz = %f, want <= 0.1", mag)
		}
	})

	t.Run("notch passes the bass band", func(t *testing.T) {
		notch, err := NewBiquad(BiquadNotch, 50, 2.0, testSampleRate)
		if err != nil {
			t.Fatalf("NewBiquad: %v", err)
		}
		if mag := magnitude(t, notch, 150); mag < 0.9 {
			t.Errorf("notch magnitude at 150Hz = %f, want >= 0.9", mag)
		}
	})

	t.Run("reconfigure clears delay registers", func(t *testing.T) {
		f, err := NewBiquad(BiquadBandPass, 100, 1.0, testSampleRate)
		if err != nil {
			t.Fatalf("NewBiquad: %v", err)
		}
		for _, x := range sine(t, 100, 1.0, 1000) {
			f.Step(x)
		}
		if err := f.Configure(BiquadBandPass, 120, 1.0, testSampleRate); err != nil {
			t.Fatalf("Configure: %v", err)
		}
		if f.z1 != 0 || f.z2 != 0 {
			t.Errorf("delay registers (%f, %f) not cleared by Configure", f.z1, f.z2)
		}
	})

	t.Run("rejects bad parameters", func(t *testing.T) {
		if _, err := NewBiquad(BiquadBandPass, 0, 1.0, testSampleRate); err == nil {
			t.Error("zero centre frequency accepted")
		}
		if _, err := NewBiquad(BiquadBandPass, 30000, 1.0, testSampleRate); err == nil {
			t.Error("centre above Nyquist accepted")
		}
		if _, err := NewBiquad(BiquadBandPass, 100, 0, testSampleRate); err == nil {
			t.Error("zero Q accepted")
		}
	})

	t.Run("NaN clears state without propagating", func(t *testing.T) {
		f, err := NewBiquad(BiquadBandPass, 100, 1.0, testSampleRate)
		if err != nil {
			t.Fatalf("NewBiquad: %v", err)
		}
		f.Step(0.5)
		if y := f.Step(math.NaN()); y != 0 {
			t.Errorf("NaN input produced %f, want 0", y)
		}
		for _, x := range sine(t, 100, 1.0, 100) {
			if y := f.Step(x); math.IsNaN(y) {
				t.Fatal("NaN persisted in filter state after reset")
			}
		}
	})
}

func TestEnergyWindow(t *testing.T) {
	t.Run("constant input converges to its square", func(t *testing.T) {
		const w = 1102 // ~25ms at 44.1kHz
		const v = 0.3
		e := NewEnergyWindow(w)
		var got float64
		for i := 0; i < w; i++ {
			got = e.Step(v)
		}
		if math.Abs(got-v*v) > 1e-9 {
			t.Errorf("energy after %d copies of %f = %g, want %g", w, v, got, v*v)
		}
	})

	t.Run("idempotent under repeated same-value input", func(t *testing.T) {
		const w = 64
		e := NewEnergyWindow(w)
		for i := 0; i < w; i++ {
			e.Step(0.5)
		}
		first := e.Energy()
		for i := 0; i < 10*w; i++ {
			e.Step(0.5)
		}
		if math.Abs(e.Energy()-first) > 1e-12 {
			t.Errorf("energy drifted from %g to %g under constant input", first, e.Energy())
		}
	})

	t.Run("output is non-negative", func(t *testing.T) {
		e := NewEnergyWindow(32)
		for _, x := range sine(t, 100, 1.0, 500) {
			if got := e.Step(x); got < 0 {
				t.Fatalf("negative energy %g", got)
			}
		}
	})
}

func TestMovingAverage(t *testing.T) {
	t.Run("partial window averages what it has", func(t *testing.T) {
		m := NewMovingAverage(10)
		m.Step(1)
		m.Step(3)
		if got := m.Avg(); got != 2 {
			t.Errorf("Avg after two samples = %f, want 2", got)
		}
	})

	t.Run("full window evicts oldest", func(t *testing.T) {
		m := NewMovingAverage(2)
		m.Step(1)
		m.Step(2)
		m.Step(10)
		if got := m.Avg(); got != 6 {
			t.Errorf("Avg = %f, want 6", got)
		}
	})

	t.Run("running sum does not drift over long streams", func(t *testing.T) {
		// Alternating large and small magnitudes is the worst case for
		// the incremental sum; the periodic re-sum keeps it honest.
		m := NewMovingAverage(100)
		for i := 0; i < 1_000_000; i++ {
			if i%2 == 0 {
				m.Step(1e8)
			} else {
				m.Step(1e-8)
			}
		}
		want := (50*1e8 + 50*1e-8) / 100
		if rel := math.Abs(m.Avg()-want) / want; rel > 1e-9 {
			t.Errorf("relative drift %g after 1M samples", rel)
		}
	})
}
