package spectrum

import (
	"math"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("rejects bad sizes", func(t *testing.T) {
		for _, size := range []int{0, 100, 255, 1000, 3000} {
			if _, err := New(size); err == nil {
				t.Errorf("New(%d) accepted", size)
			}
		}
	})

	t.Run("accepts powers of two", func(t *testing.T) {
		for _, size := range []int{256, 1024, 2048, 4096} {
			a, err := New(size)
			if err != nil {
				t.Fatalf("New(%d): %v", size, err)
			}
			if a.Bins() != size/2+1 {
				t.Errorf("Bins() = %d for size %d", a.Bins(), size)
			}
		}
	})
}

func TestTransform(t *testing.T) {
	const size = 2048
	const sampleRate = 44100

	a, err := New(size)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Run("sine concentrates in its bin", func(t *testing.T) {
		// Pick an exact bin centre so leakage is minimal.
		bin := 32
		freq := float64(bin) * sampleRate / size
		src := make([]float32, size)
		for i := range src {
			src[i] = float32(0.8 * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
		}

		dst := make([]float32, a.Bins())
		a.Transform(src, dst)

		peak := 0
		for i := range dst {
			if dst[i] > dst[peak] {
				peak = i
			}
		}
		if peak != bin {
			t.Errorf("peak at bin %d, want %d", peak, bin)
		}
		if got := float64(dst[bin]); math.Abs(got-0.8) > 0.05 {
			t.Errorf("peak magnitude = %f, want ~0.8", got)
		}
	})

	t.Run("silence transforms to zero", func(t *testing.T) {
		src := make([]float32, size)
		dst := make([]float32, a.Bins())
		a.Transform(src, dst)
		for i, m := range dst {
			if m != 0 {
				t.Fatalf("bin %d = %f for silent input", i, m)
			}
		}
	})

	t.Run("wrong lengths panic", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("short input did not panic")
			}
		}()
		a.Transform(make([]float32, 7), make([]float32, a.Bins()))
	})
}
