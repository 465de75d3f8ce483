// Package dsp provides the streaming signal-conditioning primitives for the
// analysis pipeline: ring buffers, decay normalisation, biquad filtering, and
// windowed energy tracking. Everything here runs on the audio thread's hot
// path, so no function in this package allocates after construction.
package dsp

import "fmt"

// Ring is a fixed-capacity circular buffer of samples with a monotonic write
// index. Reads are by "samples ago" (0 = most recently appended). The buffer
// is zero-filled at construction, so offsets that predate the first real
// sample read silence.
type Ring struct {
	data  []float32
	mask  uint64
	write uint64 // absolute count of samples ever appended
}

// NewRing creates a ring holding the most recent capacity samples.
// Capacity is rounded up to the next power of two so that offset arithmetic
// is a mask rather than a modulo.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic(fmt.Sprintf("dsp: ring capacity must be positive, got %d", capacity))
	}
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Ring{
		data: make([]float32, n),
		mask: uint64(n - 1),
	}
}

// Append adds a sample, overwriting the oldest retained sample.
func (r *Ring) Append(x float32) {
	r.data[r.write&r.mask] = x
	r.write++
}

// At returns the sample appended samplesAgo appends ago. At(0) is the most
// recent sample. Offsets outside [0, Cap()) are a programming fault.
func (r *Ring) At(samplesAgo int) float32 {
	if samplesAgo < 0 || uint64(samplesAgo) > r.mask {
		panic(fmt.Sprintf("dsp: ring offset %d out of range [0,%d)", samplesAgo, len(r.data)))
	}
	return r.data[(r.write-1-uint64(samplesAgo))&r.mask]
}

// LatestIndex returns the absolute write count: the number of samples ever
// appended. It never decreases.
func (r *Ring) LatestIndex() uint64 {
	return r.write
}

// Cap returns the number of samples the ring retains.
func (r *Ring) Cap() int {
	return len(r.data)
}

// Snapshot copies the raw arena into dst (which must be Cap() long) and
// returns the physical index of the next write slot. Consumers that want the
// arena in storage order, such as a shader reading {size, write_index,
// data[]}, use this rather than At.
func (r *Ring) Snapshot(dst []float32) (writeIndex int) {
	copy(dst, r.data)
	return int(r.write & r.mask)
}
