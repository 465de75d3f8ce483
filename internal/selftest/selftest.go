// Package selftest plays a synthetic click track through the default audio
// output. With passthrough routing active, the clicks come straight back in
// through the virtual sink's monitor, so the whole capture → detect → track
// path can be verified against a known tempo from the monitor UI or the
// diagnostic stream.
package selftest

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
)

// Options tunes the click track.
type Options struct {
	BPM        float64
	Seconds    float64
	SampleRate int
}

// Run plays the click track and blocks until it finishes.
func Run(opts Options, logger *log.Logger) error {
	if opts.BPM <= 0 {
		return fmt.Errorf("selftest: BPM %g must be positive", opts.BPM)
	}

	ctxOpts := &oto.NewContextOptions{
		SampleRate:   opts.SampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
	}
	ctx, ready, err := oto.NewContext(ctxOpts)
	if err != nil {
		return fmt.Errorf("selftest: open audio output: %w", err)
	}
	<-ready

	gen := newClickReader(opts)
	player := ctx.NewPlayer(gen)
	player.Play()
	logger.Info("playing click track", "bpm", opts.BPM, "seconds", opts.Seconds)

	for player.IsPlaying() {
		time.Sleep(50 * time.Millisecond)
	}
	return player.Close()
}

// clickReader generates the click track as a stream of little-endian
// float32 samples: a three-cycle 80Hz burst on every beat, silence
// between. The same kick shape the analysis tests use, so what the
// detector hears here is what it was tuned on.
type clickReader struct {
	opts     Options
	interval float64 // samples per beat
	burstLen int
	omega    float64
	pos      int // absolute sample position
	total    int
}

func newClickReader(opts Options) *clickReader {
	return &clickReader{
		opts:     opts,
		interval: 60 * float64(opts.SampleRate) / opts.BPM,
		burstLen: int(3 * float64(opts.SampleRate) / 80),
		omega:    2 * math.Pi * 80 / float64(opts.SampleRate),
		total:    int(opts.Seconds * float64(opts.SampleRate)),
	}
}

// Read implements io.Reader for oto.
func (c *clickReader) Read(p []byte) (int, error) {
	if c.pos >= c.total {
		return 0, io.EOF
	}

	n := 0
	for n+4 <= len(p) && c.pos < c.total {
		var sample float64
		beat := int(math.Floor(float64(c.pos) / c.interval))
		offset := c.pos - int(math.Round(float64(beat)*c.interval))
		if offset >= 0 && offset < c.burstLen {
			sample = 0.9 * math.Sin(c.omega*float64(offset))
		}
		binary.LittleEndian.PutUint32(p[n:], math.Float32bits(float32(sample)))
		n += 4
		c.pos++
	}
	return n, nil
}
