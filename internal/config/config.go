// Package config holds the user-facing configuration: defaults, an optional
// YAML overlay, and startup validation.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full user-tunable surface. Each field's yaml tag is its key
// in the overlay file.
type Config struct {
	// SampleRate of the capture stream.
	SampleRate int `yaml:"sample_rate"`
	// BlockSize is the capture block in frames.
	BlockSize int `yaml:"block_size"`

	// Passthrough controls audio routing: when true a virtual sink is
	// created and the default output routed through it; when false the
	// user points the capture source at a monitor themselves.
	Passthrough bool `yaml:"passthrough"`
	// Device optionally names the capture device in listen mode.
	Device string `yaml:"device"`

	// Shaders is the ordered list of SPIR-V compute shaders run each
	// frame.
	Shaders []string `yaml:"shaders"`
	// DFTSize is the spectrum window, a power of two.
	DFTSize int `yaml:"dft_size"`

	// BPMMin and BPMMax bound the tempo tracker.
	BPMMin int `yaml:"bpm_min"`
	BPMMax int `yaml:"bpm_max"`

	// NoiseFactor and BeatFactor are the detector thresholds.
	NoiseFactor float64 `yaml:"noise_factor"`
	BeatFactor  float64 `yaml:"beat_factor"`

	// HumRejection enables the mains-frequency notch ahead of the bass
	// band-pass.
	HumRejection bool `yaml:"hum_rejection"`

	// DiagAddr, when set, serves the binary diagnostic stream on this
	// TCP address.
	DiagAddr string `yaml:"diag_addr"`
}

// Default returns the production configuration.
func Default() Config {
	return Config{
		SampleRate:   44100,
		BlockSize:    512,
		Passthrough:  true,
		DFTSize:      2048,
		BPMMin:       110,
		BPMMax:       160,
		NoiseFactor:  2.0,
		BeatFactor:   1.5,
		HumRejection: true,
	}
}

// Load reads a YAML overlay over the defaults. A missing path is not an
// error; a malformed file is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first configuration error, with enough context to
// fix it. Called once at startup; nothing downstream re-checks.
func (c Config) Validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return fmt.Errorf("sample_rate %d outside [8000, 192000]", c.SampleRate)
	}
	if c.BlockSize < 64 || c.BlockSize > 8192 {
		return fmt.Errorf("block_size %d outside [64, 8192]", c.BlockSize)
	}
	if c.DFTSize < 256 || c.DFTSize&(c.DFTSize-1) != 0 {
		return fmt.Errorf("dft_size %d must be a power of two >= 256", c.DFTSize)
	}
	if c.BPMMin < 40 || c.BPMMax > 300 || c.BPMMin >= c.BPMMax {
		return fmt.Errorf("bpm range [%d, %d] must satisfy 40 <= min < max <= 300", c.BPMMin, c.BPMMax)
	}
	if c.BPMMax >= 2*c.BPMMin {
		return fmt.Errorf("bpm range [%d, %d] spans an octave; half/double tempo ambiguity cannot be resolved", c.BPMMin, c.BPMMax)
	}
	if c.NoiseFactor <= 1 {
		return fmt.Errorf("noise_factor %g must exceed 1", c.NoiseFactor)
	}
	if c.BeatFactor <= 1 {
		return fmt.Errorf("beat_factor %g must exceed 1", c.BeatFactor)
	}
	return nil
}
