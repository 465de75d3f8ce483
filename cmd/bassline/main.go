package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"

	"github.com/linuxmatters/bassline/internal/beat"
	"github.com/linuxmatters/bassline/internal/capture"
	"github.com/linuxmatters/bassline/internal/cli"
	"github.com/linuxmatters/bassline/internal/config"
	"github.com/linuxmatters/bassline/internal/diag"
	"github.com/linuxmatters/bassline/internal/engine"
	"github.com/linuxmatters/bassline/internal/mains"
	"github.com/linuxmatters/bassline/internal/pulse"
	"github.com/linuxmatters/bassline/internal/render"
	"github.com/linuxmatters/bassline/internal/selftest"
	"github.com/linuxmatters/bassline/internal/ui"
)

// version is set via ldflags at build time
// Local dev builds: "dev"
// Release builds: git tag (e.g. "0.1.0")
var version = "dev"

// CLI defines the command-line interface
type CLI struct {
	Version bool   `short:"v" help:"Show version information"`
	Debug   bool   `short:"d" help:"Enable debug logging"`
	Config  string `short:"c" help:"YAML config overlay" type:"path"`

	Run      RunCmd      `cmd:"" default:"withargs" help:"Capture audio and render the visualizer"`
	Devices  DevicesCmd  `cmd:"" help:"List capture-capable audio devices"`
	Selftest SelftestCmd `cmd:"" help:"Play a click track to verify the analysis path"`
}

// runContext carries shared state into command Run methods.
type runContext struct {
	cfg    config.Config
	logger *log.Logger
}

func main() {
	cliArgs := &CLI{}
	ctx := kong.Parse(cliArgs,
		kong.Name("bassline"),
		kong.Description("Real-time bass-reactive music visualizer"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.Help(cli.StyledHelpPrinter(kong.HelpOptions{Compact: true})),
	)

	if cliArgs.Version {
		cli.PrintVersion(version)
		os.Exit(0)
	}

	logLevel := log.InfoLevel
	if cliArgs.Debug {
		logLevel = log.DebugLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           logLevel,
		ReportTimestamp: true,
	})

	cfg, err := config.Load(cliArgs.Config)
	if err != nil {
		cli.PrintError(err.Error())
		os.Exit(1)
	}

	if err := ctx.Run(&runContext{cfg: cfg, logger: logger}); err != nil {
		cli.PrintError(err.Error())
		os.Exit(1)
	}
}

// RunCmd is the main capture-and-render loop.
type RunCmd struct {
	Listen   bool     `help:"Capture an existing monitor source instead of creating a virtual sink"`
	Device   string   `help:"Capture device name substring (listen mode)"`
	Monitor  bool     `short:"m" help:"Show the terminal monitor instead of opening a GPU renderer"`
	Shaders  []string `help:"SPIR-V compute shaders dispatched in order each frame" type:"existingfile"`
	DFTSize  int      `help:"Spectrum window size (power of two)" default:"0"`
	BPMMin   int      `help:"Lower edge of the tempo band" default:"0"`
	BPMMax   int      `help:"Upper edge of the tempo band" default:"0"`
	Diag     string   `help:"Serve the binary diagnostic stream on this TCP address"`
	Width    uint32   `help:"Render width" default:"1280"`
	Height   uint32   `help:"Render height" default:"720"`
	FPS      int      `help:"Render frame rate" default:"60"`
}

// merge folds non-default flags over the config file values.
func (r *RunCmd) merge(cfg config.Config) config.Config {
	if r.Listen {
		cfg.Passthrough = false
	}
	if r.Device != "" {
		cfg.Device = r.Device
	}
	if len(r.Shaders) > 0 {
		cfg.Shaders = r.Shaders
	}
	if r.DFTSize != 0 {
		cfg.DFTSize = r.DFTSize
	}
	if r.BPMMin != 0 {
		cfg.BPMMin = r.BPMMin
	}
	if r.BPMMax != 0 {
		cfg.BPMMax = r.BPMMax
	}
	if r.Diag != "" {
		cfg.DiagAddr = r.Diag
	}
	return cfg
}

// Run wires the whole pipeline together and blocks until quit. Routing
// restoration is registered on both the defer path and the signal path, so
// the user's audio configuration survives every way out.
func (r *RunCmd) Run(rc *runContext) error {
	cfg := r.merge(rc.cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !r.Monitor && len(cfg.Shaders) == 0 {
		rc.logger.Info("no shaders configured; falling back to the terminal monitor")
		r.Monitor = true
	}

	eng, err := buildEngine(cfg, rc.logger)
	if err != nil {
		return err
	}

	// Diagnostic stream, if requested.
	if cfg.DiagAddr != "" {
		server, err := diag.Listen(cfg.DiagAddr, rc.logger)
		if err != nil {
			return fmt.Errorf("diagnostic stream: %w", err)
		}
		defer server.Close()
		eng.SetDiagnostics(server)
	}

	// Audio routing. Restore runs deferred and from the signal handler;
	// it is idempotent, so both paths may fire.
	device := cfg.Device
	if cfg.Passthrough {
		routing, err := pulse.Setup(rc.logger)
		if err != nil {
			return err
		}
		defer routing.Restore()
		device = routing.MonitorSource()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			rc.logger.Info("signal received, restoring audio routing", "signal", sig)
			routing.Restore()
			os.Exit(130)
		}()
	}

	// Capture; closed first on the way out so the audio callback is
	// unregistered before anything it feeds is torn down.
	stream, err := capture.Open(capture.Options{
		SampleRate: cfg.SampleRate,
		BlockSize:  cfg.BlockSize,
		Device:     device,
	}, eng, rc.logger)
	if err != nil {
		return err
	}
	defer stream.Close()

	if r.Monitor {
		return runMonitor(eng)
	}
	return runRenderer(r, cfg, eng, rc.logger)
}

// buildEngine maps the user configuration onto the pipeline configuration.
func buildEngine(cfg config.Config, logger *log.Logger) (*engine.Engine, error) {
	engCfg := engine.DefaultConfig()
	engCfg.SampleRate = cfg.SampleRate
	engCfg.Detector.NoiseFactor = cfg.NoiseFactor
	engCfg.Detector.BeatFactor = cfg.BeatFactor
	engCfg.Tracker = beat.DefaultTrackerConfig(cfg.SampleRate)
	engCfg.Tracker.MinBPM = cfg.BPMMin
	engCfg.Tracker.MaxBPM = cfg.BPMMax

	if cfg.HumRejection {
		hz := mains.Frequency()
		engCfg.HumFrequency = float64(hz)
		logger.Info("mains hum rejection enabled", "frequency", hz)
	}

	eng, err := engine.New(engCfg)
	if err != nil {
		return nil, fmt.Errorf("analysis engine: %w", err)
	}
	return eng, nil
}

// runMonitor runs the Bubbletea terminal monitor until the user quits.
func runMonitor(eng *engine.Engine) error {
	var snap engine.Snapshot
	var lastBeats uint64
	fetch := func() ui.Stats {
		eng.Snapshot(&snap)
		beatNow := snap.RealBeats > lastBeats
		lastBeats = snap.RealBeats
		return ui.Stats{
			Energy:     snap.BassEnergy,
			Beat:       beatNow,
			BPM:        60 / snap.BPMPeriodSeconds(eng.SampleRate()),
			Confidence: snap.BPMConfidence,
			Beats:      snap.RealBeats,
			Degraded:   snap.Degraded,
		}
	}

	p := tea.NewProgram(ui.NewModel(fetch), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// runRenderer drives the GPU at the configured frame rate until a signal
// arrives.
func runRenderer(r *RunCmd, cfg config.Config, eng *engine.Engine, logger *log.Logger) error {
	renderer, err := render.New(render.Options{
		Width:       r.Width,
		Height:      r.Height,
		ShaderPaths: cfg.Shaders,
		SignalLen:   8192,
		BassLen:     8192,
		DFTSize:     cfg.DFTSize,
		SampleRate:  cfg.SampleRate,
	}, logger)
	if err != nil {
		return err
	}
	defer renderer.Close()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(r.FPS))
	defer ticker.Stop()

	var snap engine.Snapshot
	for {
		select {
		case <-done:
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			eng.Snapshot(&snap)
			if err := renderer.Frame(&snap); err != nil {
				// A frame failure is not fatal: the audio side
				// keeps running and the next frame retries.
				logger.Error("frame failed", "err", err)
			}
		}
	}
}

// DevicesCmd lists input-capable audio devices.
type DevicesCmd struct{}

// Run prints the device table.
func (d *DevicesCmd) Run(rc *runContext) error {
	devices, err := capture.ListDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		cli.PrintWarning("no capture-capable devices found")
		return nil
	}
	for _, dev := range devices {
		marker := " "
		if dev.Default {
			marker = "*"
		}
		cli.PrintInfo(fmt.Sprintf("%s %s", marker, dev.Name), fmt.Sprintf("%d ch", dev.Channels))
	}
	return nil
}

// SelftestCmd plays a click track through the default output.
type SelftestCmd struct {
	BPM     float64 `help:"Click track tempo" default:"120"`
	Seconds float64 `help:"How long to play" default:"30"`
}

// Run plays the click track.
func (s *SelftestCmd) Run(rc *runContext) error {
	return selftest.Run(selftest.Options{
		BPM:        s.BPM,
		Seconds:    s.Seconds,
		SampleRate: rc.cfg.SampleRate,
	}, rc.logger)
}
