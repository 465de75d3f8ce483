// Package pulse manages the session-scoped PulseAudio (or PipeWire-pulse)
// routing used in passthrough mode: a virtual sink the desktop plays into,
// whose monitor the visualizer taps, with a loopback carrying the audio on
// to the real output. Everything done here is undone by Restore, which is
// safe to call from both the normal shutdown path and a signal handler.
package pulse

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// SinkName is the name of the virtual sink created in passthrough mode.
// The capture layer taps its monitor, SinkName + ".monitor".
const SinkName = "bassline"

// runner abstracts command execution for tests.
type runner func(args ...string) (string, error)

func pactl(args ...string) (string, error) {
	out, err := exec.Command("pactl", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("pactl %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Routing holds the state needed to restore the user's audio configuration.
type Routing struct {
	logger *log.Logger
	run    runner

	previousSink string
	moduleIDs    []string // loaded modules, unloaded in reverse order

	restoreOnce sync.Once
}

// Setup creates the virtual sink, makes it the default, and loops its
// monitor back to the previous default sink. On any failure it restores
// whatever it had already changed before returning the error.
func Setup(logger *log.Logger) (*Routing, error) {
	if _, err := exec.LookPath("pactl"); err != nil {
		return nil, fmt.Errorf("pulse: pactl not found in PATH; install pulseaudio-utils or run with --listen: %w", err)
	}
	return setup(logger, pactl)
}

func setup(logger *log.Logger, run runner) (*Routing, error) {
	r := &Routing{logger: logger, run: run}

	prev, err := run("get-default-sink")
	if err != nil {
		return nil, fmt.Errorf("pulse: query default sink: %w", err)
	}
	r.previousSink = prev

	nullID, err := run("load-module", "module-null-sink",
		"sink_name="+SinkName,
		"sink_properties=device.description=Bassline")
	if err != nil {
		return nil, fmt.Errorf("pulse: create virtual sink: %w", err)
	}
	r.moduleIDs = append(r.moduleIDs, nullID)

	loopID, err := run("load-module", "module-loopback",
		"source="+SinkName+".monitor",
		"sink="+prev,
		"latency_msec=20")
	if err != nil {
		r.Restore()
		return nil, fmt.Errorf("pulse: create loopback to %s: %w", prev, err)
	}
	r.moduleIDs = append(r.moduleIDs, loopID)

	if _, err := run("set-default-sink", SinkName); err != nil {
		r.Restore()
		return nil, fmt.Errorf("pulse: set default sink: %w", err)
	}

	logger.Info("audio routed through virtual sink", "sink", SinkName, "previous", prev)
	return r, nil
}

// MonitorSource returns the capture source name for the virtual sink.
func (r *Routing) MonitorSource() string {
	return SinkName + ".monitor"
}

// Restore puts the default sink back and unloads every module this process
// loaded. Idempotent: the first caller wins, later calls return
// immediately, so the deferred shutdown path and the signal handler can
// both call it.
func (r *Routing) Restore() {
	r.restoreOnce.Do(func() {
		if r.previousSink != "" {
			if _, err := r.run("set-default-sink", r.previousSink); err != nil {
				r.logger.Error("restore default sink", "sink", r.previousSink, "err", err)
			}
		}
		for i := len(r.moduleIDs) - 1; i >= 0; i-- {
			if _, err := r.run("unload-module", r.moduleIDs[i]); err != nil {
				r.logger.Error("unload module", "id", r.moduleIDs[i], "err", err)
			}
		}
		r.logger.Info("audio routing restored", "sink", r.previousSink)
	})
}
