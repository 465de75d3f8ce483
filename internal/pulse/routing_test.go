package pulse

import (
	"fmt"
	"os"
	"testing"

	"github.com/charmbracelet/log"
)

// fakePactl records invocations and scripts responses per subcommand.
type fakePactl struct {
	calls [][]string
	fail  map[string]bool // subcommand -> force failure
	next  int
}

func (f *fakePactl) run(args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if f.fail[args[0]] {
		return "", fmt.Errorf("scripted failure for %s", args[0])
	}
	switch args[0] {
	case "get-default-sink":
		return "alsa_output.usb", nil
	case "load-module":
		f.next++
		return fmt.Sprintf("%d", 100+f.next), nil
	default:
		return "", nil
	}
}

func testLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel})
}

func TestSetupAndRestore(t *testing.T) {
	t.Run("happy path loads sink, loopback, default", func(t *testing.T) {
		fake := &fakePactl{}
		r, err := setup(testLogger(), fake.run)
		if err != nil {
			t.Fatalf("setup: %v", err)
		}

		if r.MonitorSource() != "bassline.monitor" {
			t.Errorf("monitor source = %q", r.MonitorSource())
		}

		r.Restore()

		var unloads, setDefaults int
		for _, call := range fake.calls {
			switch call[0] {
			case "unload-module":
				unloads++
			case "set-default-sink":
				setDefaults++
			}
		}
		if unloads != 2 {
			t.Errorf("unloaded %d modules, want 2", unloads)
		}
		// Once to point at the virtual sink, once to restore.
		if setDefaults != 2 {
			t.Errorf("set-default-sink called %d times, want 2", setDefaults)
		}
		last := fake.calls[len(fake.calls)-1]
		if last[0] != "unload-module" {
			t.Errorf("modules not unloaded last: final call %v", last)
		}
	})

	t.Run("restore is idempotent", func(t *testing.T) {
		fake := &fakePactl{}
		r, err := setup(testLogger(), fake.run)
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
		r.Restore()
		before := len(fake.calls)
		r.Restore()
		r.Restore()
		if len(fake.calls) != before {
			t.Errorf("repeated Restore issued %d extra commands", len(fake.calls)-before)
		}
	})

	t.Run("failed loopback rolls back the sink", func(t *testing.T) {
		fake := &fakePactl{fail: map[string]bool{}}
		// First load-module (null sink) succeeds, second (loopback)
		// fails: flip the switch after setup reaches it.
		calls := 0
		run := func(args ...string) (string, error) {
			if args[0] == "load-module" {
				calls++
				if calls == 2 {
					return "", fmt.Errorf("no such module")
				}
			}
			return fake.run(args...)
		}
		if _, err := setup(testLogger(), run); err == nil {
			t.Fatal("setup succeeded despite loopback failure")
		}

		var unloaded bool
		for _, call := range fake.calls {
			if call[0] == "unload-module" {
				unloaded = true
			}
		}
		if !unloaded {
			t.Error("virtual sink left loaded after failed setup")
		}
	})
}
