package capture

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Device describes one capture-capable device for the CLI listing.
type Device struct {
	Name     string
	Channels int
	Default  bool
}

// ListDevices enumerates input-capable devices. It owns its own PortAudio
// lifetime so it can be called without an open Stream.
func ListDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("capture: initialise portaudio: %w", err)
	}
	defer portaudio.Terminate() //nolint:errcheck

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: enumerate devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []Device
	for _, dev := range devices {
		if dev.MaxInputChannels == 0 {
			continue
		}
		out = append(out, Device{
			Name:     dev.Name,
			Channels: dev.MaxInputChannels,
			Default:  def != nil && dev.Name == def.Name,
		})
	}
	return out, nil
}
