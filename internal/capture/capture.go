// Package capture feeds the analysis engine from a PortAudio input stream.
// Samples are mono-mixed at ingest. Once Stream.MarkLost reports the device
// as lost, the engine is fed silence and the stream is periodically
// reopened, so beat detection quiesces rather than the process dying with
// the device. The package does not detect device loss by itself: that mode
// starts only when MarkLost is called.
package capture

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"github.com/linuxmatters/bassline/internal/engine"
)

// Options selects and sizes the capture stream.
type Options struct {
	SampleRate int
	BlockSize  int
	// Device is a substring match against input device names; empty
	// selects the default input.
	Device string
}

// Stream owns the PortAudio input and the goroutine that pumps it into the
// engine.
type Stream struct {
	opts   Options
	eng    *engine.Engine
	logger *log.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
	mono   []float32
	done   chan struct{}
	wg     sync.WaitGroup
}

// Open initialises PortAudio and starts capturing into eng. Call Close to
// stop and release the device.
func Open(opts Options, eng *engine.Engine, logger *log.Logger) (*Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("capture: initialise portaudio: %w", err)
	}

	s := &Stream{
		opts:   opts,
		eng:    eng,
		logger: logger,
		mono:   make([]float32, opts.BlockSize),
		done:   make(chan struct{}),
	}

	if err := s.open(); err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	s.wg.Add(1)
	go s.supervise()
	return s, nil
}

// open creates and starts the PortAudio stream. Callers hold no locks.
func (s *Stream) open() error {
	dev, err := s.findDevice()
	if err != nil {
		return err
	}

	channels := dev.MaxInputChannels
	if channels > 2 {
		channels = 2
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(s.opts.SampleRate)
	params.FramesPerBuffer = s.opts.BlockSize

	stream, err := portaudio.OpenStream(params, func(in []float32) {
		s.ingest(in, channels)
	})
	if err != nil {
		return fmt.Errorf("capture: open stream on %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("capture: start stream: %w", err)
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	s.eng.SetDegraded(false)
	s.logger.Info("capture started", "device", dev.Name, "channels", channels)
	return nil
}

// findDevice resolves Options.Device against the input device list.
func (s *Stream) findDevice() (*portaudio.DeviceInfo, error) {
	if s.opts.Device == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("capture: no default input device: %w", err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: enumerate devices: %w", err)
	}
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(dev.Name, s.opts.Device) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("capture: no input device matching %q; run 'bassline devices' to list", s.opts.Device)
}

// ingest runs on PortAudio's callback thread: mono-mix and hand the block
// to the engine. No allocation, no logging.
func (s *Stream) ingest(in []float32, channels int) {
	frames := len(in) / channels
	if frames > len(s.mono) {
		frames = len(s.mono)
	}
	switch channels {
	case 1:
		copy(s.mono[:frames], in[:frames])
	default:
		for i := 0; i < frames; i++ {
			s.mono[i] = (in[2*i] + in[2*i+1]) * 0.5
		}
	}
	s.eng.ProcessBlock(s.mono[:frames])
}

// supervise watches the stream and reopens it after device loss. While the
// device is gone the engine is fed blocks of silence at roughly the block
// rate so downstream state keeps advancing.
func (s *Stream) supervise() {
	defer s.wg.Done()

	blockPeriod := time.Duration(float64(s.opts.BlockSize) / float64(s.opts.SampleRate) * float64(time.Second))
	ticker := time.NewTicker(blockPeriod)
	defer ticker.Stop()

	silence := make([]float32, s.opts.BlockSize)
	var lastAttempt time.Time
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			alive := s.stream != nil
			s.mu.Unlock()
			if alive {
				continue
			}

			s.eng.ProcessBlock(silence)
			if time.Since(lastAttempt) < time.Second {
				continue
			}
			lastAttempt = time.Now()
			if err := s.open(); err != nil {
				s.logger.Debug("capture reopen failed", "err", err)
			}
		}
	}
}

// MarkLost tears the stream down after an error so the supervisor starts
// feeding silence and retrying. PortAudio surfaces device loss as stream
// errors on its own thread, so this is also safe to call from the callback
// path via a goroutine.
func (s *Stream) MarkLost() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Stop()
		_ = stream.Close()
	}
	s.eng.SetDegraded(true)
	s.logger.Warn("capture device lost; feeding silence until it returns")
}

// Close stops capture and releases PortAudio.
func (s *Stream) Close() error {
	close(s.done)
	s.wg.Wait()

	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	var firstErr error
	if stream != nil {
		if err := stream.Stop(); err != nil {
			firstErr = err
		}
		if err := stream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
