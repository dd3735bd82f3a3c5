package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/neonvoidvibes/aia-v4-sub001/internal/ports"
)

var paInitOnce sync.Once

// PortAudioSource captures microphone audio through PortAudio. It is the
// default capture backend.
type PortAudioSource struct{}

func NewPortAudioSource() (*PortAudioSource, error) {
	var initErr error
	paInitOnce.Do(func() {
		initErr = portaudio.Initialize()
	})
	if initErr != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", initErr)
	}
	return &PortAudioSource{}, nil
}

func (s *PortAudioSource) Start(ctx context.Context, cfg ports.CaptureConfig) (ports.CaptureStream, error) {
	device, err := findInputDevice(cfg.InputDevice)
	if err != nil {
		return nil, err
	}

	frames := make([]int16, 1024*cfg.Channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: cfg.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: 1024,
	}, frames)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}

	return &portAudioStream{stream: stream, frames: frames}, nil
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" || name == "default" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("input device not found: %s", name)
}

// InputDevice describes an available capture device.
type InputDevice struct {
	Name       string
	Channels   int
	SampleRate float64
	Default    bool
}

// ListInputDevices enumerates capture-capable devices for the CLI.
func ListInputDevices() ([]InputDevice, error) {
	var initErr error
	paInitOnce.Do(func() {
		initErr = portaudio.Initialize()
	})
	if initErr != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", initErr)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defaultDevice, _ := portaudio.DefaultInputDevice()

	result := make([]InputDevice, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels <= 0 {
			continue
		}
		result = append(result, InputDevice{
			Name:       d.Name,
			Channels:   d.MaxInputChannels,
			SampleRate: d.DefaultSampleRate,
			Default:    defaultDevice != nil && d.Name == defaultDevice.Name,
		})
	}
	return result, nil
}

type portAudioStream struct {
	stream *portaudio.Stream
	frames []int16

	mu      sync.Mutex
	pending []byte
	stopped bool
}

// Read delivers PCM16LE bytes from the device, blocking until at least one
// frame buffer is available.
func (s *portAudioStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) == 0 {
		if s.stopped {
			return 0, fmt.Errorf("audio stream stopped")
		}
		s.mu.Unlock()
		err := s.stream.Read()
		s.mu.Lock()
		if err != nil {
			if s.stopped {
				return 0, fmt.Errorf("audio stream stopped")
			}
			return 0, fmt.Errorf("portaudio read failed: %w", err)
		}
		buf := make([]byte, len(s.frames)*2)
		for i, sample := range s.frames {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
		}
		s.pending = append(s.pending, buf...)
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *portAudioStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if err := s.stream.Stop(); err != nil {
		_ = s.stream.Close()
		return fmt.Errorf("failed to stop audio stream: %w", err)
	}
	return s.stream.Close()
}
