// SPDX-License-Identifier: MIT
package device

import (
	"errors"
	"fmt"
	"io"

	"github.com/gordonklaus/portaudio"

	"micstream/internal/audio"
)

// DefaultInputID selects the host's default input device.
const DefaultInputID = -1

// Library entry points, replaced in tests.
var (
	paLibInitialize             = portaudio.Initialize
	paLibTerminate              = portaudio.Terminate
	paLibDevicesFunc            = portaudio.Devices
	paLibDefaultInputDeviceFunc = portaudio.DefaultInputDevice
	paLibOpenStream             = func(p portaudio.StreamParameters, cb func(in []float32)) (*portaudio.Stream, error) {
		return portaudio.OpenStream(p, cb)
	}
)

// Initialize sets up the PortAudio subsystem. Calls nest; each must be
// paired with Terminate.
func Initialize() error {
	if err := paLibInitialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return nil
}

// Terminate releases one Initialize.
func Terminate() error {
	if err := paLibTerminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

// PortAudio captures mono float32 buffers from a PortAudio input device.
type PortAudio struct {
	// DeviceID indexes HostDevices; DefaultInputID picks the default input.
	DeviceID int
	// LowLatency selects the device's low input latency instead of the
	// high one.
	LowLatency bool

	initialized bool
	stream      *portaudio.Stream
	started     bool
	tap         audio.Tap
}

// NewPortAudio returns a driver for the given input device.
func NewPortAudio(deviceID int, lowLatency bool) *PortAudio {
	return &PortAudio{DeviceID: deviceID, LowLatency: lowLatency}
}

func (p *PortAudio) Acquire(cfg audio.SessionConfig, tap audio.Tap) (audio.ActualConfig, error) {
	if err := Initialize(); err != nil {
		return audio.ActualConfig{}, audio.NewError(audio.KindDeviceUnavailable, "portaudio", err)
	}
	p.initialized = true

	info, err := InputDevice(p.DeviceID)
	if err != nil {
		p.terminate()
		return audio.ActualConfig{}, mapPortAudioError(err)
	}
	if info.MaxInputChannels < audio.MonoChannels {
		p.terminate()
		return audio.ActualConfig{}, audio.NewError(audio.KindConfigRejected, "portaudio",
			fmt.Errorf("device %q: %w", info.Name, ErrNoInput))
	}

	rate := float64(cfg.PreferredSampleRate)
	if rate == 0 {
		rate = info.DefaultSampleRate
	}
	latency := info.DefaultHighInputLatency
	if p.LowLatency {
		latency = info.DefaultLowInputLatency
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: audio.MonoChannels,
			Latency:  latency,
		},
		FramesPerBuffer: cfg.BufferSizeFrames,
		SampleRate:      rate,
	}

	p.tap = tap
	stream, err := paLibOpenStream(params, p.process)
	if err != nil {
		p.tap = nil
		p.terminate()
		return audio.ActualConfig{}, mapPortAudioError(err)
	}
	p.stream = stream

	actualRate := rate
	if si := stream.Info(); si != nil && si.SampleRate > 0 {
		actualRate = si.SampleRate
	}
	return audio.ActualConfig{
		SampleRate:       int(actualRate),
		ChannelCount:     audio.MonoChannels,
		BufferSizeFrames: cfg.BufferSizeFrames,
	}, nil
}

// process is the PortAudio stream callback.
func (p *PortAudio) process(in []float32) {
	p.tap(audio.RawSamples{F32: in})
}

func (p *PortAudio) Activate() error {
	if p.stream == nil {
		return audio.NewError(audio.KindDeviceUnavailable, "portaudio", errors.New("stream not open"))
	}
	if err := p.stream.Start(); err != nil {
		return mapPortAudioError(err)
	}
	p.started = true
	return nil
}

// Deactivate stops the stream. Pa_StopStream returns only after pending
// callbacks have completed.
func (p *PortAudio) Deactivate() error {
	if p.stream == nil || !p.started {
		return nil
	}
	p.started = false
	return p.stream.Stop()
}

func (p *PortAudio) Release() error {
	var err error
	if p.stream != nil {
		if p.started {
			p.started = false
			err = p.stream.Stop()
		}
		if cerr := p.stream.Close(); cerr != nil && err == nil {
			err = cerr
		}
		p.stream = nil
	}
	p.tap = nil
	if terr := p.terminate(); terr != nil && err == nil {
		err = terr
	}
	return err
}

func (p *PortAudio) terminate() error {
	if !p.initialized {
		return nil
	}
	p.initialized = false
	return Terminate()
}

// mapPortAudioError sorts PortAudio errors into capture error kinds.
func mapPortAudioError(err error) error {
	if errors.Is(err, ErrNoInput) {
		return audio.NewError(audio.KindConfigRejected, "portaudio", err)
	}
	var pe portaudio.Error
	if errors.As(err, &pe) {
		switch pe {
		case portaudio.InvalidChannelCount, portaudio.InvalidSampleRate,
			portaudio.SampleFormatNotSupported:
			return audio.NewError(audio.KindConfigRejected, "portaudio", err)
		}
	}
	return audio.NewError(audio.KindDeviceUnavailable, "portaudio", err)
}

// ErrNoInput is returned for a device that cannot capture a single channel.
var ErrNoInput = errors.New("does not support input")

// InputDevice retrieves the input device for the given device ID.
// DefaultInputID returns the system default input device.
func InputDevice(deviceID int) (*portaudio.DeviceInfo, error) {
	if deviceID == DefaultInputID {
		return paLibDefaultInputDeviceFunc()
	}

	devices, err := paDevices()
	if err != nil {
		return nil, err
	}
	if deviceID < 0 || deviceID >= len(devices) {
		return nil, fmt.Errorf("invalid device ID: %d", deviceID)
	}
	if devices[deviceID].MaxInputChannels == 0 {
		return nil, fmt.Errorf("device %d (%s): %w", deviceID, devices[deviceID].Name, ErrNoInput)
	}
	return devices[deviceID], nil
}

// HostDevices returns every PortAudio device. PortAudio must be initialized.
func HostDevices() ([]Info, error) {
	infos, err := paDevices()
	if err != nil {
		return nil, err
	}
	devices := make([]Info, len(infos))
	for i, info := range infos {
		devices[i] = Info{
			ID:                i,
			Name:              info.Name,
			MaxInputChannels:  info.MaxInputChannels,
			MaxOutputChannels: info.MaxOutputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			LowInputLatency:   info.DefaultLowInputLatency,
			HighInputLatency:  info.DefaultHighInputLatency,
		}
	}
	return devices, nil
}

// ListPortAudio writes a table of PortAudio devices to w.
func ListPortAudio(w io.Writer) error {
	if err := Initialize(); err != nil {
		return err
	}
	defer Terminate()

	devices, err := HostDevices()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nAvailable Audio Devices (portaudio)\n\n")
	for _, d := range devices {
		d.Print(w)
	}
	return nil
}

// paDevices never returns a nil slice without an error.
func paDevices() ([]*portaudio.DeviceInfo, error) {
	devices, err := paLibDevicesFunc()
	if err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []*portaudio.DeviceInfo{}
	}
	return devices, nil
}
