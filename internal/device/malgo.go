// SPDX-License-Identifier: MIT
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"micstream/internal/audio"
	applog "micstream/internal/log"
)

// Malgo captures signed 16-bit mono through miniaudio.
type Malgo struct {
	// DeviceName selects a capture device by case-insensitive substring;
	// empty uses the default.
	DeviceName string
	// OnStop is called, on its own goroutine, when the device stops without
	// Deactivate having been called.
	OnStop func()

	log      *applog.Logger
	ctx      *malgo.AllocatedContext
	dev      *malgo.Device
	tap      audio.Tap
	pcm      []int16
	stopping atomic.Bool
}

// NewMalgo returns a malgo driver.
func NewMalgo(deviceName string, onStop func()) *Malgo {
	return &Malgo{
		DeviceName: deviceName,
		OnStop:     onStop,
		log:        applog.For("malgo"),
	}
}

func backendForPlatform() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	default:
		return nil
	}
}

func (m *Malgo) Acquire(cfg audio.SessionConfig, tap audio.Tap) (audio.ActualConfig, error) {
	ctx, err := malgo.InitContext(backendForPlatform(), malgo.ContextConfig{}, func(msg string) {
		m.log.Debugf("%s", strings.TrimSpace(msg))
	})
	if err != nil {
		return audio.ActualConfig{}, audio.NewError(audio.KindDeviceUnavailable, "malgo", err)
	}
	m.ctx = ctx

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = audio.MonoChannels
	devCfg.SampleRate = uint32(cfg.PreferredSampleRate)
	devCfg.PeriodSizeInFrames = uint32(cfg.BufferSizeFrames)
	devCfg.Alsa.NoMMap = 1

	if m.DeviceName != "" {
		info, err := m.selectDevice()
		if err != nil {
			m.freeContext()
			return audio.ActualConfig{}, audio.NewError(audio.KindDeviceUnavailable, "malgo", err)
		}
		devCfg.Capture.DeviceID = info.ID.Pointer()
	}

	m.tap = tap
	m.pcm = make([]int16, audio.MaxBufferSizeFrames)
	dev, err := malgo.InitDevice(m.ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: m.onData,
		Stop: m.onStop,
	})
	if err != nil {
		m.tap = nil
		m.freeContext()
		return audio.ActualConfig{}, audio.NewError(audio.KindDeviceUnavailable, "malgo", err)
	}
	m.dev = dev

	return audio.ActualConfig{
		SampleRate:       int(dev.SampleRate()),
		ChannelCount:     int(dev.CaptureChannels()),
		BufferSizeFrames: cfg.BufferSizeFrames,
	}, nil
}

func (m *Malgo) selectDevice() (*malgo.DeviceInfo, error) {
	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(m.DeviceName)
	for i := range infos {
		if strings.Contains(strings.ToLower(infos[i].Name()), want) {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("no capture device matching %q", m.DeviceName)
}

// onData decodes little-endian S16 into the pre-allocated pcm buffer. Periods
// larger than the buffer cannot be represented and are skipped.
func (m *Malgo) onData(_, in []byte, frames uint32) {
	n := len(in) / 2
	if n > len(m.pcm) {
		return
	}
	pcm := m.pcm[:n]
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(in[2*i:]))
	}
	m.tap(audio.RawSamples{S16: pcm})
}

func (m *Malgo) onStop() {
	if m.stopping.Load() || m.OnStop == nil {
		return
	}
	m.log.Warnf("capture device stopped unexpectedly")
	go m.OnStop()
}

func (m *Malgo) Activate() error {
	if m.dev == nil {
		return audio.NewError(audio.KindDeviceUnavailable, "malgo", errors.New("device not initialized"))
	}
	m.stopping.Store(false)
	if err := m.dev.Start(); err != nil {
		return audio.NewError(audio.KindDeviceUnavailable, "malgo", err)
	}
	return nil
}

// Deactivate stops the device. ma_device_stop waits for the data callback
// to return.
func (m *Malgo) Deactivate() error {
	if m.dev == nil || !m.dev.IsStarted() {
		return nil
	}
	m.stopping.Store(true)
	return m.dev.Stop()
}

func (m *Malgo) Release() error {
	var err error
	if m.dev != nil {
		m.stopping.Store(true)
		if m.dev.IsStarted() {
			err = m.dev.Stop()
		}
		m.dev.Uninit()
		m.dev = nil
	}
	m.tap = nil
	m.freeContext()
	return err
}

func (m *Malgo) freeContext() {
	if m.ctx == nil {
		return
	}
	if err := m.ctx.Uninit(); err != nil {
		m.log.Warnf("context uninit: %v", err)
	}
	m.ctx.Free()
	m.ctx = nil
}

// ListMalgo writes the capture devices miniaudio can see to w.
func ListMalgo(w io.Writer) error {
	ctx, err := malgo.InitContext(backendForPlatform(), malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("malgo context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("malgo devices: %w", err)
	}
	fmt.Fprintf(w, "\nAvailable Capture Devices (malgo)\n\n")
	for i, info := range infos {
		Info{
			ID:               i,
			Name:             info.Name(),
			MaxInputChannels: 1,
			IsDefault:        info.IsDefault != 0,
		}.Print(w)
	}
	return nil
}
