// SPDX-License-Identifier: MIT

// Package audiotest provides a scripted Device and a recording Sink for
// exercising capture sessions without hardware.
package audiotest

import (
	"sync"

	"micstream/internal/audio"
)

// Device is an audio.Device driven by the test. Buffers are pushed with
// Push, which calls the installed tap synchronously only while the device
// is active, the way a real driver would.
type Device struct {
	mu sync.Mutex

	// Rate is the sample rate reported by Acquire. Zero echoes the
	// preferred rate, or 48000 when there is none.
	Rate int
	// Channels overrides the negotiated channel count when non-zero.
	Channels int

	AcquireErr    error
	ActivateErr   error
	DeactivateErr error
	ReleaseErr    error

	// RejectAcquire, when set, is consulted on every Acquire and may fail
	// it based on the requested configuration.
	RejectAcquire func(cfg audio.SessionConfig) error

	tap      audio.Tap
	acquired bool
	active   bool
	cfg      audio.SessionConfig

	Acquires    int
	Activates   int
	Deactivates int
	Releases    int
}

// NewDevice returns a Device reporting rate.
func NewDevice(rate int) *Device {
	return &Device{Rate: rate}
}

func (d *Device) Acquire(cfg audio.SessionConfig, tap audio.Tap) (audio.ActualConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Acquires++
	if d.AcquireErr != nil {
		return audio.ActualConfig{}, d.AcquireErr
	}
	if d.RejectAcquire != nil {
		if err := d.RejectAcquire(cfg); err != nil {
			return audio.ActualConfig{}, err
		}
	}
	rate := d.Rate
	if rate == 0 {
		rate = cfg.PreferredSampleRate
	}
	if rate == 0 {
		rate = 48000
	}
	channels := cfg.ChannelCount
	if d.Channels != 0 {
		channels = d.Channels
	}
	d.tap = tap
	d.acquired = true
	d.cfg = cfg
	return audio.ActualConfig{
		SampleRate:       rate,
		ChannelCount:     channels,
		BufferSizeFrames: cfg.BufferSizeFrames,
	}, nil
}

func (d *Device) Activate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Activates++
	if d.ActivateErr != nil {
		return d.ActivateErr
	}
	d.active = true
	return nil
}

func (d *Device) Deactivate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Deactivates++
	d.active = false
	return d.DeactivateErr
}

func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Releases++
	d.acquired = false
	d.tap = nil
	return d.ReleaseErr
}

// Active reports whether callbacks would currently be delivered.
func (d *Device) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Acquired reports whether the device is held.
func (d *Device) Acquired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired
}

// Config returns the configuration of the last successful Acquire.
func (d *Device) Config() audio.SessionConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Push delivers one buffer to the tap and reports whether it was delivered.
func (d *Device) Push(samples []float32) bool {
	d.mu.Lock()
	tap, active := d.tap, d.active
	d.mu.Unlock()
	if !active || tap == nil {
		return false
	}
	tap(audio.RawSamples{F32: samples})
	return true
}

// Tap returns the installed tap regardless of activation, so tests can
// simulate a driver that fires a late callback.
func (d *Device) Tap() audio.Tap {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tap
}

// Constant returns a buffer of n samples all set to v.
func Constant(n int, v float32) []float32 {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = v
	}
	return buf
}
