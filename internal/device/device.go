// SPDX-License-Identifier: MIT

// Package device implements audio.Device over the host audio stacks:
// PortAudio, miniaudio (through malgo) and a simulated tone source.
package device

import (
	"fmt"
	"io"
	"strings"
	"time"

	"micstream/internal/audio"
)

// Backend names accepted by New.
const (
	BackendPortAudio = "portaudio"
	BackendMalgo     = "malgo"
	BackendSim       = "sim"
)

// Info describes one host audio device.
type Info struct {
	ID                int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	LowInputLatency   time.Duration
	HighInputLatency  time.Duration
	IsDefault         bool
}

// Print writes a short description of d to w.
func (d Info) Print(w io.Writer) {
	kind := ""
	switch {
	case d.MaxInputChannels > 0 && d.MaxOutputChannels > 0:
		kind = "Input/Output"
	case d.MaxInputChannels > 0:
		kind = "Input"
	case d.MaxOutputChannels > 0:
		kind = "Output"
	}
	def := ""
	if d.IsDefault {
		def = " [default]"
	}
	fmt.Fprintf(w, "[%d] %s (%s)%s\n", d.ID, d.Name, kind, def)
	fmt.Fprintf(w, "    Input channels: %d, Output channels: %d\n", d.MaxInputChannels, d.MaxOutputChannels)
	if d.DefaultSampleRate > 0 {
		fmt.Fprintf(w, "    Default sample rate: %.0f Hz\n", d.DefaultSampleRate)
	}
	if d.HighInputLatency > 0 {
		fmt.Fprintf(w, "    Latency: Low=%.2fms, High=%.2fms\n",
			d.LowInputLatency.Seconds()*1000, d.HighInputLatency.Seconds()*1000)
	}
	fmt.Fprintln(w)
}

// Options selects and configures a backend.
type Options struct {
	Backend string
	// DeviceID is the PortAudio device index.
	DeviceID int
	// DeviceName selects a malgo capture device by name; empty picks the
	// default.
	DeviceName string
	LowLatency bool
	// OnStop is called when malgo reports the device stopped on its own,
	// e.g. the microphone was unplugged.
	OnStop func()
	// ToneHz is the frequency of the simulated source.
	ToneHz float64
}

// New returns the audio.Device for opts.Backend.
func New(opts Options) (audio.Device, error) {
	switch strings.ToLower(opts.Backend) {
	case BackendPortAudio, "":
		return NewPortAudio(opts.DeviceID, opts.LowLatency), nil
	case BackendMalgo:
		return NewMalgo(opts.DeviceName, opts.OnStop), nil
	case BackendSim:
		return NewSim(opts.ToneHz), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", opts.Backend)
	}
}

// List writes the devices of the named backend to w.
func List(backend string, w io.Writer) error {
	switch strings.ToLower(backend) {
	case BackendPortAudio, "":
		return ListPortAudio(w)
	case BackendMalgo:
		return ListMalgo(w)
	case BackendSim:
		Info{Name: "simulated tone", MaxInputChannels: 1, IsDefault: true}.Print(w)
		return nil
	default:
		return fmt.Errorf("unknown audio backend %q", backend)
	}
}
