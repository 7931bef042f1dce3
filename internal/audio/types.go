// SPDX-License-Identifier: MIT
package audio

import "fmt"

// Core limits and defaults for a capture session.
const (
	MonoChannels            = 1    // The only channel count the engine captures.
	DefaultBufferSizeFrames = 1024 // ~23ms at 44.1kHz.
	MinBufferSizeFrames     = 64
	MaxBufferSizeFrames     = 8192
	MinSampleRate           = 8000
	MaxSampleRate           = 192000
)

// SessionState is the lifecycle state of a CaptureSession.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateStarting
	StateRunning
	StateInterrupted
	StateStopping
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateInterrupted:
		return "Interrupted"
	case StateStopping:
		return "Stopping"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// SessionConfig is supplied at start and is read-only for the lifetime of
// the session. A zero PreferredSampleRate lets the hardware pick.
type SessionConfig struct {
	PreferredSampleRate int `json:"sampleRate,omitempty" msgpack:"sampleRate,omitempty"`
	ChannelCount        int `json:"channelCount,omitempty" msgpack:"channelCount,omitempty"`
	BufferSizeFrames    int `json:"bufferSize,omitempty" msgpack:"bufferSize,omitempty"`
}

// DefaultSessionConfig returns a mono config with the default buffer size and
// no sample rate preference.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ChannelCount:     MonoChannels,
		BufferSizeFrames: DefaultBufferSizeFrames,
	}
}

// WithDefaults fills zero fields with their defaults.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.ChannelCount == 0 {
		c.ChannelCount = MonoChannels
	}
	if c.BufferSizeFrames == 0 {
		c.BufferSizeFrames = DefaultBufferSizeFrames
	}
	return c
}

// Validate reports a ConfigRejected error for values the engine cannot honor.
func (c SessionConfig) Validate() error {
	if c.ChannelCount != MonoChannels {
		return NewError(KindConfigRejected, "validate",
			fmt.Errorf("channel count %d not supported, want %d", c.ChannelCount, MonoChannels))
	}
	if c.BufferSizeFrames < MinBufferSizeFrames || c.BufferSizeFrames > MaxBufferSizeFrames {
		return NewError(KindConfigRejected, "validate",
			fmt.Errorf("buffer size %d outside [%d, %d]", c.BufferSizeFrames, MinBufferSizeFrames, MaxBufferSizeFrames))
	}
	if c.PreferredSampleRate != 0 &&
		(c.PreferredSampleRate < MinSampleRate || c.PreferredSampleRate > MaxSampleRate) {
		return NewError(KindConfigRejected, "validate",
			fmt.Errorf("sample rate %d outside [%d, %d]", c.PreferredSampleRate, MinSampleRate, MaxSampleRate))
	}
	return nil
}

// ActualConfig is what the hardware agreed to. SampleRate may differ from
// the preference in SessionConfig.
type ActualConfig struct {
	SessionID        string `json:"sessionId" msgpack:"sessionId"`
	SampleRate       int    `json:"actualSampleRate" msgpack:"actualSampleRate"`
	ChannelCount     int    `json:"actualChannelCount" msgpack:"actualChannelCount"`
	BufferSizeFrames int    `json:"bufferSize" msgpack:"bufferSize"`
}

// AudioFrame is one hardware buffer, normalized to [-1, 1].
//
// A frame handed to Sink.Emit is only valid for the duration of that call;
// the Samples backing array is reused for the next frame.
type AudioFrame struct {
	Samples     []float32
	Channels    int
	SampleRate  int
	Seq         uint64
	TimestampMs int64
}

// LevelSample is derived from exactly one AudioFrame.
type LevelSample struct {
	AveragePowerDb    float64 `json:"averagePower" msgpack:"averagePower"`
	PeakPowerDb       float64 `json:"peakPower" msgpack:"peakPower"`
	NormalizedAverage float64 `json:"normalizedAverage" msgpack:"normalizedAverage"`
	NormalizedPeak    float64 `json:"normalizedPeak" msgpack:"normalizedPeak"`
	TimestampMs       int64   `json:"timestampMs" msgpack:"timestampMs"`
	Seq               uint64  `json:"seq" msgpack:"seq"`
}

// RawSamples is a hardware buffer as delivered by a driver. Exactly one of
// F32 or S16 is set.
type RawSamples struct {
	F32 []float32
	S16 []int16
}

// Len returns the number of samples in the buffer.
func (r RawSamples) Len() int {
	if r.F32 != nil {
		return len(r.F32)
	}
	return len(r.S16)
}

// EventKind discriminates Event payloads.
type EventKind uint8

const (
	EventFrame EventKind = iota + 1
	EventLevel
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventLevel:
		return "level"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the unit emitted to a Sink. Only the field matching Kind is set.
type Event struct {
	Kind  EventKind
	Frame AudioFrame
	Level LevelSample
	Err   error
}
