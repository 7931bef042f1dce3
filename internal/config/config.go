// SPDX-License-Identifier: MIT

// Package config loads runtime settings from built-in defaults, an optional
// YAML file and ENV_* overrides, in that order.
package config

import "time"

// Defaults and limits.
const (
	DefaultLogLevel        = "info"
	DefaultBackend         = "portaudio"
	DefaultDeviceID        = MinDeviceID // system default device
	DefaultSampleRate      = 0           // let the hardware pick
	DefaultFramesPerBuffer = 1024
	DefaultToneHz          = 440.0
	DefaultBufferWindow    = 2 * time.Second

	DefaultBridgeListen = "127.0.0.1:8765"
	DefaultBridgePath   = "/ws"
	DefaultBridgeCodec  = "json"

	DefaultUDPTargetAddress = "127.0.0.1:9090"
	DefaultUDPSendInterval  = 33 * time.Millisecond // ~30Hz

	DefaultMetricsPath = "/metrics"

	DefaultLogMaxSizeMB   = 10
	DefaultLogMaxBackups  = 3
	DefaultLogMaxAgeDays  = 28
	DefaultStatusInterval = 30 * time.Second

	MinDeviceID     = -1 // -1 represents the system default device
	MinSampleRate   = 8000
	MaxSampleRate   = 192000
	MinBufferFrames = 64
	MaxBufferFrames = 8192
)

// Backends accepted in audio.backend.
var Backends = []string{"portaudio", "malgo", "sim"}

// Codecs accepted in bridge.codec.
var Codecs = []string{"json", "msgpack"}

// Config is the complete runtime configuration.
type Config struct {
	Debug     bool            `yaml:"debug"`     // Force debug logging.
	LogLevel  string          `yaml:"log_level"` // debug, info, warn, error.
	Log       LogConfig       `yaml:"log"`
	Audio     AudioConfig     `yaml:"audio"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Recording RecordingConfig `yaml:"recording"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LogConfig enables a size-rotated log file in addition to stderr.
type LogConfig struct {
	File       string `yaml:"file"` // Empty disables the file.
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`

	// StatusInterval is how often capture counters are logged; 0 disables.
	StatusInterval time.Duration `yaml:"status_interval"`
}

// AudioConfig selects and configures the capture device.
type AudioConfig struct {
	Backend              string        `yaml:"backend"`               // portaudio, malgo or sim.
	InputDevice          int           `yaml:"input_device"`          // PortAudio device index, -1 for default.
	DeviceName           string        `yaml:"device_name"`           // malgo device name substring.
	SampleRate           int           `yaml:"sample_rate"`           // Preferred rate in Hz, 0 for the hardware default.
	FramesPerBuffer      int           `yaml:"frames_per_buffer"`     // Frames per hardware buffer.
	LowLatency           bool          `yaml:"low_latency"`           // Request the device's low input latency.
	MicrophoneAuthorized bool          `yaml:"microphone_authorized"` // Capture permission.
	ToneHz               float64       `yaml:"tone_hz"`               // Frequency of the sim backend.
	BufferWindow         time.Duration `yaml:"buffer_window"`         // Audio held for a slow consumer.
}

// BridgeConfig configures the WebSocket bridge. An empty Listen disables it.
type BridgeConfig struct {
	Listen     string `yaml:"listen"`
	Path       string `yaml:"path"`
	Codec      string `yaml:"codec"`       // json or msgpack.
	SendFrames bool   `yaml:"send_frames"` // Levels and errors are always sent.
}

// RecordingConfig writes captured audio to a WAV file when Path is set.
type RecordingConfig struct {
	Path string `yaml:"path"`
}

// TransportConfig holds the UDP level publisher settings.
type TransportConfig struct {
	UDPEnabled       bool          `yaml:"udp_enabled"`
	UDPTargetAddress string        `yaml:"udp_target_address"` // host:port
	UDPSendInterval  time.Duration `yaml:"udp_send_interval"`
}

// MetricsConfig mounts a Prometheus handler on the bridge server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: DefaultLogLevel,
		Log: LogConfig{
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,

			StatusInterval: DefaultStatusInterval,
		},
		Audio: AudioConfig{
			Backend:              DefaultBackend,
			InputDevice:          DefaultDeviceID,
			SampleRate:           DefaultSampleRate,
			FramesPerBuffer:      DefaultFramesPerBuffer,
			MicrophoneAuthorized: true,
			ToneHz:               DefaultToneHz,
			BufferWindow:         DefaultBufferWindow,
		},
		Bridge: BridgeConfig{
			Listen:     DefaultBridgeListen,
			Path:       DefaultBridgePath,
			Codec:      DefaultBridgeCodec,
			SendFrames: true,
		},
		Transport: TransportConfig{
			UDPTargetAddress: DefaultUDPTargetAddress,
			UDPSendInterval:  DefaultUDPSendInterval,
		},
		Metrics: MetricsConfig{
			Path: DefaultMetricsPath,
		},
	}
}
