// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	applog "micstream/internal/log"
)

// SearchPaths are tried in order when LoadConfig is given no path.
var SearchPaths = []string{"config.yaml", "micstream.yaml"}

// LoadConfig loads configuration from the YAML file at path. With an empty
// path the SearchPaths are tried, and if none exists the built-in defaults
// are used. ENV_* overrides are applied last, then the result is validated.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range SearchPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if _, ok := applog.ParseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	if c.Log.StatusInterval < 0 {
		errs = append(errs, errors.New("log.status_interval must not be negative"))
	}

	a := c.Audio
	if !slices.Contains(Backends, a.Backend) {
		errs = append(errs, fmt.Errorf("audio.backend %q is not one of %s", a.Backend, strings.Join(Backends, ", ")))
	}
	if a.InputDevice < MinDeviceID {
		errs = append(errs, fmt.Errorf("audio.input_device %d is below %d", a.InputDevice, MinDeviceID))
	}
	if a.SampleRate != 0 && (a.SampleRate < MinSampleRate || a.SampleRate > MaxSampleRate) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d outside [%d, %d]", a.SampleRate, MinSampleRate, MaxSampleRate))
	}
	if a.FramesPerBuffer < MinBufferFrames || a.FramesPerBuffer > MaxBufferFrames {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d outside [%d, %d]", a.FramesPerBuffer, MinBufferFrames, MaxBufferFrames))
	}
	if a.Backend == "sim" && a.ToneHz <= 0 {
		errs = append(errs, errors.New("audio.tone_hz must be positive for the sim backend"))
	}
	if a.BufferWindow < 0 {
		errs = append(errs, errors.New("audio.buffer_window must not be negative"))
	}

	if c.Bridge.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Bridge.Listen); err != nil {
			errs = append(errs, fmt.Errorf("bridge.listen %q: %w", c.Bridge.Listen, err))
		}
		if !strings.HasPrefix(c.Bridge.Path, "/") {
			errs = append(errs, fmt.Errorf("bridge.path %q must start with /", c.Bridge.Path))
		}
		if !slices.Contains(Codecs, strings.ToLower(c.Bridge.Codec)) {
			errs = append(errs, fmt.Errorf("bridge.codec %q is not one of %s", c.Bridge.Codec, strings.Join(Codecs, ", ")))
		}
	}

	if c.Transport.UDPEnabled {
		if _, _, err := net.SplitHostPort(c.Transport.UDPTargetAddress); err != nil {
			errs = append(errs, fmt.Errorf("transport.udp_target_address %q: %w", c.Transport.UDPTargetAddress, err))
		}
		if c.Transport.UDPSendInterval <= 0 {
			errs = append(errs, errors.New("transport.udp_send_interval must be positive when UDP is enabled"))
		}
	}

	if c.Metrics.Enabled {
		if c.Bridge.Listen == "" {
			errs = append(errs, errors.New("metrics.enabled requires bridge.listen"))
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			errs = append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
		}
	}

	return errors.Join(errs...)
}

// applyEnvOverrides applies ENV_* variables over file values. Unparseable
// values are ignored.
func (c *Config) applyEnvOverrides() {
	// ENV_DEBUG
	if val, ok := os.LookupEnv("ENV_DEBUG"); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Debug = b
			applog.Infof("configuration: overriding debug from env: %v", b)
		}
	}
	// ENV_LOG_LEVEL
	if val, ok := os.LookupEnv("ENV_LOG_LEVEL"); ok {
		c.LogLevel = val
		applog.Infof("configuration: overriding log_level from env: %s", val)
	}

	// ENV_AUDIO_{...}

	// ENV_AUDIO_BACKEND
	if val, ok := os.LookupEnv("ENV_AUDIO_BACKEND"); ok {
		c.Audio.Backend = val
		applog.Infof("configuration: overriding audio.backend from env: %s", val)
	}
	// ENV_AUDIO_SAMPLE_RATE
	if val, ok := os.LookupEnv("ENV_AUDIO_SAMPLE_RATE"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			c.Audio.SampleRate = n
			applog.Infof("configuration: overriding audio.sample_rate from env: %d", n)
		}
	}
	// ENV_AUDIO_MICROPHONE_AUTHORIZED
	if val, ok := os.LookupEnv("ENV_AUDIO_MICROPHONE_AUTHORIZED"); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Audio.MicrophoneAuthorized = b
			applog.Infof("configuration: overriding audio.microphone_authorized from env: %v", b)
		}
	}

	// ENV_BRIDGE_LISTEN
	if val, ok := os.LookupEnv("ENV_BRIDGE_LISTEN"); ok {
		c.Bridge.Listen = val
		applog.Infof("configuration: overriding bridge.listen from env: %s", val)
	}

	// ENV_UDP_{...}

	// ENV_UDP_ENABLED
	if val, ok := os.LookupEnv("ENV_UDP_ENABLED"); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Transport.UDPEnabled = b
			applog.Infof("configuration: overriding transport.udp_enabled from env: %v", b)
		}
	}
	// ENV_UDP_TARGET_ADDRESS
	if val, ok := os.LookupEnv("ENV_UDP_TARGET_ADDRESS"); ok {
		c.Transport.UDPTargetAddress = val
		applog.Infof("configuration: overriding transport.udp_target_address from env: %s", val)
	}
	// ENV_UDP_SEND_INTERVAL
	if val, ok := os.LookupEnv("ENV_UDP_SEND_INTERVAL"); ok {
		if d, err := time.ParseDuration(val); err == nil {
			c.Transport.UDPSendInterval = d
			applog.Infof("configuration: overriding transport.udp_send_interval from env: %s", d)
		}
	}
}

// EffectiveLogLevel is LogLevel, or debug when Debug is set.
func (c *Config) EffectiveLogLevel() applog.LogLevel {
	if c.Debug {
		return applog.LevelDebug
	}
	level, _ := applog.ParseLevel(c.LogLevel)
	return level
}
