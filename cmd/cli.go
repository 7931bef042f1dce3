// SPDX-License-Identifier: MIT

// Package cmd parses the command line into a validated configuration.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"micstream/internal/config"
	"micstream/pkg/build"
)

// Commands selected by ParseArgs.
const (
	CommandRun  = "run"
	CommandList = "list"
)

// Options is the parsed command line.
type Options struct {
	Config  *config.Config
	Command string // CommandRun, CommandList, or "" after --help/--version
}

// flagValues holds raw flag values until they are merged over the config
// file. Only flags the user actually set are applied.
type flagValues struct {
	configPath      string
	backend         string
	deviceID        int
	deviceName      string
	sampleRate      int
	framesPerBuffer int
	lowLatency      bool
	listen          string
	codec           string
	levelsOnly      bool
	record          string
	udpTarget       string
	metrics         bool
	logLevel        string
	logFile         string
	verbose         bool
}

// ParseArgs parses args (without the program name).
func ParseArgs(args []string) (*Options, error) {
	info := build.Get()
	opts := &Options{}
	var fv flagValues

	rootCmd := &cobra.Command{
		Use:           info.Name,
		Short:         info.Description,
		Version:       info.String(),
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(fv.configPath)
			if err != nil {
				return err
			}
			fv.apply(cmd.Flags(), cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			opts.Config = cfg
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Command = CommandRun
			return nil
		},
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	// Display help message
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available audio input devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Command = CommandList
			return nil
		},
	}
	rootCmd.AddCommand(listCmd)

	flags := rootCmd.PersistentFlags()

	flags.StringVarP(&fv.configPath, "config", "f", "",
		"Path to a YAML config file (default: ./config.yaml if present)")

	// Audio Device Configuration
	flags.StringVar(&fv.backend, "backend", config.DefaultBackend,
		"Audio backend: portaudio, malgo or sim")
	flags.IntVarP(&fv.deviceID, "device", "d", config.DefaultDeviceID,
		"PortAudio input device ID. Use the 'list' command to see available devices.")
	flags.StringVar(&fv.deviceName, "device-name", "",
		"malgo input device name (substring match)")
	flags.IntVarP(&fv.sampleRate, "sample-rate", "s", config.DefaultSampleRate,
		"Preferred sample rate in Hz for headless capture (0 = hardware default)")
	flags.IntVarP(&fv.framesPerBuffer, "frames-per-buffer", "b", config.DefaultFramesPerBuffer,
		"The number of frames per buffer (affects latency)")
	flags.BoolVarP(&fv.lowLatency, "low-latency", "l", false,
		"Use the device's low input latency")

	// Bridge and outputs
	flags.StringVar(&fv.listen, "listen", config.DefaultBridgeListen,
		"WebSocket bridge address; empty runs headless and starts capture immediately")
	flags.StringVar(&fv.codec, "codec", config.DefaultBridgeCodec,
		"Bridge message codec: json or msgpack")
	flags.BoolVar(&fv.levelsOnly, "levels-only", false,
		"Send only level and error events over the bridge, not frames")
	flags.StringVarP(&fv.record, "record", "r", "",
		"Record captured audio to this WAV file")
	flags.StringVar(&fv.udpTarget, "udp", "",
		"Publish levels as UDP packets to host:port")
	flags.BoolVar(&fv.metrics, "metrics", false,
		"Serve Prometheus metrics on the bridge listener")

	// Debug Configuration
	flags.StringVar(&fv.logLevel, "log-level", config.DefaultLogLevel,
		"Log level: debug, info, warn or error")
	flags.StringVar(&fv.logFile, "log-file", "",
		"Also write logs to this file, rotated by size")
	flags.BoolVarP(&fv.verbose, "verbose", "v", false,
		"Show verbose output (same as --log-level debug)")

	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}
	return opts, nil
}

// apply copies every flag the user set over cfg.
func (fv *flagValues) apply(flags *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, fn func()) {
		if flags.Changed(name) {
			fn()
		}
	}
	set("backend", func() { cfg.Audio.Backend = fv.backend })
	set("device", func() { cfg.Audio.InputDevice = fv.deviceID })
	set("device-name", func() { cfg.Audio.DeviceName = fv.deviceName })
	set("sample-rate", func() { cfg.Audio.SampleRate = fv.sampleRate })
	set("frames-per-buffer", func() { cfg.Audio.FramesPerBuffer = fv.framesPerBuffer })
	set("low-latency", func() { cfg.Audio.LowLatency = fv.lowLatency })
	set("listen", func() { cfg.Bridge.Listen = fv.listen })
	set("codec", func() { cfg.Bridge.Codec = fv.codec })
	set("levels-only", func() { cfg.Bridge.SendFrames = !fv.levelsOnly })
	set("record", func() { cfg.Recording.Path = fv.record })
	set("udp", func() {
		cfg.Transport.UDPEnabled = fv.udpTarget != ""
		cfg.Transport.UDPTargetAddress = fv.udpTarget
	})
	set("metrics", func() { cfg.Metrics.Enabled = fv.metrics })
	set("log-level", func() { cfg.LogLevel = fv.logLevel })
	set("log-file", func() { cfg.Log.File = fv.logFile })
	set("verbose", func() { cfg.Debug = fv.verbose })
}
