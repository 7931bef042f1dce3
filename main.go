// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"micstream/cmd"
	"micstream/internal/app"
	"micstream/internal/device"
	"micstream/internal/interruption"
	applog "micstream/internal/log"
	"micstream/pkg/build"
)

// main runs in three phases:
//
// 1. Startup (cold path):
//   - load build information
//   - parse flags and configuration
//   - configure logging
//   - run one-off commands such as device listing
//
// 2. Serving:
//   - open the capture device
//   - serve the bridge, UDP publisher and recorder until a signal arrives
//
// 3. Shutdown (cold path):
//   - stop capture, close transports and finalize the recording
func main() {
	// ==================== STARTUP PHASE (Cold Path) ====================

	if err := build.Initialize(); err != nil {
		applog.Debugf("development build: %v", err)
	}

	opts, err := cmd.ParseArgs(os.Args[1:])
	if err != nil {
		applog.Fatalf("%v", err)
	}
	if opts.Command == "" {
		return // --help or --version
	}
	cfg := opts.Config

	applog.SetLevel(cfg.EffectiveLogLevel())
	if cfg.Log.File != "" {
		logFile := applog.OpenFile(applog.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
		defer logFile.Close()
	}

	if opts.Command == cmd.CommandList {
		if err := device.List(cfg.Audio.Backend, os.Stdout); err != nil {
			applog.Errorf("listing devices: %v", err)
			os.Exit(1)
		}
		return
	}

	// ==================== SERVING PHASE ====================

	hub := interruption.NewHub()
	dev, err := device.New(device.Options{
		Backend:    cfg.Audio.Backend,
		DeviceID:   cfg.Audio.InputDevice,
		DeviceName: cfg.Audio.DeviceName,
		LowLatency: cfg.Audio.LowLatency,
		ToneHz:     cfg.Audio.ToneHz,
		OnStop: func() {
			hub.Publish(interruption.Notification{
				Type:   interruption.TypeRouteChanged,
				Reason: "device stopped",
			})
		},
	})
	if err != nil {
		applog.Fatalf("%v", err)
	}

	a, err := app.New(cfg, dev, hub)
	if err != nil {
		applog.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	applog.Infof("%s starting (%s backend)", build.Get(), cfg.Audio.Backend)

	// ==================== SHUTDOWN PHASE (Cold Path) ====================

	// Run returns once the signal has been handled and everything is closed.
	if err := a.Run(ctx); err != nil {
		applog.Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}
