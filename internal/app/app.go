// SPDX-License-Identifier: MIT

// Package app wires the capture controller to its consumers: the WebSocket
// bridge, the UDP level publisher, the WAV recorder and the metrics
// endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"micstream/internal/audio"
	"micstream/internal/bridge"
	"micstream/internal/config"
	"micstream/internal/interruption"
	applog "micstream/internal/log"
	"micstream/internal/metrics"
	"micstream/internal/recording"
	"micstream/internal/streamer"
	"micstream/internal/transport"
	"micstream/internal/transport/udp"
)

// levelLogEvery is how many level events the logging transport skips
// between log lines in headless mode.
const levelLogEvery = 50

// App owns every long-lived component. Build it with New, drive it with
// Run.
type App struct {
	cfg *config.Config
	log *applog.Logger

	metrics *metrics.Metrics
	ctrl    *streamer.Controller
	router  *bridge.Router

	ws        *transport.WebSocketTransport
	logOut    *transport.LoggingTransport
	events    audio.Sink
	recorder  *recording.Recorder
	udpSender *udp.Sender
	publisher *udp.Publisher
}

// New builds the application around dev. hub carries interruption and
// route-change notifications from the platform and from bridge clients; a
// nil hub gets a private one.
func New(cfg *config.Config, dev audio.Device, hub *interruption.Hub) (*App, error) {
	if hub == nil {
		hub = interruption.NewHub()
	}
	a := &App{cfg: cfg, log: applog.For("app")}

	m, err := metrics.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	a.metrics = m

	authorized := cfg.Audio.MicrophoneAuthorized
	a.ctrl = streamer.New(dev, hub,
		audio.WithObserver(m),
		audio.WithAuthorizer(audio.AuthorizerFunc(func() bool { return authorized })),
		audio.WithBufferWindow(cfg.Audio.BufferWindow),
	)
	a.router = bridge.NewRouter(a.ctrl,
		bridge.WithNotifier(hub.Publish),
		bridge.WithRecorder(m),
	)

	if cfg.Recording.Path != "" {
		a.recorder = recording.NewRecorder(cfg.Recording.Path)
	}

	if err := a.setupEvents(); err != nil {
		a.closeOutputs()
		return nil, err
	}

	if cfg.Transport.UDPEnabled {
		a.udpSender, err = udp.NewSender(cfg.Transport.UDPTargetAddress)
		if err != nil {
			a.closeOutputs()
			return nil, err
		}
		a.publisher, err = udp.NewPublisher(cfg.Transport.UDPSendInterval, a.udpSender, a.ctrl, m)
		if err != nil {
			a.closeOutputs()
			return nil, err
		}
	}
	return a, nil
}

// setupEvents picks where session events go: the WebSocket bridge when a
// listen address is configured, the log otherwise.
func (a *App) setupEvents() error {
	cfg := a.cfg
	if cfg.Bridge.Listen == "" {
		a.logOut = transport.NewLoggingTransport(levelLogEvery)
		a.events = a.withRecorder(bridge.NewEventSink(a.logOut, false))
		return nil
	}

	codec, err := bridge.CodecFor(cfg.Bridge.Codec)
	if err != nil {
		return err
	}
	handlers := map[string]http.Handler{}
	if cfg.Metrics.Enabled {
		handlers[cfg.Metrics.Path] = a.metrics.Handler()
	}

	sender := &deferredSender{}
	a.events = a.withRecorder(bridge.NewEventSink(sender, cfg.Bridge.SendFrames))
	a.ws, err = transport.NewWebSocketTransport(transport.Options{
		Addr:          cfg.Bridge.Listen,
		Path:          cfg.Bridge.Path,
		Codec:         codec,
		Router:        a.router,
		OnFirstClient: func() { a.ctrl.AttachSink(a.events) },
		OnLastClient: func() {
			if err := a.ctrl.DetachSink(); err != nil {
				a.log.Warnf("stopping capture after last client left: %v", err)
			}
		},
		Clients:  a.metrics.SetClients,
		Handlers: handlers,
	})
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", cfg.Bridge.Listen, err)
	}
	sender.out.Store(a.ws)
	return nil
}

func (a *App) withRecorder(s audio.Sink) audio.Sink {
	if a.recorder == nil {
		return s
	}
	return audio.MultiSink{s, a.recorder}
}

// Headless reports whether capture starts on its own rather than on a
// bridge client's request.
func (a *App) Headless() bool {
	return a.ws == nil
}

// BridgeURL returns the WebSocket URL, or "" in headless mode.
func (a *App) BridgeURL() string {
	if a.ws == nil {
		return ""
	}
	return a.ws.URL()
}

// Controller exposes the capture controller.
func (a *App) Controller() *streamer.Controller {
	return a.ctrl
}

// Run serves until ctx is cancelled, then shuts everything down. In
// headless mode capture starts immediately and a start failure ends Run.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.publisher != nil {
		a.publisher.Start()
	}

	if a.Headless() {
		a.ctrl.AttachSink(a.events)
		actual, err := a.ctrl.Start(&audio.SessionConfig{
			PreferredSampleRate: a.cfg.Audio.SampleRate,
			ChannelCount:        audio.MonoChannels,
			BufferSizeFrames:    a.cfg.Audio.FramesPerBuffer,
		})
		if err != nil {
			return errors.Join(fmt.Errorf("start capture: %w", err), a.shutdown())
		}
		a.log.Infof("capturing at %d Hz, %d frames per buffer (session %s)",
			actual.SampleRate, actual.BufferSizeFrames, actual.SessionID)
	} else {
		a.log.Infof("waiting for bridge clients on %s", a.ws.URL())
	}

	if iv := a.cfg.Log.StatusInterval; iv > 0 {
		g.Go(func() error {
			a.reportStatus(ctx, iv)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return a.shutdown()
	})
	return g.Wait()
}

// reportStatus logs the capture counters until ctx ends.
func (a *App) reportStatus(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := a.ctrl.Stats()
			a.log.Infof("state=%s captured=%d delivered=%d overwritten=%d detached=%d invalid=%d",
				a.ctrl.State(), st.Captured, st.Delivered, st.Overwritten, st.DroppedDetached, st.DroppedInvalid)
		}
	}
}

// shutdown stops the publisher and bridge before capture so nothing reads
// a session that is going away, then closes the outputs.
func (a *App) shutdown() error {
	a.log.Infof("shutting down")
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Stop())
	}
	if a.ws != nil {
		errs = append(errs, a.ws.Close())
	}
	if err := a.ctrl.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop capture: %w", err))
	}
	errs = append(errs, a.closeOutputs())
	return errors.Join(errs...)
}

func (a *App) closeOutputs() error {
	var errs []error
	if a.ws != nil {
		errs = append(errs, a.ws.Close())
	}
	if a.logOut != nil {
		errs = append(errs, a.logOut.Close())
	}
	if a.udpSender != nil {
		errs = append(errs, a.udpSender.Close())
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recording: %w", err))
		} else if n := a.recorder.Frames(); n > 0 {
			a.log.Infof("recording saved to %s (%d frames)", a.cfg.Recording.Path, n)
		}
	}
	return errors.Join(errs...)
}

// deferredSender breaks the construction cycle between the event sink and
// the transport that carries it.
type deferredSender struct {
	out atomic.Pointer[transport.WebSocketTransport]
}

func (d *deferredSender) Send(msg any) error {
	out := d.out.Load()
	if out == nil {
		return transport.ErrClosed
	}
	return out.Send(msg)
}
