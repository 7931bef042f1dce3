// SPDX-License-Identifier: MIT

// Package streamer exposes capture as a start/stop/query command surface. A
// Controller owns at most one CaptureSession at a time and hands the device
// from one session to the next.
package streamer

import (
	"fmt"
	"sync"

	"micstream/internal/audio"
	"micstream/internal/interruption"
	applog "micstream/internal/log"
)

// Controller is safe for concurrent use.
type Controller struct {
	dev      audio.Device
	src      interruption.Source
	sessOpts []audio.Option
	log      *applog.Logger

	// sink is handed to every session; attaching and detaching does not
	// require a new session.
	sink audio.AttachableSink

	mu      sync.Mutex
	session *audio.CaptureSession
	monitor *interruption.Monitor
}

// New returns a Controller capturing from dev. src may be nil when the
// platform has no interruption notifications. opts are applied to every
// session the controller creates.
func New(dev audio.Device, src interruption.Source, opts ...audio.Option) *Controller {
	return &Controller{
		dev:      dev,
		src:      src,
		sessOpts: opts,
		log:      applog.For("streamer"),
	}
}

// Start begins a fresh capture session. A nil cfg uses the defaults. It
// fails with AlreadyRunning while a session is active. Other failures are
// also emitted to the attached sink as an error event.
func (c *Controller) Start(cfg *audio.SessionConfig) (audio.ActualConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		switch st := c.session.State(); st {
		case audio.StateIdle:
		case audio.StateFailed:
			c.closeMonitorLocked()
			if err := c.session.Stop(); err != nil {
				c.log.Warnf("releasing failed session: %v", err)
			}
		default:
			return audio.ActualConfig{}, audio.NewError(audio.KindAlreadyRunning, "start",
				fmt.Errorf("session is %s", st))
		}
	}

	want := audio.DefaultSessionConfig()
	if cfg != nil {
		want = *cfg
	}

	s := audio.NewCaptureSession(c.dev, &c.sink, c.sessOpts...)
	actual, err := s.Start(want)
	if err != nil {
		c.log.Errorf("start: %v", err)
		c.sink.Emit(audio.Event{Kind: audio.EventError, Err: err})
		return audio.ActualConfig{}, err
	}

	c.session = s
	if c.src != nil {
		c.monitor = interruption.Watch(c.src, s)
	}
	return actual, nil
}

// Stop ends the current session and unsubscribes its monitor. It is a no-op
// when nothing is running.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	c.closeMonitorLocked()
	if c.session == nil {
		return nil
	}
	return c.session.Stop()
}

func (c *Controller) closeMonitorLocked() {
	if c.monitor != nil {
		c.monitor.Close()
		c.monitor = nil
	}
}

// QueryLevel returns the most recent level. It fails with audio.ErrNoData
// before the first frame of a session, while the session is interrupted, or
// when nothing was ever started. After Stop the last level stays readable.
func (c *Controller) QueryLevel() (audio.LevelSample, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil || s.State() == audio.StateInterrupted {
		return audio.LevelSample{}, audio.ErrNoData
	}
	level, ok := s.LatestLevel()
	if !ok {
		return audio.LevelSample{}, audio.ErrNoData
	}
	return level, nil
}

// SampleRate returns the sample rate negotiated by the latest session.
func (c *Controller) SampleRate() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return 0, audio.ErrNoData
	}
	return c.session.Actual().SampleRate, nil
}

// Actual returns the negotiated configuration of the latest session.
func (c *Controller) Actual() audio.ActualConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session.Actual()
	}
	return audio.ActualConfig{}
}

// State returns the state of the current session, Idle if there is none.
func (c *Controller) State() audio.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return audio.StateIdle
	}
	return c.session.State()
}

// Stats returns the counters of the current session.
func (c *Controller) Stats() audio.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return audio.Stats{}
	}
	return c.session.Stats()
}

// AttachSink routes events to s. Any previous sink is replaced.
func (c *Controller) AttachSink(s audio.Sink) {
	c.sink.Attach(s)
}

// DetachSink removes the sink. A consumer going away ends capture, so the
// running session is stopped and its monitor unsubscribed.
func (c *Controller) DetachSink() error {
	if !c.sink.Detach() {
		return nil
	}
	c.log.Infof("sink detached, stopping capture")
	return c.Stop()
}

// Attached reports whether a sink is attached.
func (c *Controller) Attached() bool {
	return c.sink.Attached()
}
