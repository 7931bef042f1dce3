// SPDX-License-Identifier: MIT
package interruption

import (
	"sync"

	"micstream/internal/audio"
	applog "micstream/internal/log"
)

// Session is the part of audio.CaptureSession the monitor drives.
type Session interface {
	State() audio.SessionState
	Pause() error
	Resume(cfg *audio.SessionConfig) error
	Reroute() error
	Abort(reason error)
}

// Monitor subscribes to a Source for the lifetime of one capture session and
// applies the interruption policy:
//
//	began                   -> Pause
//	ended, should resume    -> Resume with the previous configuration
//	ended, no resume        -> Abort (InterruptedUnrecoverable)
//	route changed (Running) -> Reroute: re-acquire with the same configuration
//	anything else           -> ignored
type Monitor struct {
	session Session
	log     *applog.Logger

	// mu serializes handling so a began/ended pair cannot interleave.
	mu          sync.Mutex
	unsubscribe func()
	closed      bool
}

// Watch subscribes to src on behalf of session.
func Watch(src Source, session Session) *Monitor {
	m := &Monitor{
		session: session,
		log:     applog.For("interruption"),
	}
	m.mu.Lock()
	m.unsubscribe = src.Subscribe(m.Handle)
	m.mu.Unlock()
	return m
}

// Handle applies one notification. It is exported so platform glue that is
// not a Source can feed the monitor directly. Once the session has failed
// the monitor unsubscribes itself.
func (m *Monitor) Handle(n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.handleLocked(n)
	if m.session.State() == audio.StateFailed {
		m.log.Debugf("session failed, unsubscribing")
		m.closeLocked()
	}
}

func (m *Monitor) handleLocked(n Notification) {

	switch n.Type {
	case TypeBegan:
		m.log.Infof("interruption began (%s)", n.Reason)
		if err := m.session.Pause(); err != nil {
			m.log.Warnf("pause: %v", err)
		}

	case TypeEnded:
		if !n.ShouldResume {
			m.log.Warnf("interruption ended without resume (%s)", n.Reason)
			m.session.Abort(audio.NewError(audio.KindInterruptedUnrecoverable, "interruption", nil))
			return
		}
		m.log.Infof("interruption ended, resuming")
		if err := m.session.Resume(nil); err != nil {
			m.log.Errorf("resume: %v", err)
		}

	case TypeRouteChanged:
		if m.session.State() != audio.StateRunning {
			m.log.Debugf("route changed while %s, ignored", m.session.State())
			return
		}
		m.log.Infof("route changed (%s), renegotiating", n.Reason)
		if err := m.session.Reroute(); err != nil {
			m.log.Errorf("reroute: %v", err)
		}

	default:
		m.log.Debugf("ignoring %s notification", n.Type)
	}
}

// Close unsubscribes. Notifications that arrive afterwards are ignored.
// Close is idempotent.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

// closeLocked must not be called with the Source's own lock held; Hub
// delivers outside its lock.
func (m *Monitor) closeLocked() {
	if m.closed {
		return
	}
	m.closed = true
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}
