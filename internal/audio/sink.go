// SPDX-License-Identifier: MIT
package audio

import "sync/atomic"

// Sink receives frames, levels and terminal errors. Emit is called from the
// session's delivery goroutine and from control calls; it must not block for
// long, a stalled sink only delays delivery and causes ring overwrites.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// attachment is implemented by sinks that can be absent.
type attachment interface {
	Attached() bool
}

// isAttached reports whether s can take events right now. Plain sinks are
// always attached.
func isAttached(s Sink) bool {
	if s == nil {
		return false
	}
	if a, ok := s.(attachment); ok {
		return a.Attached()
	}
	return true
}

// AttachableSink is a Sink slot that may be empty. Emitting while detached
// is a no-op.
type AttachableSink struct {
	cur atomic.Pointer[sinkBox]
}

type sinkBox struct{ s Sink }

// Attach installs s, replacing any previous sink. A nil s detaches.
func (a *AttachableSink) Attach(s Sink) {
	if s == nil {
		a.cur.Store(nil)
		return
	}
	a.cur.Store(&sinkBox{s: s})
}

// Detach removes the current sink and reports whether one was attached.
func (a *AttachableSink) Detach() bool {
	return a.cur.Swap(nil) != nil
}

func (a *AttachableSink) Attached() bool {
	return a.cur.Load() != nil
}

func (a *AttachableSink) Emit(ev Event) {
	if b := a.cur.Load(); b != nil {
		b.s.Emit(ev)
	}
}

// MultiSink fans events out to every member in order.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if isAttached(s) {
			s.Emit(ev)
		}
	}
}

func (m MultiSink) Attached() bool {
	for _, s := range m {
		if isAttached(s) {
			return true
		}
	}
	return false
}
