// SPDX-License-Identifier: MIT
package bridge

import (
	"sync/atomic"

	"micstream/internal/audio"
	applog "micstream/internal/log"
)

// Sender delivers encoded-on-demand messages to whoever is listening.
// Implementations must not block.
type Sender interface {
	Send(msg any) error
}

// EventSink forwards session events to a Sender.
type EventSink struct {
	out    Sender
	frames bool
	failed atomic.Uint64
	log    *applog.Logger
}

// NewEventSink returns a sink over out. When frames is false only level and
// error events are forwarded.
func NewEventSink(out Sender, frames bool) *EventSink {
	return &EventSink{out: out, frames: frames, log: applog.For("bridge")}
}

// Emit implements audio.Sink.
func (s *EventSink) Emit(ev audio.Event) {
	if ev.Kind == audio.EventFrame && !s.frames {
		return
	}
	if err := s.out.Send(EventFor(ev)); err != nil {
		// Only the first failure is logged; a slow client would flood otherwise.
		if s.failed.Add(1) == 1 {
			s.log.Warnf("dropping %s events: %v", ev.Kind, err)
		}
	}
}

// Failed returns how many events the Sender refused.
func (s *EventSink) Failed() uint64 {
	return s.failed.Load()
}
