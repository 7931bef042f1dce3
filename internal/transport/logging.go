// SPDX-License-Identifier: MIT
package transport

import (
	"sync"

	"micstream/internal/bridge"
	applog "micstream/internal/log"
)

// LoggingTransport writes bridge events to the log instead of a socket. It is
// used when no bridge listener is configured.
type LoggingTransport struct {
	every uint64

	mu     sync.Mutex
	n      uint64
	closed bool
	log    *applog.Logger
}

// NewLoggingTransport logs one in every n level events. Errors are always
// logged; frames are only counted.
func NewLoggingTransport(every int) *LoggingTransport {
	if every < 1 {
		every = 1
	}
	lt := &LoggingTransport{every: uint64(every), log: applog.For("transport")}
	lt.log.Infof("using logging transport (1 in %d levels)", every)
	return lt
}

// Send logs msg if it is a bridge event.
func (lt *LoggingTransport) Send(msg any) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.closed {
		return ErrClosed
	}

	ev, ok := msg.(bridge.EventPayload)
	if !ok {
		lt.log.Debugf("ignoring %T", msg)
		return nil
	}
	switch {
	case ev.Error != nil:
		lt.log.Warnf("capture error %s: %s", ev.Error.Code, ev.Error.Message)
	case ev.Level != nil:
		lt.n++
		if (lt.n-1)%lt.every == 0 {
			l := ev.Level
			lt.log.Infof("level seq=%d avg=%.1fdB peak=%.1fdB", l.Seq, l.AveragePowerDb, l.PeakPowerDb)
		}
	case ev.Frame != nil:
		lt.log.Debugf("frame seq=%d samples=%d", ev.Frame.Seq, len(ev.Frame.Samples))
	}
	return nil
}

// Levels returns how many level events were seen.
func (lt *LoggingTransport) Levels() uint64 {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.n
}

// Close makes further sends fail.
func (lt *LoggingTransport) Close() error {
	lt.mu.Lock()
	lt.closed = true
	lt.mu.Unlock()
	return nil
}

var _ Transport = (*LoggingTransport)(nil)
