// SPDX-License-Identifier: MIT
package audiotest

import (
	"slices"
	"sync"
	"time"

	"micstream/internal/audio"
)

// Sink records every event it receives. Frame samples are copied, since the
// session reuses their backing array.
type Sink struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
	levels []audio.LevelSample
	errs   []error
	notify chan struct{}

	// Block, when non-nil, is received from before each frame is recorded,
	// which lets a test stall the consumer.
	Block chan struct{}
}

// NewSink returns an empty recording sink.
func NewSink() *Sink {
	return &Sink{notify: make(chan struct{}, 1)}
}

func (s *Sink) Emit(ev audio.Event) {
	if ev.Kind == audio.EventFrame && s.Block != nil {
		<-s.Block
	}
	s.mu.Lock()
	switch ev.Kind {
	case audio.EventFrame:
		f := ev.Frame
		f.Samples = slices.Clone(f.Samples)
		s.frames = append(s.frames, f)
	case audio.EventLevel:
		s.levels = append(s.levels, ev.Level)
	case audio.EventError:
		s.errs = append(s.errs, ev.Err)
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Sink) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

func (s *Sink) Levels() []audio.LevelSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.levels)
}

func (s *Sink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.errs)
}

// Seqs returns the sequence numbers of the recorded frames in arrival order.
func (s *Sink) Seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs := make([]uint64, len(s.frames))
	for i, f := range s.frames {
		seqs[i] = f.Seq
	}
	return seqs
}

// Reset forgets everything recorded so far.
func (s *Sink) Reset() {
	s.mu.Lock()
	s.frames, s.levels, s.errs = nil, nil, nil
	s.mu.Unlock()
}

// WaitFrames blocks until at least n frames and their levels have been
// recorded or the timeout expires. It reports whether the count was reached.
func (s *Sink) WaitFrames(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		done := len(s.frames) >= n && len(s.levels) >= n
		s.mu.Unlock()
		if done {
			return true
		}
		select {
		case <-s.notify:
		case <-deadline:
			return false
		}
	}
}
