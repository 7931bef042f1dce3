// SPDX-License-Identifier: MIT
/*
Package audio implements the capture session: a state machine that owns the
hardware input tap, turns each hardware buffer into a sequence-numbered frame
plus a loudness sample, and hands both to a consumer that may be slow, absent
or intermittently attached.

Execution contexts:
  - The driver calls OnHardwareBuffer on its real-time context. That path
    never blocks, logs or allocates; everything it touches is reserved in
    Start.
  - Control calls (Start, Stop, Pause, Resume, Abort) are serialized by a
    mutex and may block briefly on the device.
  - A delivery goroutine drains the FrameBuffer in sequence order and calls
    the Sink.

Backpressure is overwrite-oldest: a stalled consumer loses the oldest
undelivered frames, which shows up as gaps in the sequence numbers.
*/
package audio

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	applog "micstream/internal/log"
)

// Stats is a snapshot of the session counters.
type Stats struct {
	Captured        uint64
	Delivered       uint64
	Overwritten     uint64
	DroppedDetached uint64
	DroppedInvalid  uint64
	DroppedInactive uint64
}

// Option configures a CaptureSession.
type Option func(*CaptureSession)

// WithAuthorizer sets the permission check consulted by Start.
func WithAuthorizer(a Authorizer) Option {
	return func(s *CaptureSession) { s.auth = a }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(s *CaptureSession) {
		if o != nil {
			s.obs = o
		}
	}
}

// WithBufferWindow sets how much audio the ring holds before overwriting.
func WithBufferWindow(d time.Duration) Option {
	return func(s *CaptureSession) {
		if d > 0 {
			s.window = d
		}
	}
}

// CaptureSession owns one hardware tap for one start→stop cycle.
type CaptureSession struct {
	dev    Device
	sink   Sink
	auth   Authorizer
	obs    Observer
	window time.Duration
	log    *applog.Logger

	state atomic.Int32

	// mu serializes control operations and guards the fields below it.
	mu       sync.Mutex
	cfg      SessionConfig
	actual   ActualConfig
	reason   error
	acquired bool
	active   bool
	wake     chan struct{}
	done     chan struct{}
	pumpWG   sync.WaitGroup

	// Real-time path. Written only while no callback can observe Running.
	ring      *FrameBuffer
	frameSize int
	scratch   []float64
	nextSeq   uint64
	inflight  atomic.Int32

	latest levelCell

	captured        atomic.Uint64
	delivered       atomic.Uint64
	droppedDetached atomic.Uint64
	droppedInvalid  atomic.Uint64
	droppedInactive atomic.Uint64
}

// NewCaptureSession returns an Idle session that will capture from dev and
// emit to sink.
func NewCaptureSession(dev Device, sink Sink, opts ...Option) *CaptureSession {
	s := &CaptureSession{
		dev:    dev,
		sink:   sink,
		auth:   AlwaysAuthorized,
		obs:    nopObserver{},
		window: DefaultBufferWindow,
		log:    applog.For("capture"),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(int32(StateIdle))
	return s
}

// State returns the current lifecycle state.
func (s *CaptureSession) State() SessionState {
	return SessionState(s.state.Load())
}

// Config returns the configuration requested at Start (after defaults).
func (s *CaptureSession) Config() SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Actual returns the negotiated configuration of the current period.
func (s *CaptureSession) Actual() ActualConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actual
}

// Reason returns the error that moved the session to Failed, if any.
func (s *CaptureSession) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Stats returns a snapshot of the frame counters.
func (s *CaptureSession) Stats() Stats {
	st := Stats{
		Captured:        s.captured.Load(),
		Delivered:       s.delivered.Load(),
		DroppedDetached: s.droppedDetached.Load(),
		DroppedInvalid:  s.droppedInvalid.Load(),
		DroppedInactive: s.droppedInactive.Load(),
	}
	s.mu.Lock()
	if s.ring != nil {
		st.Overwritten = s.ring.Overwritten()
	}
	s.mu.Unlock()
	return st
}

// LatestLevel returns the most recent level sample. The boolean is false
// until the first frame of this session has been captured.
func (s *CaptureSession) LatestLevel() (LevelSample, bool) {
	return s.latest.load()
}

func (s *CaptureSession) setState(to SessionState) {
	from := SessionState(s.state.Swap(int32(to)))
	if from != to {
		s.obs.StateChanged(from, to)
		s.log.Debugf("state %s -> %s", from, to)
	}
}

// Start acquires the device, negotiates the configuration and begins
// delivery. It is valid from Idle and from Failed; residual hardware from a
// failed period is released first.
func (s *CaptureSession) Start(cfg SessionConfig) (ActualConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.State(); st {
	case StateIdle:
	case StateFailed:
		s.teardownLocked()
		s.reason = nil
		s.setState(StateIdle)
	default:
		return ActualConfig{}, NewError(KindAlreadyRunning, "start", fmt.Errorf("session is %s", st))
	}

	cfg = cfg.WithDefaults()
	if s.auth != nil && !s.auth.MicrophoneAuthorized() {
		return ActualConfig{}, NewError(KindPermissionDenied, "start", nil)
	}
	if err := cfg.Validate(); err != nil {
		return ActualConfig{}, err
	}

	s.setState(StateStarting)
	actual, err := s.acquireLocked(cfg)
	if err != nil {
		s.setState(StateIdle)
		return ActualConfig{}, err
	}
	actual.SessionID = uuid.NewString()

	s.cfg = cfg
	s.actual = actual
	s.nextSeq = 0
	s.latest.reset()
	s.reserveLocked(actual)
	s.startPumpLocked()

	s.setState(StateRunning)
	if err := s.activateLocked(); err != nil {
		s.setState(StateStopping)
		s.waitCallbacks()
		s.stopPumpLocked()
		s.teardownLocked()
		s.setState(StateIdle)
		return ActualConfig{}, classify("start", err)
	}

	s.log.Infof("session %s running (rate %d Hz, %d frames/buffer, ring %d slots)",
		actual.SessionID, actual.SampleRate, actual.BufferSizeFrames, s.ring.Cap())
	return actual, nil
}

// acquireLocked asks the device for cfg and checks what came back.
func (s *CaptureSession) acquireLocked(cfg SessionConfig) (ActualConfig, error) {
	actual, err := s.dev.Acquire(cfg, s.OnHardwareBuffer)
	if err != nil {
		return ActualConfig{}, classify("acquire", err)
	}
	s.acquired = true

	if actual.ChannelCount == 0 {
		actual.ChannelCount = cfg.ChannelCount
	}
	if actual.BufferSizeFrames == 0 {
		actual.BufferSizeFrames = cfg.BufferSizeFrames
	}
	if actual.SampleRate == 0 {
		actual.SampleRate = cfg.PreferredSampleRate
	}
	if actual.ChannelCount != MonoChannels {
		s.releaseLocked()
		return ActualConfig{}, NewError(KindConfigRejected, "acquire",
			fmt.Errorf("hardware negotiated %d channels", actual.ChannelCount))
	}
	if actual.SampleRate <= 0 {
		s.releaseLocked()
		return ActualConfig{}, NewError(KindConfigRejected, "acquire",
			fmt.Errorf("hardware reported sample rate %d", actual.SampleRate))
	}
	return actual, nil
}

// reserveLocked allocates everything the real-time path will touch.
func (s *CaptureSession) reserveLocked(actual ActualConfig) {
	size := actual.BufferSizeFrames
	capacity := CapacityFor(actual.SampleRate, size, s.window)
	if s.ring == nil || s.ring.Cap() != capacity || s.frameSize != size {
		s.ring = NewFrameBuffer(capacity, size)
		s.frameSize = size
		s.scratch = make([]float64, size)
		return
	}
	s.ring.Reset()
}

// OnHardwareBuffer is the tap entry point. It runs on the driver's real-time
// context: it never blocks on the consumer, never allocates and never fails.
// Buffers that cannot be used are dropped and counted.
func (s *CaptureSession) OnHardwareBuffer(raw RawSamples) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	if SessionState(s.state.Load()) != StateRunning {
		s.droppedInactive.Add(1)
		s.obs.FrameDropped(DropInactive)
		return
	}

	n := raw.Len()
	if n == 0 || n > len(s.scratch) || !normalizeInto(s.scratch[:n], raw) {
		s.droppedInvalid.Add(1)
		s.obs.FrameDropped(DropInvalid)
		return
	}

	seq := s.nextSeq
	s.nextSeq++
	ts := time.Now().UnixMilli()
	level := ComputeLevel(s.scratch[:n], seq, ts)
	s.captured.Add(1)
	s.obs.FrameCaptured()

	s.latest.store(level)

	if !isAttached(s.sink) {
		s.droppedDetached.Add(1)
		s.obs.FrameDropped(DropDetached)
		return
	}

	if s.ring.Push(s.scratch[:n], seq, s.actual.SampleRate, ts, level) {
		s.obs.FrameDropped(DropOverwritten)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// normalizeInto converts raw into dst as float64 in [-1, 1]. It reports
// false if any sample is not finite.
func normalizeInto(dst []float64, raw RawSamples) bool {
	if raw.F32 != nil {
		for i, v := range raw.F32 {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return false
			}
			dst[i] = f
		}
		return true
	}
	const scale = 1.0 / 32768.0
	for i, v := range raw.S16 {
		dst[i] = float64(v) * scale
	}
	return true
}

// waitCallbacks spins until no callback is inside OnHardwareBuffer. Callers
// move the state away from Running first, so any callback that starts after
// that returns immediately.
func (s *CaptureSession) waitCallbacks() {
	for s.inflight.Load() != 0 {
		runtime.Gosched()
	}
}

func (s *CaptureSession) startPumpLocked() {
	s.done = make(chan struct{})
	s.pumpWG.Add(1)
	go s.pump(s.ring, s.done, s.actual.BufferSizeFrames)
}

func (s *CaptureSession) stopPumpLocked() {
	if s.done == nil {
		return
	}
	close(s.done)
	s.pumpWG.Wait()
	s.done = nil
}

// pump drains the ring in sequence order and hands frames and levels to the
// sink. Samples are copied into a buffer owned by this goroutine, so the sink
// sees memory the real-time path is not writing to.
func (s *CaptureSession) pump(ring *FrameBuffer, done <-chan struct{}, frameSize int) {
	defer s.pumpWG.Done()

	frame := AudioFrame{Samples: make([]float32, 0, frameSize)}
	var level LevelSample
	for {
		select {
		case <-done:
			return
		case <-s.wake:
		}
		for s.State() == StateRunning && ring.PopInto(&frame, &level) {
			s.sink.Emit(Event{Kind: EventFrame, Frame: frame})
			s.sink.Emit(Event{Kind: EventLevel, Level: level})
			s.delivered.Add(1)
			s.obs.FrameDelivered()
		}
	}
}

// Pause moves Running to Interrupted: delivery stops, the route is
// disabled and undelivered frames are discarded. The tap stays installed so
// Resume can restart it. Pausing in any other state is a no-op.
func (s *CaptureSession) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRunning {
		return nil
	}
	s.setState(StateInterrupted)
	s.waitCallbacks()
	err := s.deactivateLocked()
	s.stopPumpLocked()
	s.ring.Reset()
	s.log.Infof("session %s interrupted", s.actual.SessionID)
	if err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

// Resume moves Interrupted back to Running. A nil cfg reuses the previous
// configuration; a different one is re-negotiated with the device. An
// invalid cfg is refused with ConfigRejected and the session stays
// Interrupted. If the device refuses, the session fails with ResumeRejected
// and one terminal error event is emitted. Sequence numbers continue from
// before the pause.
func (s *CaptureSession) Resume(cfg *SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.State(); st {
	case StateInterrupted:
	case StateRunning:
		return nil
	default:
		return NewError(KindResumeRejected, "resume", fmt.Errorf("session is %s", st))
	}

	next := s.cfg
	if cfg != nil {
		next = cfg.WithDefaults()
		if err := next.Validate(); err != nil {
			return NewError(KindConfigRejected, "resume", err)
		}
	}

	if next != s.cfg || !s.acquired {
		s.releaseLocked()
		actual, err := s.acquireLocked(next)
		if err != nil {
			rerr := NewError(KindResumeRejected, "resume", err)
			s.failLocked(rerr)
			return rerr
		}
		actual.SessionID = s.actual.SessionID
		s.cfg = next
		s.actual = actual
		s.reserveLocked(actual)
	}

	s.startPumpLocked()
	s.setState(StateRunning)
	if err := s.activateLocked(); err != nil {
		rerr := NewError(KindResumeRejected, "resume", err)
		s.failLocked(rerr)
		return rerr
	}
	s.log.Infof("session %s resumed (rate %d Hz)", s.actual.SessionID, s.actual.SampleRate)
	return nil
}

// Reroute re-negotiates the current configuration after the active route
// changed underneath a Running session: it pauses, gives the hardware back
// and resumes, which re-acquires it. Other states are left alone.
func (s *CaptureSession) Reroute() error {
	if s.State() != StateRunning {
		return nil
	}
	if err := s.Pause(); err != nil {
		s.log.Warnf("reroute: %v", err)
	}
	s.mu.Lock()
	if s.State() == StateInterrupted {
		if err := s.releaseLocked(); err != nil {
			s.log.Warnf("reroute: release: %v", err)
		}
	}
	s.mu.Unlock()
	return s.Resume(nil)
}

// Abort terminates an active session: it moves to Failed, releases the
// hardware and emits exactly one terminal error event. reason defaults to
// InterruptedUnrecoverable when it carries no kind of its own. Aborting an
// Idle or already Failed session is a no-op.
func (s *CaptureSession) Abort(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateRunning, StateInterrupted, StateStarting:
	default:
		return
	}
	if _, ok := KindOf(reason); !ok {
		reason = NewError(KindInterruptedUnrecoverable, "abort", reason)
	}
	s.failLocked(reason)
}

// failLocked is the single path into Failed, which is what makes the
// terminal event unique per period.
func (s *CaptureSession) failLocked(reason error) {
	s.setState(StateFailed)
	s.waitCallbacks()
	s.stopPumpLocked()
	s.teardownLocked()
	s.reason = reason
	s.log.Errorf("session %s failed: %v", s.actual.SessionID, reason)
	if isAttached(s.sink) {
		s.sink.Emit(Event{Kind: EventError, Err: reason})
	}
}

// Stop releases the tap and route and returns to Idle from any state. It is
// safe to call concurrently with an in-flight hardware callback and is a
// no-op on an Idle session.
func (s *CaptureSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateIdle {
		return nil
	}
	s.setState(StateStopping)
	s.waitCallbacks()
	s.stopPumpLocked()
	err := s.teardownLocked()
	s.setState(StateIdle)
	s.log.Infof("session %s stopped", s.actual.SessionID)
	return err
}

func (s *CaptureSession) activateLocked() error {
	if err := s.dev.Activate(); err != nil {
		return err
	}
	s.active = true
	return nil
}

func (s *CaptureSession) deactivateLocked() error {
	if !s.active {
		return nil
	}
	s.active = false
	return s.dev.Deactivate()
}

func (s *CaptureSession) releaseLocked() error {
	if !s.acquired {
		return nil
	}
	s.acquired = false
	return s.dev.Release()
}

// teardownLocked stops callbacks and gives the hardware back.
func (s *CaptureSession) teardownLocked() error {
	derr := s.deactivateLocked()
	rerr := s.releaseLocked()
	if derr != nil {
		return fmt.Errorf("deactivate: %w", derr)
	}
	if rerr != nil {
		return fmt.Errorf("release: %w", rerr)
	}
	return nil
}
