// SPDX-License-Identifier: MIT
package audio_test

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"micstream/internal/audio"
	"micstream/internal/audio/audiotest"
)

const (
	testRate    = 48000
	testBuffer  = 256
	waitTimeout = 2 * time.Second
)

func testConfig() audio.SessionConfig {
	return audio.SessionConfig{
		PreferredSampleRate: testRate,
		ChannelCount:        audio.MonoChannels,
		BufferSizeFrames:    testBuffer,
	}
}

func newRunningSession(t *testing.T, opts ...audio.Option) (*audio.CaptureSession, *audiotest.Device, *audiotest.Sink) {
	t.Helper()
	dev := audiotest.NewDevice(testRate)
	sink := audiotest.NewSink()
	s := audio.NewCaptureSession(dev, sink, opts...)
	_, err := s.Start(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s, dev, sink
}

func pushN(t *testing.T, dev *audiotest.Device, n int, v float32) {
	t.Helper()
	for range n {
		require.True(t, dev.Push(audiotest.Constant(testBuffer, v)), "device not active")
	}
}

func assertStrictlyIncreasing(t *testing.T, seqs []uint64) {
	t.Helper()
	for i := 1; i < len(seqs); i++ {
		require.Greater(t, seqs[i], seqs[i-1], "sequence not increasing at %d: %v", i, seqs)
	}
}

func TestStartReportsActualConfig(t *testing.T) {
	dev := audiotest.NewDevice(44100)
	s := audio.NewCaptureSession(dev, audiotest.NewSink())
	t.Cleanup(func() { _ = s.Stop() })

	actual, err := s.Start(testConfig())
	require.NoError(t, err)

	assert.Equal(t, 44100, actual.SampleRate, "actual rate comes from hardware, not the preference")
	assert.Equal(t, audio.MonoChannels, actual.ChannelCount)
	assert.Equal(t, testBuffer, actual.BufferSizeFrames)
	assert.NotEmpty(t, actual.SessionID)
	assert.Equal(t, audio.StateRunning, s.State())
	assert.True(t, dev.Active())
}

func TestStartDefaultsConfig(t *testing.T) {
	dev := audiotest.NewDevice(0)
	s := audio.NewCaptureSession(dev, audiotest.NewSink())
	t.Cleanup(func() { _ = s.Stop() })

	actual, err := s.Start(audio.SessionConfig{})
	require.NoError(t, err)
	assert.Equal(t, audio.DefaultBufferSizeFrames, actual.BufferSizeFrames)
	assert.Equal(t, audio.MonoChannels, s.Config().ChannelCount)
}

func TestStartStopCycle(t *testing.T) {
	s, dev, sink := newRunningSession(t)

	pushN(t, dev, 5, 0.5)
	require.True(t, sink.WaitFrames(5, waitTimeout))

	require.NoError(t, s.Stop())
	assert.Equal(t, audio.StateIdle, s.State())
	assert.False(t, dev.Active())
	assert.False(t, dev.Acquired())
	assert.False(t, dev.Push(audiotest.Constant(testBuffer, 0.5)))

	// Idempotent.
	require.NoError(t, s.Stop())
	assert.Equal(t, audio.StateIdle, s.State())
	assert.Equal(t, 1, dev.Releases)
}

func TestFramesAndLevelsArePaired(t *testing.T) {
	s, dev, sink := newRunningSession(t)

	pushN(t, dev, 20, 0.25)
	require.True(t, sink.WaitFrames(20, waitTimeout))

	frames, levels := sink.Frames(), sink.Levels()
	require.Len(t, frames, 20)
	require.Len(t, levels, 20)
	assertStrictlyIncreasing(t, sink.Seqs())
	for i, f := range frames {
		assert.Equal(t, f.Seq, levels[i].Seq)
		assert.Equal(t, f.TimestampMs, levels[i].TimestampMs)
		assert.Equal(t, testRate, f.SampleRate)
		assert.Equal(t, audio.MonoChannels, f.Channels)
		assert.Len(t, f.Samples, testBuffer)
		assert.InDelta(t, -12.04, levels[i].AveragePowerDb, 0.01)
		if i > 0 {
			assert.GreaterOrEqual(t, f.TimestampMs, frames[i-1].TimestampMs)
		}
	}

	latest, ok := s.LatestLevel()
	require.True(t, ok)
	assert.Equal(t, uint64(19), latest.Seq)
	assert.Equal(t, uint64(20), s.Stats().Delivered)
}

func TestSilenceAndFullScaleLevels(t *testing.T) {
	_, dev, sink := newRunningSession(t)

	pushN(t, dev, 1, 0)
	pushN(t, dev, 1, 1)
	require.True(t, sink.WaitFrames(2, waitTimeout))

	levels := sink.Levels()
	assert.Equal(t, audio.FloorDb, levels[0].AveragePowerDb)
	assert.Equal(t, audio.FloorDb, levels[0].PeakPowerDb)
	assert.Zero(t, levels[0].NormalizedAverage)
	assert.Zero(t, levels[0].NormalizedPeak)

	assert.InDelta(t, 0, levels[1].AveragePowerDb, 1e-9)
	assert.InDelta(t, 0, levels[1].PeakPowerDb, 1e-9)
	assert.InDelta(t, 1, levels[1].NormalizedAverage, 1e-9)
	assert.InDelta(t, 1, levels[1].NormalizedPeak, 1e-9)
}

func TestStartWhileRunning(t *testing.T) {
	s, dev, _ := newRunningSession(t)

	_, err := s.Start(testConfig())
	require.ErrorIs(t, err, audio.ErrAlreadyRunning)
	assert.Equal(t, audio.StateRunning, s.State())
	assert.Equal(t, 1, dev.Acquires)
}

func TestStartPermissionDenied(t *testing.T) {
	dev := audiotest.NewDevice(testRate)
	s := audio.NewCaptureSession(dev, audiotest.NewSink(),
		audio.WithAuthorizer(audio.AuthorizerFunc(func() bool { return false })))

	_, err := s.Start(testConfig())
	require.ErrorIs(t, err, audio.ErrPermissionDenied)
	assert.Equal(t, audio.StateIdle, s.State())
	assert.Zero(t, dev.Acquires)
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(d *audiotest.Device)
		cfg   audio.SessionConfig
		want  error
	}{
		{
			name:  "AcquireFails",
			setup: func(d *audiotest.Device) { d.AcquireErr = errors.New("busy") },
			cfg:   testConfig(),
			want:  audio.ErrDeviceUnavailable,
		},
		{
			name:  "ActivateFails",
			setup: func(d *audiotest.Device) { d.ActivateErr = errors.New("route refused") },
			cfg:   testConfig(),
			want:  audio.ErrDeviceUnavailable,
		},
		{
			name:  "StereoNegotiated",
			setup: func(d *audiotest.Device) { d.Channels = 2 },
			cfg:   testConfig(),
			want:  audio.ErrConfigRejected,
		},
		{
			name:  "StereoRequested",
			setup: func(*audiotest.Device) {},
			cfg:   audio.SessionConfig{ChannelCount: 2, BufferSizeFrames: testBuffer},
			want:  audio.ErrConfigRejected,
		},
		{
			name:  "BufferTooSmall",
			setup: func(*audiotest.Device) {},
			cfg:   audio.SessionConfig{BufferSizeFrames: 8},
			want:  audio.ErrConfigRejected,
		},
		{
			name: "DriverKindKept",
			setup: func(d *audiotest.Device) {
				d.AcquireErr = audio.NewError(audio.KindConfigRejected, "driver", errors.New("rate"))
			},
			cfg:  testConfig(),
			want: audio.ErrConfigRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := audiotest.NewDevice(testRate)
			tt.setup(dev)
			s := audio.NewCaptureSession(dev, audiotest.NewSink())

			_, err := s.Start(tt.cfg)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, audio.StateIdle, s.State())
			assert.False(t, dev.Acquired(), "hardware left acquired")
			assert.False(t, dev.Active(), "route left active")
		})
	}
}

func TestPauseSuppressesDelivery(t *testing.T) {
	s, dev, sink := newRunningSession(t)

	pushN(t, dev, 3, 0.5)
	require.True(t, sink.WaitFrames(3, waitTimeout))

	require.NoError(t, s.Pause())
	assert.Equal(t, audio.StateInterrupted, s.State())
	assert.False(t, dev.Active())

	// A late callback from the driver after the pause.
	dev.Tap()(audio.RawSamples{F32: audiotest.Constant(testBuffer, 0.5)})
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, sink.Frames(), 3)
	assert.Equal(t, uint64(1), s.Stats().DroppedInactive)

	// Pausing again is a no-op.
	require.NoError(t, s.Pause())
	assert.Equal(t, audio.StateInterrupted, s.State())
}

func TestResumeContinuesSequence(t *testing.T) {
	s, dev, sink := newRunningSession(t)

	pushN(t, dev, 3, 0.5)
	require.True(t, sink.WaitFrames(3, waitTimeout))
	require.NoError(t, s.Pause())

	require.NoError(t, s.Resume(nil))
	assert.Equal(t, audio.StateRunning, s.State())
	assert.Equal(t, 1, dev.Acquires, "unchanged config is not renegotiated")

	pushN(t, dev, 3, 0.5)
	require.True(t, sink.WaitFrames(6, waitTimeout))
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5}, sink.Seqs())
}

func TestResumeRenegotiates(t *testing.T) {
	dev := audiotest.NewDevice(0)
	sink := audiotest.NewSink()
	s := audio.NewCaptureSession(dev, sink)
	t.Cleanup(func() { _ = s.Stop() })

	first, err := s.Start(testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Pause())

	next := testConfig()
	next.PreferredSampleRate = 16000
	require.NoError(t, s.Resume(&next))

	assert.Equal(t, 2, dev.Acquires)
	assert.Equal(t, 16000, s.Actual().SampleRate)
	assert.Equal(t, first.SessionID, s.Actual().SessionID)

	pushN(t, dev, 1, 0.1)
	require.True(t, sink.WaitFrames(1, waitTimeout))
	assert.Equal(t, 16000, sink.Frames()[0].SampleRate)
}

func TestResumeRejectedFailsOnce(t *testing.T) {
	s, dev, sink := newRunningSession(t)
	require.NoError(t, s.Pause())

	dev.RejectAcquire = func(cfg audio.SessionConfig) error {
		return errors.New("route lost")
	}
	next := testConfig()
	next.PreferredSampleRate = 22050

	err := s.Resume(&next)
	require.ErrorIs(t, err, audio.ErrResumeRejected)
	assert.Equal(t, audio.StateFailed, s.State())
	assert.False(t, dev.Acquired())

	errs := sink.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], audio.ErrResumeRejected)

	// A second attempt does not emit another terminal event.
	require.ErrorIs(t, s.Resume(nil), audio.ErrResumeRejected)
	s.Abort(errors.New("late"))
	assert.Len(t, sink.Errors(), 1)

	// Failed sessions can be started again.
	dev.RejectAcquire = nil
	_, err = s.Start(testConfig())
	require.NoError(t, err)
	assert.Equal(t, audio.StateRunning, s.State())
}

func TestResumeInvalidConfigKeepsInterrupted(t *testing.T) {
	s, dev, sink := newRunningSession(t)
	pushN(t, dev, 1, 0.2)
	require.True(t, sink.WaitFrames(1, waitTimeout))
	require.NoError(t, s.Pause())

	bad := audio.SessionConfig{ChannelCount: 2, BufferSizeFrames: testBuffer}
	err := s.Resume(&bad)
	require.ErrorIs(t, err, audio.ErrConfigRejected)
	assert.Equal(t, audio.StateInterrupted, s.State())
	assert.Empty(t, sink.Errors())
	assert.Equal(t, 1, dev.Acquires)

	// The previous configuration still resumes and keeps counting.
	require.NoError(t, s.Resume(nil))
	pushN(t, dev, 1, 0.2)
	require.True(t, sink.WaitFrames(2, waitTimeout))
	assert.Equal(t, []uint64{0, 1}, sink.Seqs())
}

func TestResumeActivateFails(t *testing.T) {
	s, dev, sink := newRunningSession(t)
	require.NoError(t, s.Pause())

	dev.ActivateErr = errors.New("category denied")
	require.ErrorIs(t, s.Resume(nil), audio.ErrResumeRejected)
	assert.Equal(t, audio.StateFailed, s.State())
	assert.Len(t, sink.Errors(), 1)
}

func TestResumeFromIdle(t *testing.T) {
	s := audio.NewCaptureSession(audiotest.NewDevice(testRate), audiotest.NewSink())
	require.ErrorIs(t, s.Resume(nil), audio.ErrResumeRejected)
	assert.Equal(t, audio.StateIdle, s.State())
}

func TestAbort(t *testing.T) {
	s, dev, sink := newRunningSession(t)

	s.Abort(errors.New("media services reset"))
	assert.Equal(t, audio.StateFailed, s.State())
	assert.False(t, dev.Acquired())
	require.ErrorIs(t, s.Reason(), audio.ErrInterruptedUnrecoverable)

	s.Abort(nil)
	errs := sink.Errors()
	require.Len(t, errs, 1)
	kind, ok := audio.KindOf(errs[0])
	require.True(t, ok)
	assert.Equal(t, audio.KindInterruptedUnrecoverable, kind)

	require.NoError(t, s.Stop())
	assert.Equal(t, audio.StateIdle, s.State())
}

func TestAbortIdleIsNoop(t *testing.T) {
	sink := audiotest.NewSink()
	s := audio.NewCaptureSession(audiotest.NewDevice(testRate), sink)
	s.Abort(errors.New("nothing to abort"))
	assert.Equal(t, audio.StateIdle, s.State())
	assert.Empty(t, sink.Errors())
}

func TestInvalidBuffersDropped(t *testing.T) {
	s, dev, sink := newRunningSession(t)

	nan := audiotest.Constant(testBuffer, 0.5)
	nan[10] = float32(math.NaN())
	inf := audiotest.Constant(testBuffer, 0.5)
	inf[0] = float32(math.Inf(1))

	require.True(t, dev.Push(nan))
	require.True(t, dev.Push(inf))
	require.True(t, dev.Push([]float32{}))
	require.True(t, dev.Push(audiotest.Constant(testBuffer*2, 0.5)))
	pushN(t, dev, 1, 0.5)

	require.True(t, sink.WaitFrames(1, waitTimeout))
	assert.Equal(t, uint64(4), s.Stats().DroppedInvalid)
	assert.Equal(t, []uint64{0}, sink.Seqs(), "invalid buffers do not consume sequence numbers")
	assert.Equal(t, audio.StateRunning, s.State())
}

func TestInt16Buffers(t *testing.T) {
	_, dev, sink := newRunningSession(t)

	pcm := make([]int16, testBuffer)
	for i := range pcm {
		pcm[i] = math.MinInt16
	}
	dev.Tap()(audio.RawSamples{S16: pcm})

	require.True(t, sink.WaitFrames(1, waitTimeout))
	f := sink.Frames()[0]
	assert.InDelta(t, -1.0, f.Samples[0], 1e-6)
	assert.InDelta(t, 0, sink.Levels()[0].PeakPowerDb, 1e-9)
}

func TestDetachedSinkDrops(t *testing.T) {
	dev := audiotest.NewDevice(testRate)
	var slot audio.AttachableSink
	s := audio.NewCaptureSession(dev, &slot)
	t.Cleanup(func() { _ = s.Stop() })

	_, err := s.Start(testConfig())
	require.NoError(t, err)

	pushN(t, dev, 3, 0.5)
	assert.Equal(t, uint64(3), s.Stats().DroppedDetached)
	latest, ok := s.LatestLevel()
	require.True(t, ok, "level is tracked without a sink")
	assert.Equal(t, uint64(2), latest.Seq)

	rec := audiotest.NewSink()
	slot.Attach(rec)
	pushN(t, dev, 2, 0.5)
	require.True(t, rec.WaitFrames(2, waitTimeout))
	assert.Equal(t, []uint64{3, 4}, rec.Seqs())
}

func TestStalledConsumerOverwritesOldest(t *testing.T) {
	// A 1ms window at 8kHz rounds down to the two-slot minimum.
	dev := audiotest.NewDevice(8000)
	sink := audiotest.NewSink()
	sink.Block = make(chan struct{})
	s := audio.NewCaptureSession(dev, sink, audio.WithBufferWindow(time.Millisecond))
	t.Cleanup(func() { _ = s.Stop() })

	_, err := s.Start(audio.SessionConfig{BufferSizeFrames: testBuffer})
	require.NoError(t, err)

	const pushed = 12
	pushN(t, dev, pushed, 0.5)
	assert.Equal(t, audio.StateRunning, s.State(), "a stalled consumer never stops capture")

	close(sink.Block)
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Delivered+st.Overwritten == pushed
	}, waitTimeout, 5*time.Millisecond)

	seqs := sink.Seqs()
	assertStrictlyIncreasing(t, seqs)
	assert.Less(t, len(seqs), pushed, "expected gaps from overwritten frames")

	assert.Equal(t, uint64(pushed-1), seqs[len(seqs)-1], "newest frame is always kept")

	st := s.Stats()
	assert.Equal(t, uint64(pushed), st.Captured)
	assert.Positive(t, st.Overwritten)
}

func TestStopRacesCallbacks(t *testing.T) {
	for range 20 {
		dev := audiotest.NewDevice(testRate)
		sink := audiotest.NewSink()
		s := audio.NewCaptureSession(dev, sink)
		_, err := s.Start(testConfig())
		require.NoError(t, err)

		tap := dev.Tap()
		buf := audiotest.Constant(testBuffer, 0.5)
		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					tap(audio.RawSamples{F32: buf})
				}
			}
		}()

		time.Sleep(time.Millisecond)
		require.NoError(t, s.Stop())
		delivered := len(sink.Frames())

		time.Sleep(5 * time.Millisecond)
		close(stop)
		wg.Wait()

		assert.Equal(t, audio.StateIdle, s.State())
		assert.Len(t, sink.Frames(), delivered, "frames delivered after Stop returned")
		assertStrictlyIncreasing(t, sink.Seqs())
	}
}

func TestRestartResetsSequence(t *testing.T) {
	s, dev, sink := newRunningSession(t)

	pushN(t, dev, 2, 0.5)
	require.True(t, sink.WaitFrames(2, waitTimeout))
	first := s.Actual().SessionID
	require.NoError(t, s.Stop())

	_, ok := s.LatestLevel()
	assert.True(t, ok, "last level survives stop")

	sink.Reset()
	_, err := s.Start(testConfig())
	require.NoError(t, err)
	assert.NotEqual(t, first, s.Actual().SessionID)

	pushN(t, dev, 1, 0.5)
	require.True(t, sink.WaitFrames(1, waitTimeout))
	assert.Equal(t, []uint64{0}, sink.Seqs())
}

type countingObserver struct {
	mu          sync.Mutex
	transitions []audio.SessionState
}

func (*countingObserver) FrameCaptured()               {}
func (*countingObserver) FrameDelivered()              {}
func (*countingObserver) FrameDropped(audio.DropReason) {}
func (o *countingObserver) StateChanged(_, to audio.SessionState) {
	o.mu.Lock()
	o.transitions = append(o.transitions, to)
	o.mu.Unlock()
}

func TestObserverSeesTransitions(t *testing.T) {
	obs := &countingObserver{}
	s, _, _ := newRunningSession(t, audio.WithObserver(obs))
	require.NoError(t, s.Pause())
	require.NoError(t, s.Resume(nil))
	require.NoError(t, s.Stop())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []audio.SessionState{
		audio.StateStarting,
		audio.StateRunning,
		audio.StateInterrupted,
		audio.StateRunning,
		audio.StateStopping,
		audio.StateIdle,
	}, obs.transitions)
}

func TestHardwareCallbackAllocs(t *testing.T) {
	dev := audiotest.NewDevice(testRate)
	s := audio.NewCaptureSession(dev, audio.SinkFunc(func(audio.Event) {}))
	t.Cleanup(func() { _ = s.Stop() })
	_, err := s.Start(testConfig())
	require.NoError(t, err)

	raw := audio.RawSamples{F32: audiotest.Constant(testBuffer, 0.5)}
	allocs := testing.AllocsPerRun(100, func() {
		s.OnHardwareBuffer(raw)
	})
	if allocs > 0 {
		t.Errorf("OnHardwareBuffer allocated memory: got %.1f allocs, want 0", allocs)
	}
}

func BenchmarkOnHardwareBuffer(b *testing.B) {
	dev := audiotest.NewDevice(testRate)
	s := audio.NewCaptureSession(dev, audio.SinkFunc(func(audio.Event) {}))
	_, err := s.Start(testConfig())
	if err != nil {
		b.Fatal(err)
	}
	defer s.Stop()

	raw := audio.RawSamples{F32: audiotest.Constant(testBuffer, 0.5)}
	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		s.OnHardwareBuffer(raw)
	}
}

func TestRerouteReacquires(t *testing.T) {
	s, dev, sink := newRunningSession(t)

	pushN(t, dev, 2, 0.5)
	require.True(t, sink.WaitFrames(2, waitTimeout))

	require.NoError(t, s.Reroute())
	assert.Equal(t, audio.StateRunning, s.State())
	assert.Equal(t, 2, dev.Acquires)
	assert.Equal(t, 1, dev.Releases)

	pushN(t, dev, 1, 0.5)
	require.True(t, sink.WaitFrames(3, waitTimeout))
	assert.Equal(t, []uint64{0, 1, 2}, sink.Seqs())
}

func TestRerouteIdleIsNoop(t *testing.T) {
	dev := audiotest.NewDevice(testRate)
	s := audio.NewCaptureSession(dev, audiotest.NewSink())
	require.NoError(t, s.Reroute())
	assert.Zero(t, dev.Acquires)
}
