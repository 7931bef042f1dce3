// SPDX-License-Identifier: MIT
package interruption

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"micstream/internal/audio"
	"micstream/internal/audio/audiotest"
)

// fakeSession records the commands the monitor issues.
type fakeSession struct {
	mu        sync.Mutex
	state     audio.SessionState
	calls     []string
	resumeCfg []*audio.SessionConfig
	aborted   []error
	resumeErr error
}

func (f *fakeSession) State() audio.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "pause")
	f.state = audio.StateInterrupted
	return nil
}

func (f *fakeSession) Resume(cfg *audio.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "resume")
	f.resumeCfg = append(f.resumeCfg, cfg)
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.state = audio.StateRunning
	return nil
}

func (f *fakeSession) Reroute() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "reroute")
	return nil
}

func (f *fakeSession) Abort(reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "abort")
	f.aborted = append(f.aborted, reason)
	f.state = audio.StateFailed
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestMonitorPolicy(t *testing.T) {
	tests := []struct {
		name  string
		state audio.SessionState
		in    []Notification
		want  []string
	}{
		{"Began", audio.StateRunning, []Notification{{Type: TypeBegan}}, []string{"pause"}},
		{"BeganEndedResume", audio.StateRunning,
			[]Notification{{Type: TypeBegan}, {Type: TypeEnded, ShouldResume: true}},
			[]string{"pause", "resume"}},
		{"EndedNoResume", audio.StateInterrupted,
			[]Notification{{Type: TypeEnded}}, []string{"abort"}},
		{"RouteChangedRunning", audio.StateRunning,
			[]Notification{{Type: TypeRouteChanged}}, []string{"reroute"}},
		{"RouteChangedInterrupted", audio.StateInterrupted,
			[]Notification{{Type: TypeRouteChanged}}, nil},
		{"Other", audio.StateRunning, []Notification{{Type: TypeOther}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub()
			sess := &fakeSession{state: tt.state}
			m := Watch(hub, sess)
			defer m.Close()

			for _, n := range tt.in {
				hub.Publish(n)
			}
			assert.Equal(t, tt.want, sess.Calls())
		})
	}
}

func TestMonitorResumesWithPreviousConfig(t *testing.T) {
	hub := NewHub()
	sess := &fakeSession{state: audio.StateInterrupted}
	m := Watch(hub, sess)
	defer m.Close()

	hub.Publish(Notification{Type: TypeEnded, ShouldResume: true})
	require.Len(t, sess.resumeCfg, 1)
	assert.Nil(t, sess.resumeCfg[0], "resume reuses the session's previous config")
}

func TestMonitorAbortKind(t *testing.T) {
	hub := NewHub()
	sess := &fakeSession{state: audio.StateInterrupted}
	m := Watch(hub, sess)
	defer m.Close()

	hub.Publish(Notification{Type: TypeEnded, ShouldResume: false})
	require.Len(t, sess.aborted, 1)
	assert.ErrorIs(t, sess.aborted[0], audio.ErrInterruptedUnrecoverable)
}

func TestMonitorUnsubscribesAfterAbort(t *testing.T) {
	hub := NewHub()
	sess := &fakeSession{state: audio.StateInterrupted}
	m := Watch(hub, sess)
	defer m.Close()

	hub.Publish(Notification{Type: TypeEnded, ShouldResume: false})
	assert.Equal(t, 0, hub.Subscribers())

	hub.Publish(Notification{Type: TypeBegan})
	assert.Equal(t, []string{"abort"}, sess.Calls())
}

func TestMonitorResumeErrorIsLogged(t *testing.T) {
	hub := NewHub()
	sess := &fakeSession{state: audio.StateInterrupted, resumeErr: errors.New("denied")}
	m := Watch(hub, sess)
	defer m.Close()

	hub.Publish(Notification{Type: TypeEnded, ShouldResume: true})
	assert.Equal(t, []string{"resume"}, sess.Calls())
}

func TestMonitorCloseUnsubscribes(t *testing.T) {
	hub := NewHub()
	sess := &fakeSession{state: audio.StateRunning}
	m := Watch(hub, sess)
	require.Equal(t, 1, hub.Subscribers())

	m.Close()
	m.Close()
	assert.Equal(t, 0, hub.Subscribers())

	hub.Publish(Notification{Type: TypeBegan})
	m.Handle(Notification{Type: TypeBegan})
	assert.Empty(t, sess.Calls())
}

func TestParseType(t *testing.T) {
	tests := map[string]Type{
		"began":        TypeBegan,
		"ENDED":        TypeEnded,
		"routeChanged": TypeRouteChanged,
		"route":        TypeRouteChanged,
		"ducking":      TypeOther,
		"":             TypeOther,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseType(in), in)
	}
}

// The monitor driving a real session through an interruption cycle.
func TestMonitorWithCaptureSession(t *testing.T) {
	dev := audiotest.NewDevice(48000)
	sink := audiotest.NewSink()
	s := audio.NewCaptureSession(dev, sink)
	_, err := s.Start(audio.SessionConfig{BufferSizeFrames: 128})
	require.NoError(t, err)
	defer s.Stop()

	hub := NewHub()
	m := Watch(hub, s)
	defer m.Close()

	require.True(t, dev.Push(audiotest.Constant(128, 0.5)))
	require.True(t, sink.WaitFrames(1, time.Second))

	hub.Publish(Notification{Type: TypeBegan, Reason: "call"})
	assert.Equal(t, audio.StateInterrupted, s.State())
	assert.False(t, dev.Push(audiotest.Constant(128, 0.5)))

	hub.Publish(Notification{Type: TypeEnded, ShouldResume: true})
	assert.Equal(t, audio.StateRunning, s.State())
	require.True(t, dev.Push(audiotest.Constant(128, 0.5)))
	require.True(t, sink.WaitFrames(2, time.Second))
	assert.Equal(t, []uint64{0, 1}, sink.Seqs())

	hub.Publish(Notification{Type: TypeBegan})
	hub.Publish(Notification{Type: TypeEnded, ShouldResume: false})
	assert.Equal(t, audio.StateFailed, s.State())
	require.Len(t, sink.Errors(), 1)
	assert.ErrorIs(t, sink.Errors()[0], audio.ErrInterruptedUnrecoverable)
}
