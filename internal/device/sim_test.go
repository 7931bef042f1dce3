// SPDX-License-Identifier: MIT
package device

import (
	"bytes"
	"encoding/binary"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"micstream/internal/audio"
)

func TestSimDeliversBuffers(t *testing.T) {
	sim := NewSim(1000)

	var mu sync.Mutex
	var got [][]float32
	actual, err := sim.Acquire(audio.SessionConfig{PreferredSampleRate: 8000, BufferSizeFrames: 80}, func(raw audio.RawSamples) {
		mu.Lock()
		got = append(got, append([]float32(nil), raw.F32...))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if actual.SampleRate != 8000 || actual.ChannelCount != 1 || actual.BufferSizeFrames != 80 {
		t.Fatalf("unexpected actual config %+v", actual)
	}

	if err := sim.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := sim.Deactivate(); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n == 0 {
		t.Fatal("no buffers delivered")
	}

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Errorf("buffers delivered after Deactivate: %d -> %d", n, len(got))
	}
	for _, buf := range got {
		if len(buf) != 80 {
			t.Fatalf("buffer length %d, want 80", len(buf))
		}
		for _, v := range buf {
			if v > simAmplitude+1e-6 || v < -simAmplitude-1e-6 {
				t.Fatalf("sample %f above amplitude", v)
			}
		}
	}

	if err := sim.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestSimDefaults(t *testing.T) {
	sim := NewSim(0)
	if sim.ToneHz != defaultToneHz {
		t.Errorf("ToneHz = %f, want %f", sim.ToneHz, defaultToneHz)
	}
	actual, err := sim.Acquire(audio.DefaultSessionConfig(), func(audio.RawSamples) {})
	if err != nil {
		t.Fatal(err)
	}
	if actual.SampleRate != defaultSimRate {
		t.Errorf("SampleRate = %d, want %d", actual.SampleRate, defaultSimRate)
	}
	if err := sim.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestMalgoDecodesS16(t *testing.T) {
	m := NewMalgo("", nil)
	m.pcm = make([]int16, 4)

	var got []int16
	m.tap = func(raw audio.RawSamples) {
		got = append(got, raw.S16...)
	}

	in := make([]byte, 6)
	binary.LittleEndian.PutUint16(in[0:], uint16(0x7fff))
	binary.LittleEndian.PutUint16(in[2:], 0x8000)
	binary.LittleEndian.PutUint16(in[4:], 1)
	m.onData(nil, in, 3)

	want := []int16{32767, -32768, 1}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}

	// Larger than the pre-allocated buffer: skipped.
	got = nil
	m.onData(nil, make([]byte, 10), 5)
	if got != nil {
		t.Errorf("oversized period delivered: %v", got)
	}
}

func TestMalgoStopCallback(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{}, 2)
	m := NewMalgo("", func() {
		calls.Add(1)
		done <- struct{}{}
	})

	m.stopping.Store(true)
	m.onStop()

	m.stopping.Store(false)
	m.onStop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnStop not called for unexpected stop")
	}
	time.Sleep(10 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("OnStop called %d times, want 1", n)
	}
}

func TestNewBackends(t *testing.T) {
	tests := []struct {
		backend string
		ok      bool
	}{
		{"portaudio", true},
		{"", true},
		{"malgo", true},
		{"SIM", true},
		{"oss", false},
	}
	for _, tt := range tests {
		dev, err := New(Options{Backend: tt.backend, DeviceID: DefaultInputID})
		if (err == nil) != tt.ok {
			t.Errorf("New(%q) error = %v", tt.backend, err)
		}
		if tt.ok && dev == nil {
			t.Errorf("New(%q) returned nil device", tt.backend)
		}
	}
}

func TestListSim(t *testing.T) {
	var buf bytes.Buffer
	if err := List(BackendSim, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "simulated tone") {
		t.Errorf("unexpected listing %q", buf.String())
	}
	if err := List("oss", &buf); err == nil {
		t.Error("expected error for unknown backend")
	}
}
