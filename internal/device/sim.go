// SPDX-License-Identifier: MIT
package device

import (
	"sync"
	"time"

	"micstream/internal/audio"
	"micstream/pkg/utils"
)

const (
	defaultSimRate = 48000
	defaultToneHz  = 440.0
	simAmplitude   = 0.5
)

// Sim produces a sine tone at the pace a real device would. It needs no
// hardware and is used for demos and end-to-end tests.
type Sim struct {
	ToneHz float64

	tap    audio.Tap
	rate   int
	size   int
	tone   []float32
	buf    []float32
	offset int

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSim returns a simulated input at hz, 440 Hz when zero.
func NewSim(hz float64) *Sim {
	if hz <= 0 {
		hz = defaultToneHz
	}
	return &Sim{ToneHz: hz}
}

func (s *Sim) Acquire(cfg audio.SessionConfig, tap audio.Tap) (audio.ActualConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rate = cfg.PreferredSampleRate
	if s.rate == 0 {
		s.rate = defaultSimRate
	}
	s.size = cfg.BufferSizeFrames
	// One second of tone; whole-Hz tones wrap without a discontinuity.
	s.tone = utils.GenerateSineWave(s.rate, float64(s.rate), s.ToneHz, simAmplitude)
	s.buf = make([]float32, s.size)
	s.offset = 0
	s.tap = tap

	return audio.ActualConfig{
		SampleRate:       s.rate,
		ChannelCount:     audio.MonoChannels,
		BufferSizeFrames: s.size,
	}, nil
}

func (s *Sim) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	period := time.Duration(float64(time.Second) * float64(s.size) / float64(s.rate))
	s.wg.Add(1)
	go s.run(s.stop, period)
	return nil
}

func (s *Sim) run(stop <-chan struct{}, period time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.fill()
			s.tap(audio.RawSamples{F32: s.buf})
		}
	}
}

func (s *Sim) fill() {
	for i := range s.buf {
		s.buf[i] = s.tone[s.offset]
		s.offset++
		if s.offset == len(s.tone) {
			s.offset = 0
		}
	}
}

// Deactivate returns once the generator goroutine has exited.
func (s *Sim) Deactivate() error {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.wg.Wait()
	}
	return nil
}

func (s *Sim) Release() error {
	if err := s.Deactivate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.tap = nil
	s.mu.Unlock()
	return nil
}
