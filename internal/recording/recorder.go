// SPDX-License-Identifier: MIT

// Package recording writes captured frames to a 16-bit mono WAV file.
package recording

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"micstream/internal/audio"
	applog "micstream/internal/log"
)

const (
	bitDepth  = 16
	pcmFormat = 1
)

// Recorder is an audio.Sink that appends every frame it receives to a WAV
// file. The file is created on the first frame, once the negotiated sample
// rate is known. Frames at a different rate (after a renegotiating resume)
// are skipped and counted.
type Recorder struct {
	path string
	log  *applog.Logger

	mu      sync.Mutex
	file    *os.File
	enc     *wav.Encoder
	buf     *goaudio.IntBuffer
	rate    int
	frames  uint64
	skipped uint64
	err     error
	closed  bool
}

// NewRecorder returns a Recorder that will write to path.
func NewRecorder(path string) *Recorder {
	return &Recorder{path: path, log: applog.For("recording")}
}

// Emit implements audio.Sink. Only frame events are recorded.
func (r *Recorder) Emit(ev audio.Event) {
	if ev.Kind != audio.EventFrame {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.err != nil {
		return
	}

	f := ev.Frame
	if r.enc == nil {
		if err := r.open(f.SampleRate, len(f.Samples)); err != nil {
			r.err = err
			r.log.Errorf("%v", err)
			return
		}
	}
	if f.SampleRate != r.rate {
		if r.skipped == 0 {
			r.log.Warnf("sample rate changed %d -> %d, skipping frames", r.rate, f.SampleRate)
		}
		r.skipped++
		return
	}

	if cap(r.buf.Data) < len(f.Samples) {
		r.buf.Data = make([]int, len(f.Samples))
	}
	r.buf.Data = r.buf.Data[:len(f.Samples)]
	for i, v := range f.Samples {
		r.buf.Data[i] = toPCM16(v)
	}
	if err := r.enc.Write(r.buf); err != nil {
		r.err = fmt.Errorf("write %s: %w", r.path, err)
		r.log.Errorf("%v", r.err)
		return
	}
	r.frames++
}

func (r *Recorder) open(rate, frameSize int) error {
	file, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("create %s: %w", r.path, err)
	}
	r.file = file
	r.rate = rate
	r.enc = wav.NewEncoder(file, rate, bitDepth, audio.MonoChannels, pcmFormat)
	r.buf = &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: audio.MonoChannels,
			SampleRate:  rate,
		},
		Data:           make([]int, frameSize),
		SourceBitDepth: bitDepth,
	}
	r.log.Infof("recording to %s (%d Hz)", r.path, rate)
	return nil
}

func toPCM16(v float32) int {
	s := math.Round(float64(v) * math.MaxInt16)
	return int(max(min(s, math.MaxInt16), math.MinInt16))
}

// Frames returns the number of frames written.
func (r *Recorder) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Skipped returns the number of frames dropped for a sample rate mismatch.
func (r *Recorder) Skipped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// Err returns the first write error, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close finalizes the WAV header and closes the file. It is safe to call more
// than once and on a recorder that never received a frame.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if r.enc != nil {
		if err := r.enc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("finalize %s: %w", r.path, err))
		}
		r.enc = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", r.path, err))
		}
		r.file = nil
		r.log.Infof("recorded %d frames to %s", r.frames, r.path)
	}
	return errors.Join(errs...)
}
