// SPDX-License-Identifier: MIT
package bridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"micstream/internal/audio"
	"micstream/pkg/utils"
)

func frameEvent(seq uint64, samples ...float32) audio.Event {
	return audio.Event{Kind: audio.EventFrame, Frame: audio.AudioFrame{
		Samples:     samples,
		Channels:    1,
		SampleRate:  16000,
		Seq:         seq,
		TimestampMs: 1000,
	}}
}

func TestEventForFrameCopiesSamples(t *testing.T) {
	samples := []float32{0.1, -0.2, 0.3}
	p := EventFor(frameEvent(4, samples...))

	samples[0] = 9
	require.NotNil(t, p.Frame)
	assert.Equal(t, TypeEvent, p.Type)
	assert.Equal(t, "frame", p.Kind)
	assert.Equal(t, uint64(4), p.Frame.Seq)
	assert.Equal(t, []float32{0.1, -0.2, 0.3}, p.Frame.Samples)
	assert.Nil(t, p.Level)
	assert.Nil(t, p.Error)
}

func TestEventForLevelAndError(t *testing.T) {
	p := EventFor(audio.Event{Kind: audio.EventLevel, Level: audio.LevelSample{PeakPowerDb: -3, Seq: 2}})
	require.NotNil(t, p.Level)
	assert.Equal(t, "level", p.Kind)
	assert.Equal(t, uint64(2), p.Level.Seq)

	p = EventFor(audio.Event{Kind: audio.EventError, Err: audio.NewError(audio.KindResumeRejected, "resume", nil)})
	require.NotNil(t, p.Error)
	assert.Equal(t, "error", p.Kind)
	assert.Equal(t, "ResumeRejected", p.Error.Code)
}

func TestEventSinkForwards(t *testing.T) {
	out := &utils.MockTransport{}
	s := NewEventSink(out, true)

	s.Emit(frameEvent(0, 0.5))
	s.Emit(audio.Event{Kind: audio.EventLevel, Level: audio.LevelSample{Seq: 0}})

	msgs := out.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "frame", msgs[0].(EventPayload).Kind)
	assert.Equal(t, "level", msgs[1].(EventPayload).Kind)
}

func TestEventSinkLevelsOnly(t *testing.T) {
	out := &utils.MockTransport{}
	s := NewEventSink(out, false)

	s.Emit(frameEvent(0, 0.5))
	s.Emit(audio.Event{Kind: audio.EventLevel})
	s.Emit(audio.Event{Kind: audio.EventError, Err: audio.ErrDeviceUnavailable})

	msgs := out.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "level", msgs[0].(EventPayload).Kind)
	assert.Equal(t, "error", msgs[1].(EventPayload).Kind)
}

func TestEventSinkCountsFailures(t *testing.T) {
	out := &utils.MockTransport{SendErr: errors.New("queue full")}
	s := NewEventSink(out, true)

	s.Emit(frameEvent(0, 0.5))
	s.Emit(frameEvent(1, 0.5))

	assert.Equal(t, uint64(2), s.Failed())
}
