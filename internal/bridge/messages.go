// SPDX-License-Identifier: MIT

// Package bridge is the method/event channel between the capture engine and
// a UI consumer. Inbound calls (start, stop, queryLevel, getSampleRate,
// interruption) are routed to a Controller; outbound events (frames, levels,
// terminal errors) are pushed through a Sender that may have nobody
// listening.
package bridge

import (
	"errors"

	"micstream/internal/audio"
)

// Method names accepted by Router.Invoke.
const (
	MethodStart         = "start"
	MethodStop          = "stop"
	MethodQueryLevel    = "queryLevel"
	MethodGetSampleRate = "getSampleRate"
	MethodInterruption  = "interruption"
)

// Envelope types.
const (
	TypeReply = "reply"
	TypeEvent = "event"
)

// Error codes that are not capture error kinds.
const (
	CodeNoData         = "NoData"
	CodeNotImplemented = "NotImplemented"
	CodeCancelled      = "Cancelled"
	CodeBadRequest     = "BadRequest"
	CodeInternal       = "Internal"
)

// Args carries the arguments of every method; each method reads only the
// fields it needs.
type Args struct {
	SampleRate   int    `json:"sampleRate,omitempty" msgpack:"sampleRate,omitempty"`
	BufferSize   int    `json:"bufferSize,omitempty" msgpack:"bufferSize,omitempty"`
	Type         string `json:"type,omitempty" msgpack:"type,omitempty"`
	ShouldResume bool   `json:"shouldResume,omitempty" msgpack:"shouldResume,omitempty"`
	Reason       string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// Call is one inbound method invocation. ID is echoed in the reply.
type Call struct {
	ID     uint64 `json:"id,omitempty" msgpack:"id,omitempty"`
	Method string `json:"method" msgpack:"method"`
	Args   Args   `json:"args,omitempty" msgpack:"args,omitempty"`
}

// ErrorPayload is how failures cross the bridge.
type ErrorPayload struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// Reply answers one Call. Exactly one of Result or Error is set.
type Reply struct {
	Type   string        `json:"type" msgpack:"type"`
	ID     uint64        `json:"id,omitempty" msgpack:"id,omitempty"`
	Method string        `json:"method" msgpack:"method"`
	Result any           `json:"result,omitempty" msgpack:"result,omitempty"`
	Error  *ErrorPayload `json:"error,omitempty" msgpack:"error,omitempty"`
}

// FramePayload is an AudioFrame on the wire.
type FramePayload struct {
	Seq         uint64    `json:"seq" msgpack:"seq"`
	TimestampMs int64     `json:"timestampMs" msgpack:"timestampMs"`
	SampleRate  int       `json:"sampleRate" msgpack:"sampleRate"`
	Channels    int       `json:"channels" msgpack:"channels"`
	Samples     []float32 `json:"samples" msgpack:"samples"`
}

// EventPayload is one outbound event.
type EventPayload struct {
	Type  string             `json:"type" msgpack:"type"`
	Kind  string             `json:"kind" msgpack:"kind"`
	Frame *FramePayload      `json:"frame,omitempty" msgpack:"frame,omitempty"`
	Level *audio.LevelSample `json:"level,omitempty" msgpack:"level,omitempty"`
	Error *ErrorPayload      `json:"error,omitempty" msgpack:"error,omitempty"`
}

// SampleRateResult is the result of getSampleRate.
type SampleRateResult struct {
	SampleRate int `json:"sampleRate" msgpack:"sampleRate"`
}

// StoppedResult is the result of stop.
type StoppedResult struct {
	Stopped bool `json:"stopped" msgpack:"stopped"`
}

// AckResult is the result of interruption.
type AckResult struct {
	Accepted bool `json:"accepted" msgpack:"accepted"`
}

// ErrorFor converts err into its wire form. Capture errors use their kind
// name as the code.
func ErrorFor(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	if kind, ok := audio.KindOf(err); ok {
		return &ErrorPayload{Code: kind.String(), Message: kind.Message()}
	}
	if errors.Is(err, audio.ErrNoData) {
		return &ErrorPayload{Code: CodeNoData, Message: "No level data available yet"}
	}
	return &ErrorPayload{Code: CodeInternal, Message: err.Error()}
}

// EventFor converts a session event into its wire form. Frame samples are
// copied, since the session reuses the backing array once Emit returns.
func EventFor(ev audio.Event) EventPayload {
	p := EventPayload{Type: TypeEvent, Kind: ev.Kind.String()}
	switch ev.Kind {
	case audio.EventFrame:
		f := ev.Frame
		samples := make([]float32, len(f.Samples))
		copy(samples, f.Samples)
		p.Frame = &FramePayload{
			Seq:         f.Seq,
			TimestampMs: f.TimestampMs,
			SampleRate:  f.SampleRate,
			Channels:    f.Channels,
			Samples:     samples,
		}
	case audio.EventLevel:
		level := ev.Level
		p.Level = &level
	case audio.EventError:
		p.Error = ErrorFor(ev.Err)
	}
	return p
}
