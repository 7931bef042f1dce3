// SPDX-License-Identifier: MIT
package bridge

import (
	"context"
	"fmt"

	"micstream/internal/audio"
	"micstream/internal/interruption"
	applog "micstream/internal/log"
)

// Controller is the command surface the router drives.
type Controller interface {
	Start(cfg *audio.SessionConfig) (audio.ActualConfig, error)
	Stop() error
	QueryLevel() (audio.LevelSample, error)
	SampleRate() (int, error)
}

// CommandRecorder counts calls by method and outcome.
type CommandRecorder interface {
	RecordCommand(method, status string)
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithNotifier enables the interruption method, forwarding notifications
// to publish (usually interruption.Hub.Publish).
func WithNotifier(publish func(interruption.Notification)) RouterOption {
	return func(r *Router) { r.notify = publish }
}

// WithRecorder counts every call.
func WithRecorder(rec CommandRecorder) RouterOption {
	return func(r *Router) { r.rec = rec }
}

// Router turns Calls into Controller operations.
type Router struct {
	ctrl   Controller
	notify func(interruption.Notification)
	rec    CommandRecorder
	log    *applog.Logger
}

// NewRouter returns a Router for ctrl.
func NewRouter(ctrl Controller, opts ...RouterOption) *Router {
	r := &Router{ctrl: ctrl, log: applog.For("bridge")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke runs one call and always returns a reply, never an error: failures
// are carried in Reply.Error.
func (r *Router) Invoke(ctx context.Context, call Call) Reply {
	reply := Reply{Type: TypeReply, ID: call.ID, Method: call.Method}

	result, errp := r.dispatch(ctx, call)
	status := "ok"
	if errp != nil {
		reply.Error = errp
		status = errp.Code
		r.log.Debugf("%s failed: %s", call.Method, errp.Code)
	} else {
		reply.Result = result
	}
	if r.rec != nil {
		r.rec.RecordCommand(call.Method, status)
	}
	return reply
}

func (r *Router) dispatch(ctx context.Context, call Call) (any, *ErrorPayload) {
	if err := ctx.Err(); err != nil {
		return nil, &ErrorPayload{Code: CodeCancelled, Message: err.Error()}
	}

	switch call.Method {
	case MethodStart:
		cfg := audio.SessionConfig{
			PreferredSampleRate: call.Args.SampleRate,
			ChannelCount:        audio.MonoChannels,
			BufferSizeFrames:    call.Args.BufferSize,
		}
		actual, err := r.ctrl.Start(&cfg)
		if err != nil {
			return nil, ErrorFor(err)
		}
		return actual, nil

	case MethodStop:
		if err := r.ctrl.Stop(); err != nil {
			return nil, ErrorFor(err)
		}
		return StoppedResult{Stopped: true}, nil

	case MethodQueryLevel:
		level, err := r.ctrl.QueryLevel()
		if err != nil {
			return nil, ErrorFor(err)
		}
		return level, nil

	case MethodGetSampleRate:
		rate, err := r.ctrl.SampleRate()
		if err != nil {
			return nil, ErrorFor(err)
		}
		return SampleRateResult{SampleRate: rate}, nil

	case MethodInterruption:
		if r.notify == nil {
			return nil, &ErrorPayload{Code: CodeNotImplemented, Message: "interruption notifications are not enabled"}
		}
		if call.Args.Type == "" {
			return nil, &ErrorPayload{Code: CodeBadRequest, Message: "interruption requires a type"}
		}
		r.notify(interruption.Notification{
			Type:         interruption.ParseType(call.Args.Type),
			ShouldResume: call.Args.ShouldResume,
			Reason:       call.Args.Reason,
		})
		return AckResult{Accepted: true}, nil

	default:
		return nil, &ErrorPayload{Code: CodeNotImplemented, Message: fmt.Sprintf("unknown method %q", call.Method)}
	}
}
