// SPDX-License-Identifier: MIT
package audio

// Tap receives hardware buffers. It is invoked on the driver's real-time
// context and must return quickly.
type Tap func(raw RawSamples)

// Device is an exclusive handle on the input hardware and its route.
//
// Acquire negotiates the configuration and installs tap without starting
// delivery. Activate enables the route and starts callbacks. Deactivate
// stops callbacks; once it returns the driver makes no further calls to tap
// until the next Activate. Release gives the hardware back. Deactivate and
// Release must be safe to call when there is nothing to undo.
type Device interface {
	Acquire(cfg SessionConfig, tap Tap) (ActualConfig, error)
	Activate() error
	Deactivate() error
	Release() error
}

// Authorizer reports whether microphone access has been granted. The engine
// never prompts.
type Authorizer interface {
	MicrophoneAuthorized() bool
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func() bool

func (f AuthorizerFunc) MicrophoneAuthorized() bool { return f() }

// AlwaysAuthorized is used on platforms without a permission layer.
var AlwaysAuthorized Authorizer = AuthorizerFunc(func() bool { return true })

// DropReason says why a hardware buffer did not reach the sink.
type DropReason uint8

const (
	DropInactive    DropReason = iota + 1 // callback outside the Running state
	DropInvalid                           // empty, oversized or non-finite buffer
	DropDetached                          // no sink attached
	DropOverwritten                       // evicted from the ring before delivery
)

func (r DropReason) String() string {
	switch r {
	case DropInactive:
		return "inactive"
	case DropInvalid:
		return "invalid"
	case DropDetached:
		return "detached"
	case DropOverwritten:
		return "overwritten"
	default:
		return "unknown"
	}
}

// Observer receives counters from the session. FrameCaptured and
// FrameDropped are called on the real-time path and must not block or
// allocate.
type Observer interface {
	FrameCaptured()
	FrameDelivered()
	FrameDropped(reason DropReason)
	StateChanged(from, to SessionState)
}

type nopObserver struct{}

func (nopObserver) FrameCaptured()                     {}
func (nopObserver) FrameDelivered()                    {}
func (nopObserver) FrameDropped(DropReason)            {}
func (nopObserver) StateChanged(from, to SessionState) {}
