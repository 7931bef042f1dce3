// SPDX-License-Identifier: MIT
package audio

import "errors"

// ErrorKind classifies capture failures.
type ErrorKind uint8

const (
	KindPermissionDenied ErrorKind = iota + 1
	KindDeviceUnavailable
	KindConfigRejected
	KindResumeRejected
	KindInterruptedUnrecoverable
	KindAlreadyRunning
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindDeviceUnavailable:
		return "DeviceUnavailable"
	case KindConfigRejected:
		return "ConfigRejected"
	case KindResumeRejected:
		return "ResumeRejected"
	case KindInterruptedUnrecoverable:
		return "InterruptedUnrecoverable"
	case KindAlreadyRunning:
		return "AlreadyRunning"
	default:
		return "Unknown"
	}
}

// Message is the human readable text sent to consumers alongside the kind.
func (k ErrorKind) Message() string {
	switch k {
	case KindPermissionDenied:
		return "Microphone access was not granted"
	case KindDeviceUnavailable:
		return "Unable to start audio session"
	case KindConfigRejected:
		return "Audio hardware rejected the requested configuration"
	case KindResumeRejected:
		return "Recording could not be resumed after an interruption"
	case KindInterruptedUnrecoverable:
		return "Recording was interrupted"
	case KindAlreadyRunning:
		return "A capture session is already active"
	default:
		return "Unknown capture error"
	}
}

// CaptureError carries an ErrorKind, the operation that failed and an
// optional cause. Two CaptureErrors match under errors.Is when their kinds
// are equal, so the Err* sentinels can be used as targets.
type CaptureError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError returns a CaptureError of the given kind.
func NewError(kind ErrorKind, op string, cause error) *CaptureError {
	return &CaptureError{Kind: kind, Op: op, Err: cause}
}

func (e *CaptureError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CaptureError) Unwrap() error { return e.Err }

func (e *CaptureError) Is(target error) bool {
	t, ok := target.(*CaptureError)
	return ok && t.Kind == e.Kind
}

var (
	ErrPermissionDenied         = &CaptureError{Kind: KindPermissionDenied}
	ErrDeviceUnavailable        = &CaptureError{Kind: KindDeviceUnavailable}
	ErrConfigRejected           = &CaptureError{Kind: KindConfigRejected}
	ErrResumeRejected           = &CaptureError{Kind: KindResumeRejected}
	ErrInterruptedUnrecoverable = &CaptureError{Kind: KindInterruptedUnrecoverable}
	ErrAlreadyRunning           = &CaptureError{Kind: KindAlreadyRunning}

	// ErrNoData is returned by level queries before any level exists or
	// while the session is interrupted.
	ErrNoData = errors.New("no level data yet")
)

// KindOf extracts the ErrorKind of err, if it is or wraps a CaptureError.
func KindOf(err error) (ErrorKind, bool) {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// classify keeps driver errors that already carry a kind and treats anything
// else as the device being unavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := KindOf(err); ok {
		return err
	}
	return NewError(KindDeviceUnavailable, op, err)
}
