package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/straightface/internal/types"
)

// AuthDecision is the camera permission answer from the platform oracle.
type AuthDecision int

const (
	NotDetermined AuthDecision = iota
	Authorized
	Denied
	Restricted
)

func (d AuthDecision) String() string {
	switch d {
	case Authorized:
		return "authorized"
	case Denied:
		return "denied"
	case Restricted:
		return "restricted"
	default:
		return "not-determined"
	}
}

// State is the lifecycle position of a Session.
type State int

const (
	Idle State = iota
	Authorizing
	Configuring
	Running
	Failed
)

func (s State) String() string {
	switch s {
	case Authorizing:
		return "authorizing"
	case Configuring:
		return "configuring"
	case Running:
		return "running"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// FailureReason says why a session entered Failed.
type FailureReason int

const (
	NoFailure FailureReason = iota
	NotAuthorized
	PermissionRestricted
	ConfigurationFailed
)

func (r FailureReason) String() string {
	switch r {
	case NotAuthorized:
		return "not-authorized"
	case PermissionRestricted:
		return "restricted"
	case ConfigurationFailed:
		return "configuration-failed"
	default:
		return "none"
	}
}

var (
	ErrPermissionDenied     = errors.New("camera permission denied")
	ErrPermissionRestricted = errors.New("camera access restricted")
	ErrConfigurationFailed  = errors.New("capture configuration failed")
	// ErrDetectionAttach is a configuration failure: the detection output could not be added.
	ErrDetectionAttach = fmt.Errorf("%w: detection output could not be attached", ErrConfigurationFailed)
	ErrSessionClosed   = errors.New("capture session stopped")
	ErrNotConfigured   = errors.New("capture session not configured")
)

// SessionError is the terminal error of a failed attempt. It is surfaced once and never retried.
type SessionError struct {
	Reason FailureReason
	Err    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("capture session failed (%s): %v", e.Reason, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Authorizer is the platform permission oracle.
type Authorizer interface {
	Status() AuthDecision
	// Request asks the user for access. It may block until an answer arrives or ctx ends.
	Request(ctx context.Context) (bool, error)
}

// Device hides the platform capture API.
type Device interface {
	// Open builds the capture graph. Frames are not produced before it returns nil.
	Open(ctx context.Context) error
	// ReadFrame blocks for the next encoded frame. The returned slice is only valid until the
	// next call. It returns an error once the device is closed or the stream ends.
	ReadFrame() ([]byte, error)
	Close() error
}

// Sink receives frames on the capture context, one at a time and in order.
// It must not retain frame.Data after returning.
type Sink func(frame types.Frame)

// Stats are cumulative frame counters for a session.
type Stats struct {
	Captured  int64
	Delivered int64
	Dropped   int64
}
