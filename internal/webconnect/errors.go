package webconnect

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by Session calls. Connectivity covers transport
// failures after retry exhaustion; DeviceFault and NoResult indicate a reply
// that invalidated the current session.
var (
	ErrConnectivity = errors.New("device unreachable")
	ErrDeviceFault  = errors.New("device reported an error")
	ErrNoResult     = errors.New("no result in device reply")
	ErrClosed       = errors.New("session closed")
)

// ProtocolErrorKind classifies session establishment failures.
type ProtocolErrorKind int

const (
	BadUserClass ProtocolErrorKind = iota
	PasswordRequired
	PasswordTooLong
	MaxSessions
	MalformedLogin
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case BadUserClass:
		return "invalid user class"
	case PasswordRequired:
		return "password required"
	case PasswordTooLong:
		return "password exceeds 12 characters"
	case MaxSessions:
		return "max amount of sessions reached"
	case MalformedLogin:
		return "session id expected in login reply"
	}
	return "unknown protocol error"
}

// ProtocolError is a classified login/session failure for one device.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Device string
	Code   int
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (err=%d)", e.Device, e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Device, e.Kind)
}
