package domain

import "errors"

// Registration errors.
var (
	// ErrRegistration indicates the token fetch or provider registration failed.
	ErrRegistration = errors.New("registration failed")

	// ErrIdentityUnknown indicates the local identity could not be resolved
	// from the credentials.
	ErrIdentityUnknown = errors.New("local identity unknown")

	// ErrNotRegistered indicates a command was issued with no active registration.
	ErrNotRegistered = errors.New("not registered")
)

// Session errors.
var (
	// ErrBusy indicates a second concurrent session was attempted.
	ErrBusy = errors.New("another call is in progress")

	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNoActiveCall   = errors.New("no active call")

	// ErrCallerUnknown indicates an inbound call carried no caller identity.
	ErrCallerUnknown = errors.New("caller identity unknown")

	ErrInvalidTarget = errors.New("invalid call target")
	ErrUnsupported   = errors.New("not supported by this backend")
)

// Media and transport errors.
var (
	// ErrDeviceUnavailable indicates the camera or microphone is absent or denied.
	ErrDeviceUnavailable = errors.New("media device unavailable")

	// ErrRelay indicates a signaling send failed on the transport.
	ErrRelay = errors.New("relay transport failure")

	// ErrNotConnected indicates the relay link is not connected.
	ErrNotConnected = errors.New("relay not connected")

	// ErrPeerNegotiation indicates peer connection setup failed.
	ErrPeerNegotiation = errors.New("peer negotiation failed")
)

// ErrorKind classifies an error carried by an error event.
type ErrorKind string

const (
	ErrorKindRegistration      ErrorKind = "registration"
	ErrorKindNotRegistered     ErrorKind = "not_registered"
	ErrorKindBusy              ErrorKind = "busy"
	ErrorKindDeviceUnavailable ErrorKind = "device_unavailable"
	ErrorKindRelay             ErrorKind = "relay"
	ErrorKindNotConnected      ErrorKind = "not_connected"
	ErrorKindPeerNegotiation   ErrorKind = "peer_negotiation"
	ErrorKindCallerUnknown     ErrorKind = "caller_unknown"
	ErrorKindProvider          ErrorKind = "provider"
)

// KindOf maps err onto the error taxonomy. Errors outside the taxonomy are
// reported as provider errors.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrRegistration), errors.Is(err, ErrIdentityUnknown):
		return ErrorKindRegistration
	case errors.Is(err, ErrNotRegistered):
		return ErrorKindNotRegistered
	case errors.Is(err, ErrBusy):
		return ErrorKindBusy
	case errors.Is(err, ErrDeviceUnavailable):
		return ErrorKindDeviceUnavailable
	case errors.Is(err, ErrNotConnected):
		return ErrorKindNotConnected
	case errors.Is(err, ErrRelay):
		return ErrorKindRelay
	case errors.Is(err, ErrPeerNegotiation):
		return ErrorKindPeerNegotiation
	case errors.Is(err, ErrCallerUnknown):
		return ErrorKindCallerUnknown
	default:
		return ErrorKindProvider
	}
}

// IsRejection reports whether err is a synchronous command rejection that
// does not surface as an error event.
func IsRejection(err error) bool {
	return errors.Is(err, ErrNotRegistered) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrInvalidTarget) ||
		errors.Is(err, ErrNoIncomingCall) ||
		errors.Is(err, ErrNoActiveCall) ||
		errors.Is(err, ErrUnsupported)
}
