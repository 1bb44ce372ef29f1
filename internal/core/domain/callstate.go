package domain

// CallStateType is the discriminator of the CallState union delivered to
// the UI listener.
type CallStateType string

const (
	CallStateRegistered   CallStateType = "registered"
	CallStateUnregistered CallStateType = "unregistered"
	CallStateIncoming     CallStateType = "incoming"
	CallStateActive       CallStateType = "active"
	CallStateMuted        CallStateType = "muted"
	CallStateDeclined     CallStateType = "declined"
	CallStateMissed       CallStateType = "missed"
	CallStateEnded        CallStateType = "ended"
	CallStateError        CallStateType = "error"
)

// CallState is the only externally visible contract of the controller.
// Fields beyond Type are set only where the type carries them.
type CallState struct {
	Type      CallStateType
	SessionID SessionID
	CallerID  UserID
	Video     bool
	Muted     bool
	Err       error
	ErrorKind ErrorKind
}

// Listener receives CallState notifications in the order events were normalized.
type Listener func(CallState)
