package domain

import "fmt"

type SignalKind string

const (
	SignalOffer       SignalKind = "offer"
	SignalRelaySignal SignalKind = "relaySignal"
	SignalHangup      SignalKind = "hangup"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalRelaySignal, SignalHangup:
		return true
	}
	return false
}

// SignalEnvelope is the unit exchanged over the relay. Payload is opaque
// connection-negotiation data. SenderIdentity is stamped by the hub on
// delivery and ignored on send.
type SignalEnvelope struct {
	TargetIdentity UserID
	SenderIdentity UserID
	Kind           SignalKind
	Payload        []byte
	VideoRequested bool
}

func NewSignalEnvelope(target UserID, kind SignalKind, payload []byte, video bool) SignalEnvelope {
	return SignalEnvelope{
		TargetIdentity: target,
		Kind:           kind,
		Payload:        payload,
		VideoRequested: video,
	}
}

func (e SignalEnvelope) Validate() error {
	if e.TargetIdentity.IsZero() {
		return fmt.Errorf("envelope has no target: %w", ErrInvalidTarget)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("envelope kind %q is not supported", e.Kind)
	}
	return nil
}

// RelayState is the state of the single relay connection of a registration.
type RelayState int

const (
	RelayDisconnected RelayState = iota
	RelayConnecting
	RelayConnected
	RelayReconnecting
)

func (s RelayState) String() string {
	switch s {
	case RelayDisconnected:
		return "Disconnected"
	case RelayConnecting:
		return "Connecting"
	case RelayConnected:
		return "Connected"
	case RelayReconnecting:
		return "Reconnecting"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}
