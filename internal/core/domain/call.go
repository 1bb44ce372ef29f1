package domain

import (
	"fmt"
	"time"
)

// State is the primary state of the call-session state machine.
type State int

const (
	StateUnregistered State = iota
	StateRegistering
	StateRegistered
	StateRingingOutbound
	StateRingingInbound
	StateActive
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "Unregistered"
	case StateRegistering:
		return "Registering"
	case StateRegistered:
		return "Registered"
	case StateRingingOutbound:
		return "RingingOutbound"
	case StateRingingInbound:
		return "RingingInbound"
	case StateActive:
		return "Active"
	case StateEnding:
		return "Ending"
	case StateEnded:
		return "Ended"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// HasSession reports whether a CallSession exists while in this state.
func (s State) HasSession() bool {
	switch s {
	case StateRingingOutbound, StateRingingInbound, StateActive, StateEnding:
		return true
	}
	return false
}

// IsRegistered reports whether commands that need a registration may run.
func (s State) IsRegistered() bool {
	return s >= StateRegistered
}

type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "outbound"
	case DirectionInbound:
		return "inbound"
	default:
		return fmt.Sprintf("Unknown(%d)", int(d))
	}
}

type BackendKind string

const (
	BackendTelephonyBridge BackendKind = "telephony"
	BackendPeerSignaling   BackendKind = "peer"
)

func ParseBackendKind(s string) (BackendKind, error) {
	switch BackendKind(s) {
	case BackendTelephonyBridge, BackendPeerSignaling:
		return BackendKind(s), nil
	}
	return "", fmt.Errorf("unknown backend %q", s)
}

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type MediaState struct {
	AudioEnabled bool
	VideoEnabled bool
}

// CallSession is the single mutable record of a pending or in-progress call.
// The CallSessionManager owns it; everything else sees copies.
type CallSession struct {
	ID             SessionID
	Direction      Direction
	BackendKind    BackendKind
	RemoteIdentity UserID
	Media          MediaState
	Muted          bool
	State          State
	CallID         string
	StartedAt      time.Time
}

func NewCallSession(dir Direction, kind BackendKind, remote UserID, video bool) *CallSession {
	return &CallSession{
		ID:             NewSessionID(),
		Direction:      dir,
		BackendKind:    kind,
		RemoteIdentity: remote,
		Media:          MediaState{AudioEnabled: true, VideoEnabled: video},
		StartedAt:      time.Now(),
	}
}
