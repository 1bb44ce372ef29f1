package domain

import "fmt"

// EventKind is the backend-agnostic event vocabulary emitted by every
// backend adapter.
type EventKind int

const (
	EventRegistered EventKind = iota
	EventUnregistered
	EventIncoming
	EventRingingOutboundStarted
	EventActive
	EventMuted
	EventDeclined
	EventMissed
	EventEnded
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "registered"
	case EventUnregistered:
		return "unregistered"
	case EventIncoming:
		return "incoming"
	case EventRingingOutboundStarted:
		return "ringingOutboundStarted"
	case EventActive:
		return "active"
	case EventMuted:
		return "muted"
	case EventDeclined:
		return "declined"
	case EventMissed:
		return "missed"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Event is one normalized backend event.
type Event struct {
	Kind     EventKind
	Backend  BackendKind
	CallerID UserID
	Video    bool
	Muted    bool
	CallID   string
	Err      error

	// Recoverable errors are reported without tearing the call down.
	Recoverable bool
}

func RegisteredEvent() Event   { return Event{Kind: EventRegistered} }
func UnregisteredEvent() Event { return Event{Kind: EventUnregistered} }
func RingingEvent() Event      { return Event{Kind: EventRingingOutboundStarted} }
func DeclinedEvent() Event     { return Event{Kind: EventDeclined} }
func EndedEvent() Event        { return Event{Kind: EventEnded} }

func IncomingEvent(caller UserID, video bool) Event {
	return Event{Kind: EventIncoming, CallerID: caller, Video: video}
}

func ActiveEvent(callID string) Event {
	return Event{Kind: EventActive, CallID: callID}
}

func MutedEvent(muted bool) Event {
	return Event{Kind: EventMuted, Muted: muted}
}

func MissedEvent(caller UserID) Event {
	return Event{Kind: EventMissed, CallerID: caller}
}

func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: err}
}

// WarningEvent reports a failed command that leaves the call in place.
func WarningEvent(err error) Event {
	return Event{Kind: EventError, Err: err, Recoverable: true}
}
