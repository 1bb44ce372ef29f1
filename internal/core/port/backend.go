package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type EventSink func(domain.Event)

// Backend is one call backend. A failed command leaves no resources held and
// emits no event.
type Backend interface {
	Kind() domain.BackendKind
	Register(ctx context.Context, creds domain.Credentials) error
	Unregister(ctx context.Context) error
	StartOutbound(ctx context.Context, target domain.UserID, video bool) error
	AcceptInbound(ctx context.Context) error
	DeclineInbound(ctx context.Context) error
	// Hangup tears the current call down and emits ended, also when there
	// is nothing left to tear down.
	Hangup(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	OnEvent(sink EventSink)
	// LocalIdentity is the identity resolved by the last successful Register.
	LocalIdentity() domain.UserID
	// CallID returns the provider's identifier of the current call once known.
	CallID() (string, bool)
}

// ModeSwitcher is implemented by backends that can toggle video mid-call.
type ModeSwitcher interface {
	SwitchMode(ctx context.Context, video bool) error
}

// InboundExpirer is implemented by backends that can silently drop a ringing
// inbound call the server no longer reports, emitting missed.
type InboundExpirer interface {
	ExpireInbound(ctx context.Context) error
}
