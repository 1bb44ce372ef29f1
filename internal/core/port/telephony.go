package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type TelephonyDeviceHandlers struct {
	OnRegistered   func()
	OnUnregistered func()
	// OnIncoming runs before any event of call is delivered, so handlers set
	// with call.On inside it see every event.
	OnIncoming func(call TelephonyCall)
	OnError    func(error)
}

type TelephonyCallHandlers struct {
	OnAccept     func()
	OnDisconnect func()
	OnCancel     func()
	OnReject     func()
	OnMute       func(muted bool)
	OnError      func(error)
}

// TelephonyDevice is a registered endpoint of a telephony provider.
type TelephonyDevice interface {
	Register(ctx context.Context, identity domain.UserID, token string, h TelephonyDeviceHandlers) error
	Unregister(ctx context.Context) error
	Connect(ctx context.Context, target domain.UserID, video bool, h TelephonyCallHandlers) (TelephonyCall, error)
}

type TelephonyCall interface {
	SID() string
	// Params is provider metadata, e.g. "From" and "callerId".
	Params() map[string]string
	Video() bool
	On(h TelephonyCallHandlers)
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Mute(muted bool) error
}
