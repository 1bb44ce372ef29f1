package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type RelayClient interface {
	Connect(ctx context.Context, identity domain.UserID, token string) error
	// Send fails with domain.ErrNotConnected unless the link is connected.
	Send(ctx context.Context, env domain.SignalEnvelope) error
	OnReceive(handler func(domain.SignalEnvelope))
	OnReconnecting(handler func(error))
	OnReconnected(handler func())
	OnDisconnected(handler func(error))
	State() domain.RelayState
	Close() error
}
