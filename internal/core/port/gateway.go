package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// RealTimeGateway delivers envelopes to connected relay clients.
type RealTimeGateway interface {
	SendSignal(ctx context.Context, env domain.SignalEnvelope) error
	IsOnline(userID domain.UserID) bool
}
