package ws

import "github.com/Wyydra/yacall/internal/core/domain"

type Client interface {
	ID() string
	UserID() domain.UserID
	SendSignal(env domain.SignalEnvelope) error
	Close() error
}
