package service

import (
	"context"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

// RelayService routes signal envelopes between connected identities on the
// hub side.
type RelayService struct {
	gateway port.RealTimeGateway
}

func NewRelayService(gateway port.RealTimeGateway) *RelayService {
	return &RelayService{
		gateway: gateway,
	}
}

// Forward stamps from as the sender and delivers env to its target.
func (s *RelayService) Forward(ctx context.Context, from domain.UserID, env domain.SignalEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	env.SenderIdentity = from

	if !s.gateway.IsOnline(env.TargetIdentity) {
		return fmt.Errorf("%s is offline: %w", env.TargetIdentity, domain.ErrNotConnected)
	}
	if err := s.gateway.SendSignal(ctx, env); err != nil {
		log.Err(err).Str("from", from.String()).Str("to", env.TargetIdentity.String()).Msg("Gateway error")
		return fmt.Errorf("deliver %s: %w", env.Kind, domain.ErrRelay)
	}

	log.Debug().
		Str("from", from.String()).
		Str("to", env.TargetIdentity.String()).
		Str("type", string(env.Kind)).
		Msg("Signal relayed")
	return nil
}
