package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// BackendAPI is the REST boundary of the surrounding application.
type BackendAPI interface {
	// Bind sets the base URL and bearer token used by every later request.
	Bind(baseURL, accessToken string)
	FetchToken(ctx context.Context, scope domain.TokenScope) (domain.Token, error)
	SetCallingStatus(ctx context.Context, remote domain.UserID, audio, video bool) error
	SaveCallHistory(ctx context.Context, h domain.CallHistory) error
	FetchCallingStatus(ctx context.Context, remote domain.UserID) (domain.CallingStatus, error)
}
