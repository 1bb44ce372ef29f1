package devices

import (
	"context"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

// None is the capturer of a host without camera or microphone.
type None struct{}

func (None) Capture(_ context.Context, kinds []domain.MediaKind) ([]port.LocalTrack, error) {
	return nil, fmt.Errorf("%w: no capture devices configured (%d requested)", domain.ErrDeviceUnavailable, len(kinds))
}
