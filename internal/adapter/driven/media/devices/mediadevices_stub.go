//go:build !mediadevices

package devices

import (
	"context"
	"errors"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

var errNoDeviceSupport = errors.New("built without the mediadevices tag")

// MediaDevices is unavailable in this build.
type MediaDevices struct{}

func NewMediaDevices() (*MediaDevices, error) {
	return nil, errNoDeviceSupport
}

func (*MediaDevices) Capture(context.Context, []domain.MediaKind) ([]port.LocalTrack, error) {
	return nil, errors.Join(domain.ErrDeviceUnavailable, errNoDeviceSupport)
}
