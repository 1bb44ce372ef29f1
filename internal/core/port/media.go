package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	Stop() error
	Stopped() bool
}

// Capturer opens the local devices, one track per requested kind. It returns
// domain.ErrDeviceUnavailable when a device is absent or access is denied.
type Capturer interface {
	Capture(ctx context.Context, kinds []domain.MediaKind) ([]LocalTrack, error)
}

// MediaSource is anything a RenderTarget can show.
type MediaSource interface {
	ID() string
	Kinds() []domain.MediaKind
}

type MediaResource interface {
	MediaSource
	Track(kind domain.MediaKind) LocalTrack
	Tracks() []LocalTrack
	LiveTracks() int
	Released() bool
}

type RemoteStream interface {
	MediaSource
}

// RenderTarget is supplied by the UI. Render(nil) detaches.
type RenderTarget interface {
	Render(src MediaSource)
}

type MediaManager interface {
	Acquire(ctx context.Context, video bool) (MediaResource, error)
	// AcquireTrack captures a single extra track, for mode switches.
	AcquireTrack(ctx context.Context, kind domain.MediaKind) (LocalTrack, error)
	Release(res MediaResource)
	BindLocal(res MediaResource, target RenderTarget)
	BindRemote(stream RemoteStream, target RenderTarget)
	// ReplaceTrack installs track as the kind track of res and of link. A nil
	// track drops the kind. The replaced track is stopped.
	ReplaceTrack(res MediaResource, link PeerLink, kind domain.MediaKind, track LocalTrack) error
}
