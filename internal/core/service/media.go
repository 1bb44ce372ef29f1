package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// mediaResource is the local capture owned by one call.
type mediaResource struct {
	id string

	mu       sync.Mutex
	tracks   map[domain.MediaKind]port.LocalTrack
	released bool
}

func (r *mediaResource) ID() string { return r.id }

func (r *mediaResource) Kinds() []domain.MediaKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]domain.MediaKind, 0, len(r.tracks))
	for _, k := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		if _, ok := r.tracks[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (r *mediaResource) Track(kind domain.MediaKind) port.LocalTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracks[kind]
}

func (r *mediaResource) Tracks() []port.LocalTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]port.LocalTrack, 0, len(r.tracks))
	for _, k := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		if t, ok := r.tracks[k]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (r *mediaResource) LiveTracks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tracks {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

func (r *mediaResource) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// MediaManager hands out at most one capture grant at a time.
type MediaManager struct {
	capturer port.Capturer

	mu      sync.Mutex
	current *mediaResource
	bound   map[port.RenderTarget]string
}

func NewMediaManager(capturer port.Capturer) *MediaManager {
	return &MediaManager{
		capturer: capturer,
		bound:    make(map[port.RenderTarget]string),
	}
}

// Acquire releases any held resource, then captures audio and optionally
// video. If ctx is done by the time capture completes the new tracks are
// stopped and ctx's error returned.
func (m *MediaManager) Acquire(ctx context.Context, video bool) (port.MediaResource, error) {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev != nil {
		m.Release(prev)
	}

	kinds := []domain.MediaKind{domain.MediaAudio}
	if video {
		kinds = append(kinds, domain.MediaVideo)
	}
	tracks, err := m.capture(ctx, kinds)
	if err != nil {
		return nil, err
	}

	res := &mediaResource{
		id:     uuid.NewString(),
		tracks: make(map[domain.MediaKind]port.LocalTrack, len(tracks)),
	}
	for _, t := range tracks {
		res.tracks[t.Kind()] = t
	}

	m.mu.Lock()
	m.current = res
	m.mu.Unlock()

	log.Debug().Str("resource_id", res.id).Int("tracks", len(tracks)).Msg("Media acquired")
	return res, nil
}

func (m *MediaManager) AcquireTrack(ctx context.Context, kind domain.MediaKind) (port.LocalTrack, error) {
	tracks, err := m.capture(ctx, []domain.MediaKind{kind})
	if err != nil {
		return nil, err
	}
	if len(tracks) != 1 {
		stopAll(tracks)
		return nil, fmt.Errorf("%w: no %s track captured", domain.ErrDeviceUnavailable, kind)
	}
	return tracks[0], nil
}

func (m *MediaManager) capture(ctx context.Context, kinds []domain.MediaKind) ([]port.LocalTrack, error) {
	tracks, err := m.capturer.Capture(ctx, kinds)
	if err != nil {
		if !errors.Is(err, domain.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		// Nobody wants these anymore.
		stopAll(tracks)
		return nil, err
	}
	return tracks, nil
}

// Release stops every track of res. Failures are logged per track.
func (m *MediaManager) Release(res port.MediaResource) {
	r, ok := res.(*mediaResource)
	if !ok || r == nil {
		return
	}

	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	tracks := make([]port.LocalTrack, 0, len(r.tracks))
	for _, t := range r.tracks {
		tracks = append(tracks, t)
	}
	r.mu.Unlock()

	stopAll(tracks)

	m.mu.Lock()
	if m.current == r {
		m.current = nil
	}
	var detach []port.RenderTarget
	for target, id := range m.bound {
		if id == r.id {
			detach = append(detach, target)
			delete(m.bound, target)
		}
	}
	m.mu.Unlock()

	for _, target := range detach {
		target.Render(nil)
	}
	log.Debug().Str("resource_id", r.id).Msg("Media released")
}

func (m *MediaManager) BindLocal(res port.MediaResource, target port.RenderTarget) {
	if res == nil || res.Released() {
		return
	}
	m.bind(res, target)
}

func (m *MediaManager) BindRemote(stream port.RemoteStream, target port.RenderTarget) {
	if stream == nil {
		return
	}
	m.bind(stream, target)
}

func (m *MediaManager) bind(src port.MediaSource, target port.RenderTarget) {
	if target == nil {
		return
	}
	m.mu.Lock()
	if m.bound[target] == src.ID() {
		m.mu.Unlock()
		return
	}
	m.bound[target] = src.ID()
	m.mu.Unlock()

	target.Render(src)
}

func (m *MediaManager) ReplaceTrack(res port.MediaResource, link port.PeerLink, kind domain.MediaKind, track port.LocalTrack) error {
	r, ok := res.(*mediaResource)
	if !ok || r == nil {
		return fmt.Errorf("replace %s track: unknown media resource", kind)
	}
	if r.Released() {
		return fmt.Errorf("replace %s track: resource already released", kind)
	}

	if link != nil && !link.IsClosed() {
		if err := link.ReplaceTrack(kind, track); err != nil {
			return fmt.Errorf("replace %s track: %w", kind, err)
		}
	}

	r.mu.Lock()
	old := r.tracks[kind]
	if track == nil {
		delete(r.tracks, kind)
	} else {
		r.tracks[kind] = track
	}
	r.mu.Unlock()

	if old != nil && old != track {
		stopAll([]port.LocalTrack{old})
	}
	return nil
}

func stopAll(tracks []port.LocalTrack) {
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			log.Warn().Err(err).Str("track_id", t.ID()).Str("kind", string(t.Kind())).Msg("Failed to stop track")
		}
	}
}
