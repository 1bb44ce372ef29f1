package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	id   string
	kind domain.MediaKind

	mu      sync.Mutex
	stopped bool
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.MediaKind { return t.kind }

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeCapturer struct {
	err    error
	n      int
	cancel context.CancelFunc
	tracks []*fakeTrack
}

func (c *fakeCapturer) Capture(_ context.Context, kinds []domain.MediaKind) ([]port.LocalTrack, error) {
	if c.err != nil {
		return nil, c.err
	}
	var out []port.LocalTrack
	for _, k := range kinds {
		c.n++
		t := &fakeTrack{id: fmt.Sprintf("%s-%d", k, c.n), kind: k}
		c.tracks = append(c.tracks, t)
		out = append(out, t)
	}
	if c.cancel != nil {
		c.cancel()
	}
	return out, nil
}

type fakeLink struct {
	closed   bool
	err      error
	replaced map[domain.MediaKind]port.LocalTrack
}

func (l *fakeLink) Signal([]byte) error { return nil }
func (l *fakeLink) Destroy()            { l.closed = true }
func (l *fakeLink) IsClosed() bool      { return l.closed }

func (l *fakeLink) ReplaceTrack(kind domain.MediaKind, track port.LocalTrack) error {
	if l.err != nil {
		return l.err
	}
	if l.replaced == nil {
		l.replaced = make(map[domain.MediaKind]port.LocalTrack)
	}
	l.replaced[kind] = track
	return nil
}

type fakeTarget struct {
	rendered []port.MediaSource
}

func (t *fakeTarget) Render(src port.MediaSource) { t.rendered = append(t.rendered, src) }

// TestAcquire tests capture of audio and video tracks.
func TestAcquire(t *testing.T) {
	m := NewMediaManager(&fakeCapturer{})

	res, err := m.Acquire(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []domain.MediaKind{domain.MediaAudio, domain.MediaVideo}, res.Kinds())
	assert.Equal(t, 2, res.LiveTracks())
	assert.False(t, res.Released())

	audioOnly, err := m.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []domain.MediaKind{domain.MediaAudio}, audioOnly.Kinds())

	assert.True(t, res.Released(), "second grant releases the first")
	assert.Zero(t, res.LiveTracks())
}

// TestAcquireDeviceUnavailable tests that capture failures are classified.
func TestAcquireDeviceUnavailable(t *testing.T) {
	m := NewMediaManager(&fakeCapturer{err: errors.New("permission denied")})

	_, err := m.Acquire(context.Background(), false)
	require.ErrorIs(t, err, domain.ErrDeviceUnavailable)
	assert.Equal(t, domain.ErrorKindDeviceUnavailable, domain.KindOf(err))
}

// TestAcquireCancelled tests that tracks captured after cancellation are
// stopped.
func TestAcquireCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &fakeCapturer{cancel: cancel}
	m := NewMediaManager(c)

	_, err := m.Acquire(ctx, true)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, c.tracks, 2)
	for _, tr := range c.tracks {
		assert.True(t, tr.Stopped())
	}
}

// TestReleaseDetachesTargets tests that releasing stops tracks once and
// detaches every bound target.
func TestReleaseDetachesTargets(t *testing.T) {
	m := NewMediaManager(&fakeCapturer{})
	res, err := m.Acquire(context.Background(), true)
	require.NoError(t, err)

	local := &fakeTarget{}
	m.BindLocal(res, local)
	m.BindLocal(res, local)
	require.Len(t, local.rendered, 1)

	m.Release(res)
	m.Release(res)
	assert.True(t, res.Released())
	assert.Zero(t, res.LiveTracks())
	require.Len(t, local.rendered, 2)
	assert.Nil(t, local.rendered[1])

	m.BindLocal(res, local)
	assert.Len(t, local.rendered, 2, "released resources are not rendered")
}

// TestReplaceTrack tests adding, swapping and dropping a track.
func TestReplaceTrack(t *testing.T) {
	m := NewMediaManager(&fakeCapturer{})
	res, err := m.Acquire(context.Background(), false)
	require.NoError(t, err)
	link := &fakeLink{}

	video, err := m.AcquireTrack(context.Background(), domain.MediaVideo)
	require.NoError(t, err)
	require.NoError(t, m.ReplaceTrack(res, link, domain.MediaVideo, video))
	assert.Equal(t, video, res.Track(domain.MediaVideo))
	assert.Equal(t, video, link.replaced[domain.MediaVideo])

	require.NoError(t, m.ReplaceTrack(res, link, domain.MediaVideo, nil))
	assert.Nil(t, res.Track(domain.MediaVideo))
	assert.True(t, video.Stopped())
	assert.Equal(t, []domain.MediaKind{domain.MediaAudio}, res.Kinds())
}

// TestReplaceTrackLinkFailure tests that a failed swap keeps the old track.
func TestReplaceTrackLinkFailure(t *testing.T) {
	m := NewMediaManager(&fakeCapturer{})
	res, err := m.Acquire(context.Background(), true)
	require.NoError(t, err)
	old := res.Track(domain.MediaVideo)

	link := &fakeLink{err: errors.New("sender gone")}
	require.Error(t, m.ReplaceTrack(res, link, domain.MediaVideo, nil))
	assert.Equal(t, old, res.Track(domain.MediaVideo))
	assert.False(t, old.Stopped())

	m.Release(res)
	assert.Error(t, m.ReplaceTrack(res, nil, domain.MediaVideo, nil))
}
