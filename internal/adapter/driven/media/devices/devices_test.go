package devices

import (
	"context"
	"testing"

	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSyntheticCapture tests that one sendable track is produced per kind.
func TestSyntheticCapture(t *testing.T) {
	tracks, err := NewSynthetic().Capture(context.Background(), []domain.MediaKind{domain.MediaAudio, domain.MediaVideo})
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	assert.Equal(t, domain.MediaAudio, tracks[0].Kind())
	assert.Equal(t, domain.MediaVideo, tracks[1].Kind())
	for _, tr := range tracks {
		_, ok := tr.(pion.Track)
		assert.True(t, ok, "track %s is not sendable", tr.ID())
		require.NoError(t, tr.Stop())
		assert.True(t, tr.Stopped())
	}
}

// TestSyntheticRejectsUnknownKind tests that an unsupported kind fails the whole capture.
func TestSyntheticRejectsUnknownKind(t *testing.T) {
	_, err := NewSynthetic().Capture(context.Background(), []domain.MediaKind{domain.MediaAudio, "screen"})
	require.ErrorIs(t, err, domain.ErrDeviceUnavailable)
}

// TestNoneCapture tests that the deviceless capturer always refuses.
func TestNoneCapture(t *testing.T) {
	tracks, err := None{}.Capture(context.Background(), []domain.MediaKind{domain.MediaAudio})
	require.ErrorIs(t, err, domain.ErrDeviceUnavailable)
	assert.Empty(t, tracks)
}
