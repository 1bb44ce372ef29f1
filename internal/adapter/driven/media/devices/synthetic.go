package devices

import (
	"context"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// opusSilence is a single 20ms Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// Synthetic produces tracks without touching any device. Audio tracks carry
// Opus silence so the remote sees RTP flowing; video tracks stay empty.
type Synthetic struct{}

func NewSynthetic() *Synthetic {
	return &Synthetic{}
}

func (s *Synthetic) Capture(ctx context.Context, kinds []domain.MediaKind) ([]port.LocalTrack, error) {
	streamID := "yacall-" + uuid.NewString()

	tracks := make([]port.LocalTrack, 0, len(kinds))
	for _, kind := range kinds {
		t, err := pion.NewSampleTrack(kind, streamID)
		if err != nil {
			for _, made := range tracks {
				made.Stop()
			}
			return nil, fmt.Errorf("%w: creating %s track: %v", domain.ErrDeviceUnavailable, kind, err)
		}
		if kind == domain.MediaAudio {
			go pumpSilence(t)
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func pumpSilence(t *pion.SampleTrack) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			if err := t.WriteSample(opusSilence, frameDuration); err != nil {
				if !t.Stopped() {
					log.Debug().Err(err).Str("track_id", t.ID()).Msg("Silence pump stopped")
				}
				return
			}
		}
	}
}
