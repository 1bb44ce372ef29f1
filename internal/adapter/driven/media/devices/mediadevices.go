//go:build mediadevices

package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// MediaDevices captures the host camera and microphone.
type MediaDevices struct {
	selector *mediadevices.CodecSelector
}

func NewMediaDevices() (*MediaDevices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	for _, d := range mediadevices.EnumerateDevices() {
		log.Debug().Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("Media device found")
	}

	return &MediaDevices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (m *MediaDevices) Capture(_ context.Context, kinds []domain.MediaKind) ([]port.LocalTrack, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: m.selector}
	for _, kind := range kinds {
		switch kind {
		case domain.MediaAudio:
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		case domain.MediaVideo:
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; MJPEG nodes on some cameras break the encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	var tracks []port.LocalTrack
	for _, t := range stream.GetTracks() {
		kind := domain.MediaAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.MediaVideo
		}
		dt := &deviceTrack{track: t, kind: kind}
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("track_id", dt.ID()).Msg("Device track ended")
			}
		})
		tracks = append(tracks, dt)
	}
	return tracks, nil
}

type deviceTrack struct {
	track mediadevices.Track
	kind  domain.MediaKind

	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

func (t *deviceTrack) ID() string               { return t.track.ID() }
func (t *deviceTrack) Kind() domain.MediaKind   { return t.kind }
func (t *deviceTrack) Local() webrtc.TrackLocal { return t.track }

func (t *deviceTrack) Stop() error {
	var err error
	t.once.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		err = t.track.Close()
	})
	return err
}

func (t *deviceTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
