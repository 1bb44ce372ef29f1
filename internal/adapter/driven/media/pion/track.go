package pion

import (
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Track is a LocalTrack a peer link can send.
type Track interface {
	port.LocalTrack
	Local() webrtc.TrackLocal
}

// SampleTrack is a local track fed with encoded samples by its producer.
type SampleTrack struct {
	id    string
	kind  domain.MediaKind
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func NewSampleTrack(kind domain.MediaKind, streamID string) (*SampleTrack, error) {
	var codec webrtc.RTPCodecCapability
	switch kind {
	case domain.MediaAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case domain.MediaVideo:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unsupported media kind %q", kind)
	}

	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("creating %s track: %w", kind, err)
	}
	return &SampleTrack{
		id:    id,
		kind:  kind,
		local: local,
		done:  make(chan struct{}),
	}, nil
}

func (t *SampleTrack) ID() string               { return t.id }
func (t *SampleTrack) Kind() domain.MediaKind   { return t.kind }
func (t *SampleTrack) Local() webrtc.TrackLocal { return t.local }
func (t *SampleTrack) Done() <-chan struct{}    { return t.done }

func (t *SampleTrack) WriteSample(data []byte, d time.Duration) error {
	if t.Stopped() {
		return fmt.Errorf("track %s is stopped", t.id)
	}
	return t.local.WriteSample(media.Sample{Data: data, Duration: d})
}

func (t *SampleTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	close(t.done)
	return nil
}

func (t *SampleTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
