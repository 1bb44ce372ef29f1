package pion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ICEServers    []string
	GatherTimeout time.Duration
	PLIInterval   time.Duration

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// implements port.PeerConnector
type Manager struct {
	api *webrtc.API
	cfg Config
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 2 * time.Second
	}
	if cfg.PLIInterval <= 0 {
		cfg.PLIInterval = 3 * time.Second
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	return &Manager{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		cfg: cfg,
	}, nil
}

func (m *Manager) CreateOutbound(ctx context.Context, res port.MediaResource, h port.PeerHandlers) (port.PeerLink, []byte, error) {
	link, err := m.newLink(res, h)
	if err != nil {
		return nil, nil, err
	}

	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		link.Destroy()
		return nil, nil, negotiationErr("creating offer", err)
	}
	payload, err := link.setLocal(ctx, offer, m.cfg.GatherTimeout)
	if err != nil {
		link.Destroy()
		return nil, nil, err
	}
	return link, payload, nil
}

func (m *Manager) CreateInbound(ctx context.Context, res port.MediaResource, remote []byte, h port.PeerHandlers) (port.PeerLink, []byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(remote, &offer); err != nil {
		return nil, nil, negotiationErr("decoding offer", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return nil, nil, negotiationErr("decoding offer", fmt.Errorf("got %s", offer.Type))
	}

	link, err := m.newLink(res, h)
	if err != nil {
		return nil, nil, err
	}
	if err := link.pc.SetRemoteDescription(offer); err != nil {
		link.Destroy()
		return nil, nil, negotiationErr("setting remote description", err)
	}
	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		link.Destroy()
		return nil, nil, negotiationErr("creating answer", err)
	}
	payload, err := link.setLocal(ctx, answer, m.cfg.GatherTimeout)
	if err != nil {
		link.Destroy()
		return nil, nil, err
	}
	return link, payload, nil
}

func (m *Manager) newLink(res port.MediaResource, h port.PeerHandlers) (*Link, error) {
	var servers []webrtc.ICEServer
	if len(m.cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: m.cfg.ICEServers}}
	}
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, negotiationErr("creating peer connection", err)
	}

	link := &Link{
		pc:          pc,
		handlers:    h,
		done:        make(chan struct{}),
		pliInterval: m.cfg.PLIInterval,
	}

	// One sendrecv transceiver per kind so tracks can be swapped later
	// without renegotiation.
	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		var track port.LocalTrack
		if res != nil {
			track = res.Track(kind)
		}
		init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}
		if t, ok := track.(Track); ok && !t.Stopped() {
			_, err = pc.AddTransceiverFromTrack(t.Local(), init)
		} else {
			_, err = pc.AddTransceiverFromKind(codecType(kind), init)
		}
		if err != nil {
			pc.Close()
			return nil, negotiationErr("adding "+string(kind)+" transceiver", err)
		}
	}

	pc.OnTrack(link.onTrack)
	pc.OnConnectionStateChange(link.onStateChange)
	return link, nil
}

// Link is one peer-to-peer media connection.
type Link struct {
	pc          *webrtc.PeerConnection
	handlers    port.PeerHandlers
	pliInterval time.Duration

	mu        sync.Mutex
	destroyed bool
	connected bool
	finished  bool
	done      chan struct{}
}

func (l *Link) setLocal(ctx context.Context, desc webrtc.SessionDescription, timeout time.Duration) ([]byte, error) {
	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(desc); err != nil {
		return nil, negotiationErr("setting local description", err)
	}

	// Vanilla ICE: ship every candidate in the description.
	select {
	case <-gatherComplete:
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("ICE gathering incomplete, sending partial candidates")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	payload, err := json.Marshal(l.pc.LocalDescription())
	if err != nil {
		return nil, negotiationErr("encoding description", err)
	}
	return payload, nil
}

// remoteSignal is either a session description or an ICE candidate.
type remoteSignal struct {
	Type      string  `json:"type"`
	SDP       string  `json:"sdp"`
	Candidate *string `json:"candidate"`
}

func (l *Link) Signal(payload []byte) error {
	if l.IsClosed() {
		return negotiationErr("applying signal", errors.New("link is closed"))
	}

	var sig remoteSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return negotiationErr("decoding signal", err)
	}

	switch {
	case sig.SDP != "":
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(payload, &desc); err != nil {
			return negotiationErr("decoding description", err)
		}
		if err := l.pc.SetRemoteDescription(desc); err != nil {
			return negotiationErr("setting remote description", err)
		}
		return nil
	case sig.Candidate != nil:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &candidate); err != nil {
			return negotiationErr("decoding candidate", err)
		}
		if err := l.pc.AddICECandidate(candidate); err != nil {
			return negotiationErr("adding candidate", err)
		}
		return nil
	default:
		return negotiationErr("decoding signal", errors.New("neither description nor candidate"))
	}
}

func (l *Link) ReplaceTrack(kind domain.MediaKind, track port.LocalTrack) error {
	var local webrtc.TrackLocal
	if track != nil {
		t, ok := track.(Track)
		if !ok {
			return fmt.Errorf("track %s cannot be sent on a peer link", track.ID())
		}
		local = t.Local()
	}

	for _, tr := range l.pc.GetTransceivers() {
		if tr.Kind() != codecType(kind) || tr.Sender() == nil {
			continue
		}
		if err := tr.Sender().ReplaceTrack(local); err != nil {
			return fmt.Errorf("replacing %s track: %w", kind, err)
		}
		return nil
	}
	return fmt.Errorf("no %s sender on link", kind)
}

// Destroy stops event delivery and closes the connection. Safe to call twice.
func (l *Link) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.destroyed = true
	close(l.done)
	l.mu.Unlock()

	if err := l.pc.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing peer connection")
	}
}

func (l *Link) IsClosed() bool {
	l.mu.Lock()
	destroyed := l.destroyed
	l.mu.Unlock()
	return destroyed || l.pc.ConnectionState() == webrtc.PeerConnectionStateClosed
}

func (l *Link) onStateChange(state webrtc.PeerConnectionState) {
	log.Debug().Str("state", state.String()).Msg("Peer connection state")

	l.mu.Lock()
	if l.destroyed || l.finished {
		l.mu.Unlock()
		return
	}
	var fire func()
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if !l.connected && l.handlers.OnConnect != nil {
			fire = l.handlers.OnConnect
		}
		l.connected = true
	case webrtc.PeerConnectionStateFailed:
		l.finished = true
		if h := l.handlers.OnError; h != nil {
			fire = func() { h(negotiationErr("connection", errors.New("ICE failed"))) }
		}
	case webrtc.PeerConnectionStateClosed:
		l.finished = true
		fire = l.handlers.OnClose
	}
	l.mu.Unlock()

	if fire != nil {
		fire()
	}
}

func (l *Link) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := domain.MediaAudio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.MediaVideo
	}
	log.Debug().Str("kind", string(kind)).Str("codec", remote.Codec().MimeType).Msg("Received remote track")

	go l.drain(remote)
	if kind == domain.MediaVideo {
		go l.requestKeyframes(remote)
	}

	l.mu.Lock()
	destroyed := l.destroyed
	l.mu.Unlock()
	if !destroyed && l.handlers.OnStream != nil {
		l.handlers.OnStream(&RemoteStream{id: remote.StreamID() + "/" + remote.ID(), kind: kind})
	}
}

// drain consumes RTP so interceptors keep running; frames are not decoded.
func (l *Link) drain(remote *webrtc.TrackRemote) {
	for {
		if _, _, err := remote.ReadRTP(); err != nil {
			return
		}
	}
}

// requestKeyframes sends a PLI right away and then periodically until the
// link goes away.
func (l *Link) requestKeyframes(remote *webrtc.TrackRemote) {
	sendPLI := func() {
		// Errors are benign once the connection is closing.
		_ = l.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
		})
	}
	sendPLI()

	ticker := time.NewTicker(l.pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			sendPLI()
		}
	}
}

type RemoteStream struct {
	id   string
	kind domain.MediaKind
}

func (s *RemoteStream) ID() string                { return s.id }
func (s *RemoteStream) Kinds() []domain.MediaKind { return []domain.MediaKind{s.kind} }

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.MediaVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func negotiationErr(step string, err error) error {
	return fmt.Errorf("%s: %w: %v", step, domain.ErrPeerNegotiation, err)
}
