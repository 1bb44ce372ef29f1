package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/relay/memory"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/google/uuid"
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
	mu     sync.Mutex
	calls  int
	tracks []*fakeTrack
	err    error
}

func (c *fakeCapturer) Capture(_ context.Context, kinds []domain.MediaKind) ([]port.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	out := make([]port.LocalTrack, 0, len(kinds))
	for _, k := range kinds {
		t := &fakeTrack{id: uuid.NewString(), kind: k}
		c.tracks = append(c.tracks, t)
		out = append(out, t)
	}
	return out, nil
}

func (c *fakeCapturer) captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeCapturer) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tracks {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

type fakeLink struct {
	h   port.PeerHandlers
	res port.MediaResource

	mu      sync.Mutex
	closed  bool
	signals [][]byte
	senders map[domain.MediaKind]port.LocalTrack
}

func (l *fakeLink) Signal(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return domain.ErrPeerNegotiation
	}
	l.signals = append(l.signals, payload)
	return nil
}

func (l *fakeLink) ReplaceTrack(kind domain.MediaKind, track port.LocalTrack) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.senders[kind] = track
	return nil
}

func (l *fakeLink) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *fakeLink) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) sender(kind domain.MediaKind) port.LocalTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.senders[kind]
}

func (l *fakeLink) signalCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.signals)
}

// connect plays the peer connection coming up.
func (l *fakeLink) connect() {
	if l.h.OnConnect != nil {
		l.h.OnConnect()
	}
}

type fakePeers struct {
	mu         sync.Mutex
	links      []*fakeLink
	inboundErr error
}

func (p *fakePeers) newLink(res port.MediaResource, h port.PeerHandlers) *fakeLink {
	l := &fakeLink{h: h, res: res, senders: make(map[domain.MediaKind]port.LocalTrack)}
	for _, t := range res.Tracks() {
		l.senders[t.Kind()] = t
	}
	p.mu.Lock()
	p.links = append(p.links, l)
	p.mu.Unlock()
	return l
}

func (p *fakePeers) CreateOutbound(_ context.Context, res port.MediaResource, h port.PeerHandlers) (port.PeerLink, []byte, error) {
	return p.newLink(res, h), []byte(`{"type":"offer","sdp":"v=0"}`), nil
}

func (p *fakePeers) CreateInbound(_ context.Context, res port.MediaResource, _ []byte, h port.PeerHandlers) (port.PeerLink, []byte, error) {
	p.mu.Lock()
	err := p.inboundErr
	p.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return p.newLink(res, h), []byte(`{"type":"answer","sdp":"v=0"}`), nil
}

func (p *fakePeers) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.links)
}

func (p *fakePeers) last() *fakeLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.links) == 0 {
		return nil
	}
	return p.links[len(p.links)-1]
}

// party is one user with its own adapter, media and relay client.
type party struct {
	id       domain.UserID
	adapter  *Adapter
	relay    *memory.Client
	peers    *fakePeers
	capturer *fakeCapturer
	events   chan domain.Event
}

func newParty(t *testing.T, net *memory.Network, id domain.UserID, cfg Config) *party {
	t.Helper()
	p := &party{
		id:       id,
		relay:    net.Client(),
		peers:    &fakePeers{},
		capturer: &fakeCapturer{},
		events:   make(chan domain.Event, 64),
	}
	p.adapter = NewAdapter(p.relay, p.peers, service.NewMediaManager(p.capturer), cfg)
	p.adapter.OnEvent(func(e domain.Event) { p.events <- e })
	t.Cleanup(func() { p.adapter.Unregister(context.Background()) })
	return p
}

func (p *party) register(t *testing.T) {
	t.Helper()
	require.NoError(t, p.adapter.Register(context.Background(), domain.Credentials{
		Identity:    p.id,
		AccessToken: "token",
		Backend:     domain.BackendPeerSignaling,
	}))
	require.Equal(t, domain.EventRegistered, p.next(t).Kind)
}

func (p *party) next(t *testing.T) domain.Event {
	t.Helper()
	select {
	case e := <-p.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no event", p.id)
		return domain.Event{}
	}
}

func (p *party) quiet(t *testing.T) {
	t.Helper()
	select {
	case e := <-p.events:
		t.Fatalf("%s: unexpected %s event", p.id, e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}
