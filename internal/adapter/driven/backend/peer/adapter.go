// Package peer is the peer-signaling call backend: offers and answers travel
// over the relay, media over a direct peer link.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	_ port.Backend        = (*Adapter)(nil)
	_ port.ModeSwitcher   = (*Adapter)(nil)
	_ port.InboundExpirer = (*Adapter)(nil)
)

var errCallGone = errors.New("call was torn down")

type Config struct {
	// RingTimeout ends an unanswered outbound call.
	RingTimeout time.Duration
	// SendTimeout bounds best-effort sends that have no caller context.
	SendTimeout time.Duration

	LocalView  port.RenderTarget
	RemoteView port.RenderTarget
}

// call is the adapter's view of the one call it may hold.
type call struct {
	remote domain.UserID
	dir    domain.Direction
	video  bool
	offer  []byte

	res       port.MediaResource
	link      port.PeerLink
	signaled  bool
	accepting bool
	active    bool
	muted     bool
	callID    string
	ring      *time.Timer
}

type Adapter struct {
	relay port.RelayClient
	peers port.PeerConnector
	media port.MediaManager
	cfg   Config

	mu         sync.Mutex
	registered bool
	identity   domain.UserID
	call       *call

	smu  sync.RWMutex
	sink port.EventSink
}

func NewAdapter(relay port.RelayClient, peers port.PeerConnector, media port.MediaManager, cfg Config) *Adapter {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 45 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	a := &Adapter{
		relay: relay,
		peers: peers,
		media: media,
		cfg:   cfg,
	}
	relay.OnReceive(a.onEnvelope)
	relay.OnReconnecting(func(err error) {
		log.Warn().Err(err).Msg("Relay reconnecting, peer link kept")
	})
	relay.OnReconnected(func() {
		log.Info().Msg("Relay back")
	})
	relay.OnDisconnected(a.relayLost)
	return a
}

func (a *Adapter) Kind() domain.BackendKind { return domain.BackendPeerSignaling }

func (a *Adapter) OnEvent(sink port.EventSink) {
	a.smu.Lock()
	defer a.smu.Unlock()
	a.sink = sink
}

func (a *Adapter) emit(e domain.Event) {
	a.smu.RLock()
	sink := a.sink
	a.smu.RUnlock()
	if sink != nil {
		sink(e)
	}
}

func (a *Adapter) LocalIdentity() domain.UserID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

func (a *Adapter) CallID() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.call == nil || a.call.callID == "" {
		return "", false
	}
	return a.call.callID, true
}

// Register joins the relay under the identity carried by the credentials.
// The relay authenticates with the application access token.
func (a *Adapter) Register(ctx context.Context, creds domain.Credentials) error {
	id, err := domain.ResolveIdentity(creds, domain.Token{})
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.registered {
		a.registered = false
		a.finishLocked(a.call)()
	}
	a.mu.Unlock()

	if err := a.relay.Connect(ctx, id, creds.AccessToken); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrRegistration, err)
	}

	a.mu.Lock()
	a.registered = true
	a.identity = id
	a.mu.Unlock()

	log.Info().Str("user_id", id.String()).Msg("Registered on relay")
	a.emit(domain.RegisteredEvent())
	return nil
}

// Unregister drops any call and leaves the relay. It emits nothing.
func (a *Adapter) Unregister(ctx context.Context) error {
	a.mu.Lock()
	a.registered = false
	c := a.call
	cleanup := a.finishLocked(c)
	a.mu.Unlock()

	cleanup()
	if c != nil && c.signaled {
		a.sendHangup(ctx, c.remote)
	}
	return a.relay.Close()
}

func (a *Adapter) StartOutbound(ctx context.Context, target domain.UserID, video bool) error {
	a.mu.Lock()
	if !a.registered {
		a.mu.Unlock()
		return domain.ErrNotRegistered
	}
	if a.call != nil {
		a.mu.Unlock()
		return domain.ErrBusy
	}
	c := &call{remote: target, dir: domain.DirectionOutbound, video: video}
	a.call = c
	a.mu.Unlock()

	l := a.logger(c)

	res, err := a.media.Acquire(ctx, video)
	if err != nil {
		a.abandon(c)
		return err
	}
	link, offer, err := a.peers.CreateOutbound(ctx, res, a.handlers(c))
	if err != nil {
		a.media.Release(res)
		a.abandon(c)
		return err
	}
	if err := a.adopt(ctx, c, res, link); err != nil {
		return err
	}

	if err := a.relay.Send(ctx, domain.NewSignalEnvelope(target, domain.SignalOffer, offer, video)); err != nil {
		l.Error().Err(err).Msg("Failed to send offer")
		a.abandon(c)
		return err
	}

	a.mu.Lock()
	if a.call != c {
		a.mu.Unlock()
		return errCallGone
	}
	c.signaled = true
	c.ring = time.AfterFunc(a.cfg.RingTimeout, func() { a.ringExpired(c) })
	a.mu.Unlock()

	l.Info().Msg("Offer sent")
	a.emit(domain.RingingEvent())
	return nil
}

func (a *Adapter) AcceptInbound(ctx context.Context) error {
	a.mu.Lock()
	if !a.registered {
		a.mu.Unlock()
		return domain.ErrNotRegistered
	}
	c := a.call
	if c == nil || c.dir != domain.DirectionInbound || c.active || c.accepting {
		a.mu.Unlock()
		return domain.ErrNoIncomingCall
	}
	c.accepting = true
	offer, video := c.offer, c.video
	a.mu.Unlock()

	l := a.logger(c)

	res, err := a.media.Acquire(ctx, video)
	if err != nil {
		a.abort(c)
		return err
	}
	link, answer, err := a.peers.CreateInbound(ctx, res, offer, a.handlers(c))
	if err != nil {
		a.media.Release(res)
		a.abort(c)
		return err
	}
	if err := a.adopt(ctx, c, res, link); err != nil {
		return err
	}

	if err := a.relay.Send(ctx, domain.NewSignalEnvelope(c.remote, domain.SignalRelaySignal, answer, video)); err != nil {
		l.Error().Err(err).Msg("Failed to send answer")
		a.abort(c)
		return err
	}

	a.mu.Lock()
	if a.call != c {
		a.mu.Unlock()
		return errCallGone
	}
	c.signaled = true
	c.offer = nil
	c.active = true
	c.callID = domain.NewCallID()
	callID := c.callID
	a.mu.Unlock()

	l.Info().Msg("Call accepted")
	a.emit(domain.ActiveEvent(callID))
	return nil
}

// DeclineInbound discards the pending offer. Nothing is sent to the caller.
func (a *Adapter) DeclineInbound(ctx context.Context) error {
	a.mu.Lock()
	c := a.call
	if c == nil || c.dir != domain.DirectionInbound || c.active {
		c = nil
	}
	cleanup := a.finishLocked(c)
	a.mu.Unlock()

	cleanup()
	a.emit(domain.DeclinedEvent())
	return nil
}

// Hangup always emits ended, even with nothing to tear down.
func (a *Adapter) Hangup(ctx context.Context) error {
	a.mu.Lock()
	c := a.call
	cleanup := a.finishLocked(c)
	a.mu.Unlock()

	cleanup()
	if c != nil && c.signaled {
		a.sendHangup(ctx, c.remote)
	}
	a.emit(domain.EndedEvent())
	return nil
}

func (a *Adapter) SetMuted(_ context.Context, muted bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.call
	if c == nil || !c.active || c.link == nil {
		return domain.ErrNoActiveCall
	}
	var track port.LocalTrack
	if !muted {
		track = c.res.Track(domain.MediaAudio)
	}
	// The audio track keeps running; only the sender is detached.
	if err := c.link.ReplaceTrack(domain.MediaAudio, track); err != nil {
		return fmt.Errorf("set muted %t: %w", muted, err)
	}
	c.muted = muted
	a.emit(domain.MutedEvent(muted))
	return nil
}

// SwitchMode adds or drops the video track of the active call in place.
func (a *Adapter) SwitchMode(ctx context.Context, video bool) error {
	a.mu.Lock()
	c := a.call
	if c == nil || !c.active || c.link == nil {
		a.mu.Unlock()
		return domain.ErrNoActiveCall
	}
	if c.video == video {
		a.mu.Unlock()
		return nil
	}
	res, link := c.res, c.link
	a.mu.Unlock()

	var track port.LocalTrack
	if video {
		t, err := a.media.AcquireTrack(ctx, domain.MediaVideo)
		if err != nil {
			return err
		}
		track = t
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.call != c {
		if track != nil {
			track.Stop()
		}
		return errCallGone
	}
	if err := a.media.ReplaceTrack(res, link, domain.MediaVideo, track); err != nil {
		if track != nil {
			track.Stop()
		}
		return err
	}
	c.video = video
	a.logger(c).Info().Bool("video", video).Msg("Switched mode")
	return nil
}

// ExpireInbound drops a ringing inbound call and reports it missed.
func (a *Adapter) ExpireInbound(_ context.Context) error {
	a.mu.Lock()
	c := a.call
	if c == nil || c.dir != domain.DirectionInbound || c.active || c.accepting {
		a.mu.Unlock()
		return domain.ErrNoIncomingCall
	}
	cleanup := a.finishLocked(c)
	a.mu.Unlock()

	cleanup()
	a.emit(domain.MissedEvent(c.remote))
	return nil
}

func (a *Adapter) onEnvelope(env domain.SignalEnvelope) {
	l := log.With().Str("from", env.SenderIdentity.String()).Str("type", string(env.Kind)).Logger()

	switch env.Kind {
	case domain.SignalOffer:
		a.mu.Lock()
		if !a.registered {
			a.mu.Unlock()
			return
		}
		if c := a.call; c != nil {
			a.mu.Unlock()
			if c.dir == domain.DirectionInbound && c.remote == env.SenderIdentity {
				l.Debug().Msg("Duplicate offer ignored")
			} else {
				l.Info().Msg("Busy, dropping offer")
			}
			return
		}
		a.call = &call{
			remote: env.SenderIdentity,
			dir:    domain.DirectionInbound,
			video:  env.VideoRequested,
			offer:  env.Payload,
		}
		a.mu.Unlock()

		l.Info().Bool("video", env.VideoRequested).Msg("Incoming call")
		a.emit(domain.IncomingEvent(env.SenderIdentity, env.VideoRequested))

	case domain.SignalRelaySignal:
		a.mu.Lock()
		c := a.call
		if c == nil || c.remote != env.SenderIdentity || c.link == nil {
			a.mu.Unlock()
			l.Debug().Msg("Signal for no call")
			return
		}
		link := c.link
		a.mu.Unlock()

		if err := link.Signal(env.Payload); err != nil {
			l.Error().Err(err).Msg("Failed to apply remote signal")
			a.fail(c, err)
		}

	case domain.SignalHangup:
		a.mu.Lock()
		c := a.call
		if c == nil || c.remote != env.SenderIdentity {
			a.mu.Unlock()
			return
		}
		ev := domain.EndedEvent()
		if c.dir == domain.DirectionInbound && !c.active {
			ev = domain.MissedEvent(c.remote)
		}
		cleanup := a.finishLocked(c)
		a.mu.Unlock()

		cleanup()
		l.Info().Msg("Remote hung up")
		a.emit(ev)
	}
}

func (a *Adapter) handlers(c *call) port.PeerHandlers {
	return port.PeerHandlers{
		OnStream: func(s port.RemoteStream) {
			if a.current(c) {
				a.media.BindRemote(s, a.cfg.RemoteView)
			}
		},
		OnConnect: func() {
			a.mu.Lock()
			if a.call != c || c.active {
				a.mu.Unlock()
				return
			}
			if c.ring != nil {
				c.ring.Stop()
			}
			c.active = true
			c.callID = domain.NewCallID()
			callID := c.callID
			a.mu.Unlock()

			a.logger(c).Info().Msg("Peer connected")
			a.emit(domain.ActiveEvent(callID))
		},
		OnError: func(err error) { a.fail(c, err) },
		OnClose: func() {
			a.mu.Lock()
			if a.call != c {
				a.mu.Unlock()
				return
			}
			cleanup := a.finishLocked(c)
			a.mu.Unlock()

			cleanup()
			a.emit(domain.EndedEvent())
		},
	}
}

// adopt hands res and link to c, unless c was torn down meanwhile.
func (a *Adapter) adopt(ctx context.Context, c *call, res port.MediaResource, link port.PeerLink) error {
	a.mu.Lock()
	if a.call == c && ctx.Err() == nil {
		c.res, c.link = res, link
		a.mu.Unlock()
		a.media.BindLocal(res, a.cfg.LocalView)
		return nil
	}
	cleanup := a.finishLocked(c)
	a.mu.Unlock()

	link.Destroy()
	a.media.Release(res)
	cleanup()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errCallGone
}

// abandon forgets an outbound call that never reached the remote.
func (a *Adapter) abandon(c *call) {
	a.mu.Lock()
	cleanup := a.finishLocked(c)
	a.mu.Unlock()
	cleanup()
}

// abort drops a call the remote already knows about and tells it so.
func (a *Adapter) abort(c *call) {
	a.abandon(c)
	a.sendHangup(context.Background(), c.remote)
}

func (a *Adapter) fail(c *call, err error) {
	a.mu.Lock()
	if a.call != c {
		a.mu.Unlock()
		return
	}
	cleanup := a.finishLocked(c)
	a.mu.Unlock()

	cleanup()
	a.sendHangup(context.Background(), c.remote)
	a.emit(domain.ErrorEvent(err))
}

func (a *Adapter) ringExpired(c *call) {
	a.mu.Lock()
	if a.call != c || c.active {
		a.mu.Unlock()
		return
	}
	cleanup := a.finishLocked(c)
	a.mu.Unlock()

	cleanup()
	a.logger(c).Info().Dur("timeout", a.cfg.RingTimeout).Msg("No answer")
	a.sendHangup(context.Background(), c.remote)
	a.emit(domain.EndedEvent())
}

func (a *Adapter) relayLost(err error) {
	a.mu.Lock()
	if !a.registered {
		a.mu.Unlock()
		return
	}
	a.registered = false
	cleanup := a.finishLocked(a.call)
	a.mu.Unlock()

	cleanup()
	a.emit(domain.ErrorEvent(fmt.Errorf("%w: %w", domain.ErrRelay, err)))
	a.emit(domain.UnregisteredEvent())
}

// finishLocked detaches c and returns the cleanup to run once a.mu is
// released. Only the first finish of a call gets a non-empty cleanup.
func (a *Adapter) finishLocked(c *call) func() {
	if c == nil || a.call != c {
		return func() {}
	}
	a.call = nil
	if c.ring != nil {
		c.ring.Stop()
	}
	link, res := c.link, c.res
	return func() {
		if link != nil {
			link.Destroy()
		}
		if res != nil {
			a.media.Release(res)
		}
	}
}

func (a *Adapter) current(c *call) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.call == c
}

func (a *Adapter) sendHangup(ctx context.Context, remote domain.UserID) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
	defer cancel()
	if err := a.relay.Send(ctx, domain.NewSignalEnvelope(remote, domain.SignalHangup, nil, false)); err != nil {
		log.Debug().Err(err).Str("remote", remote.String()).Msg("Hangup not delivered")
	}
}

func (a *Adapter) logger(c *call) *zerolog.Logger {
	l := log.With().
		Str("backend", string(domain.BackendPeerSignaling)).
		Str("remote", c.remote.String()).
		Str("direction", c.dir.String()).
		Logger()
	return &l
}
