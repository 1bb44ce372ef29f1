// Package telephony is the telephony-bridge call backend. It drives a
// provider device and maps the provider's call events onto the common
// event vocabulary.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

var (
	_ port.Backend        = (*Adapter)(nil)
	_ port.InboundExpirer = (*Adapter)(nil)
)

var errCallGone = errors.New("call was torn down")

// callerParams are the provider metadata keys carrying the caller, in
// lookup order.
var callerParams = []string{"From", "callerId"}

type call struct {
	tc       port.TelephonyCall
	dir      domain.Direction
	remote   domain.UserID
	video    bool
	accepted bool
	muted    bool
}

func (c *call) sid() string {
	if c.tc == nil {
		return ""
	}
	return c.tc.SID()
}

type Adapter struct {
	api    port.BackendAPI
	device port.TelephonyDevice
	// rejectTimeout bounds rejects and disconnects issued from event handlers.
	rejectTimeout time.Duration

	mu         sync.Mutex
	gen        uint64
	registered bool
	identity   domain.UserID
	call       *call

	smu  sync.RWMutex
	sink port.EventSink
}

func NewAdapter(api port.BackendAPI, device port.TelephonyDevice) *Adapter {
	return &Adapter{
		api:           api,
		device:        device,
		rejectTimeout: 5 * time.Second,
	}
}

func (a *Adapter) Kind() domain.BackendKind { return domain.BackendTelephonyBridge }

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
	if a.call == nil {
		return "", false
	}
	sid := a.call.sid()
	return sid, sid != ""
}

// Register fetches a device token and registers the device. Completion is
// reported by the registered event.
func (a *Adapter) Register(ctx context.Context, creds domain.Credentials) error {
	tok, err := a.api.FetchToken(ctx, creds.Scope)
	if err != nil {
		return fmt.Errorf("%w: fetching %s token: %w", domain.ErrRegistration, creds.Scope, err)
	}
	id, err := domain.ResolveIdentity(creds, tok)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.gen++
	gen := a.gen
	a.registered = false
	a.identity = id
	a.mu.Unlock()

	err = a.device.Register(ctx, id, tok.Value, port.TelephonyDeviceHandlers{
		OnRegistered:   func() { a.deviceRegistered(gen) },
		OnUnregistered: func() { a.deviceUnregistered(gen) },
		OnIncoming:     func(tc port.TelephonyCall) { a.incoming(gen, tc) },
		OnError:        func(err error) { a.deviceError(gen, err) },
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrRegistration, err)
	}
	log.Info().Str("user_id", id.String()).Str("scope", string(creds.Scope)).Msg("Device registering")
	return nil
}

// Unregister drops any call and the device registration. It emits nothing.
func (a *Adapter) Unregister(ctx context.Context) error {
	a.mu.Lock()
	a.gen++
	a.registered = false
	c := a.call
	a.call = nil
	a.mu.Unlock()

	a.drop(ctx, c)
	return a.device.Unregister(ctx)
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
	c := &call{dir: domain.DirectionOutbound, remote: target, video: video}
	a.call = c
	a.mu.Unlock()

	tc, err := a.device.Connect(ctx, target, video, a.callHandlers(c))
	if err != nil {
		a.mu.Lock()
		if a.call == c {
			a.call = nil
		}
		a.mu.Unlock()
		return err
	}

	a.mu.Lock()
	if a.call != c {
		a.mu.Unlock()
		a.drop(context.Background(), &call{tc: tc, dir: domain.DirectionOutbound})
		return errCallGone
	}
	c.tc = tc
	a.mu.Unlock()

	log.Info().Str("remote", target.String()).Str("sid", tc.SID()).Msg("Outbound call ringing")
	a.emit(domain.RingingEvent())
	return nil
}

// AcceptInbound answers the ringing call. A call without caller identity
// cannot be answered and is rejected.
func (a *Adapter) AcceptInbound(ctx context.Context) error {
	a.mu.Lock()
	if !a.registered {
		a.mu.Unlock()
		return domain.ErrNotRegistered
	}
	c := a.call
	if c == nil || c.dir != domain.DirectionInbound || c.accepted {
		a.mu.Unlock()
		return domain.ErrNoIncomingCall
	}
	if c.remote.IsZero() {
		a.call = nil
		a.mu.Unlock()
		a.drop(ctx, c)
		return domain.ErrCallerUnknown
	}
	a.mu.Unlock()

	if err := c.tc.Accept(ctx); err != nil {
		a.mu.Lock()
		if a.call == c {
			a.call = nil
		}
		a.mu.Unlock()
		a.drop(context.Background(), c)
		return fmt.Errorf("accepting call %s: %w", c.sid(), err)
	}
	a.accepted(c)
	return nil
}

func (a *Adapter) DeclineInbound(ctx context.Context) error {
	a.mu.Lock()
	c := a.call
	if c != nil && c.dir == domain.DirectionInbound && !c.accepted {
		a.call = nil
	} else {
		c = nil
	}
	a.mu.Unlock()

	a.drop(ctx, c)
	a.emit(domain.DeclinedEvent())
	return nil
}

// Hangup always emits ended, even with nothing to tear down.
func (a *Adapter) Hangup(ctx context.Context) error {
	a.mu.Lock()
	c := a.call
	a.call = nil
	a.mu.Unlock()

	a.drop(ctx, c)
	a.emit(domain.EndedEvent())
	return nil
}

func (a *Adapter) SetMuted(_ context.Context, muted bool) error {
	a.mu.Lock()
	c := a.call
	if c == nil || !c.accepted || c.tc == nil {
		a.mu.Unlock()
		return domain.ErrNoActiveCall
	}
	a.mu.Unlock()

	if err := c.tc.Mute(muted); err != nil {
		return fmt.Errorf("set muted %t: %w", muted, err)
	}
	a.muted(c, muted)
	return nil
}

func (a *Adapter) ExpireInbound(ctx context.Context) error {
	a.mu.Lock()
	c := a.call
	if c == nil || c.dir != domain.DirectionInbound || c.accepted {
		a.mu.Unlock()
		return domain.ErrNoIncomingCall
	}
	a.call = nil
	a.mu.Unlock()

	a.drop(ctx, c)
	a.emit(domain.MissedEvent(c.remote))
	return nil
}

func (a *Adapter) deviceRegistered(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.registered {
		a.mu.Unlock()
		return
	}
	a.registered = true
	a.mu.Unlock()

	log.Info().Msg("Device registered")
	a.emit(domain.RegisteredEvent())
}

func (a *Adapter) deviceUnregistered(gen uint64) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.gen++
	a.registered = false
	c := a.call
	a.call = nil
	a.mu.Unlock()

	a.drop(context.Background(), c)
	log.Warn().Msg("Device unregistered by provider")
	a.emit(domain.UnregisteredEvent())
}

func (a *Adapter) deviceError(gen uint64, err error) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	if !a.registered {
		a.gen++
		a.mu.Unlock()
		a.emit(domain.ErrorEvent(fmt.Errorf("%w: %w", domain.ErrRegistration, err)))
		return
	}
	c := a.call
	a.call = nil
	a.mu.Unlock()

	a.drop(context.Background(), c)
	a.emit(domain.ErrorEvent(err))
}

func (a *Adapter) incoming(gen uint64, tc port.TelephonyCall) {
	caller := callerOf(tc)
	l := log.With().Str("sid", tc.SID()).Str("caller", caller.String()).Logger()

	a.mu.Lock()
	if gen != a.gen || !a.registered || a.call != nil {
		a.mu.Unlock()
		l.Info().Msg("Busy, rejecting incoming call")
		a.drop(context.Background(), &call{tc: tc, dir: domain.DirectionInbound})
		return
	}
	c := &call{tc: tc, dir: domain.DirectionInbound, remote: caller, video: tc.Video()}
	a.call = c
	tc.On(a.callHandlers(c))
	a.mu.Unlock()

	if caller.IsZero() {
		l.Warn().Msg("Incoming call carries no caller identity")
	}
	a.emit(domain.IncomingEvent(caller, c.video))
}

func (a *Adapter) callHandlers(c *call) port.TelephonyCallHandlers {
	return port.TelephonyCallHandlers{
		OnAccept: func() { a.accepted(c) },
		OnDisconnect: func() {
			a.remoteGone(c, func(accepted bool) domain.Event {
				if !accepted && c.dir == domain.DirectionInbound {
					return domain.MissedEvent(c.remote)
				}
				return domain.EndedEvent()
			})
		},
		OnCancel: func() {
			a.remoteGone(c, func(bool) domain.Event { return domain.MissedEvent(c.remote) })
		},
		OnReject: func() {
			a.remoteGone(c, func(accepted bool) domain.Event {
				if !accepted && c.dir == domain.DirectionInbound {
					return domain.MissedEvent(c.remote)
				}
				return domain.DeclinedEvent()
			})
		},
		OnMute: func(muted bool) { a.muted(c, muted) },
		OnError: func(err error) {
			a.mu.Lock()
			if a.call != c {
				a.mu.Unlock()
				return
			}
			a.call = nil
			a.mu.Unlock()

			a.drop(context.Background(), c)
			a.emit(domain.ErrorEvent(err))
		},
	}
}

func (a *Adapter) accepted(c *call) {
	a.mu.Lock()
	if a.call != c || c.accepted {
		a.mu.Unlock()
		return
	}
	c.accepted = true
	sid := c.sid()
	a.mu.Unlock()

	log.Info().Str("sid", sid).Str("remote", c.remote.String()).Msg("Call active")
	a.emit(domain.ActiveEvent(sid))
}

func (a *Adapter) muted(c *call, muted bool) {
	a.mu.Lock()
	if a.call != c || c.muted == muted {
		a.mu.Unlock()
		return
	}
	c.muted = muted
	a.mu.Unlock()

	a.emit(domain.MutedEvent(muted))
}

// remoteGone ends c after the provider reported it finished.
func (a *Adapter) remoteGone(c *call, event func(accepted bool) domain.Event) {
	a.mu.Lock()
	if a.call != c {
		a.mu.Unlock()
		return
	}
	a.call = nil
	accepted := c.accepted
	a.mu.Unlock()

	a.emit(event(accepted))
}

// drop ends the provider side of c: an unanswered inbound call is rejected,
// anything else disconnected. Failures are logged.
func (a *Adapter) drop(ctx context.Context, c *call) {
	if c == nil || c.tc == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, a.rejectTimeout)
	defer cancel()

	var err error
	if c.dir == domain.DirectionInbound && !c.accepted {
		err = c.tc.Reject(ctx)
	} else {
		err = c.tc.Disconnect(ctx)
	}
	if err != nil {
		log.Warn().Err(err).Str("sid", c.tc.SID()).Msg("Failed to end provider call")
	}
}

func callerOf(tc port.TelephonyCall) domain.UserID {
	params := tc.Params()
	for _, key := range callerParams {
		if v := domain.UserID(params[key]); !v.IsZero() {
			return v
		}
	}
	return ""
}
