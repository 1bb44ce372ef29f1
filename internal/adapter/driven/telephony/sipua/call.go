package sipua

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog/log"
)

var _ port.TelephonyCall = (*Call)(nil)

var (
	ErrCallEnded  = errors.New("call has ended")
	errNotInbound = errors.New("not an inbound call")
)

// Call is one SIP dialog. Exactly one of server and client is set.
type Call struct {
	device *Device
	sid    string
	params map[string]string
	video  bool

	server *sipgo.DialogServerSession
	client *sipgo.DialogClientSession
	// ring cancels an outbound invite still waiting for an answer.
	ring context.CancelFunc
	// settled is closed once the call is answered or over.
	settled    chan struct{}
	settleOnce sync.Once

	mu     sync.Mutex
	h      port.TelephonyCallHandlers
	answer bool
	muted  bool
	ended  bool
}

func (c *Call) SID() string               { return c.sid }
func (c *Call) Params() map[string]string { return c.params }
func (c *Call) Video() bool               { return c.video }

func (c *Call) On(h port.TelephonyCallHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.h = h
}

// fire queues fn with the handlers current when it runs.
func (c *Call) fire(fn func(port.TelephonyCallHandlers)) {
	c.device.queue(func() {
		c.mu.Lock()
		h := c.h
		c.mu.Unlock()
		fn(h)
	})
}

func (c *Call) answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answer
}

// await waits for the remote side of an outbound invite.
func (c *Call) await(ctx context.Context) {
	var final sip.StatusCode
	err := c.client.WaitAnswer(ctx, sipgo.AnswerOptions{
		OnResponse: func(res *sip.Response) error {
			final = res.StatusCode
			return nil
		},
	})
	if ctx.Err() != nil {
		// Disconnected locally while ringing.
		return
	}
	if err != nil {
		if !c.device.untrack(c) {
			return
		}
		c.close()
		if final >= 400 {
			log.Info().Str("sid", c.sid).Int("status", int(final)).Msg("Call refused")
			c.fire(func(h port.TelephonyCallHandlers) {
				if h.OnReject != nil {
					h.OnReject()
				}
			})
			return
		}
		log.Warn().Err(err).Str("sid", c.sid).Msg("Invite failed")
		c.fire(func(h port.TelephonyCallHandlers) {
			if h.OnError != nil {
				h.OnError(fmt.Errorf("invite %s: %w", c.sid, err))
			}
		})
		return
	}

	if err := c.client.Ack(context.Background()); err != nil {
		log.Warn().Err(err).Str("sid", c.sid).Msg("Failed to ack answer")
	}
	c.mu.Lock()
	c.answer = true
	c.mu.Unlock()

	log.Info().Str("sid", c.sid).Msg("Call answered")
	c.fire(func(h port.TelephonyCallHandlers) {
		if h.OnAccept != nil {
			h.OnAccept()
		}
	})
}

func (c *Call) Accept(ctx context.Context) error {
	if c.server == nil {
		return errNotInbound
	}
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrCallEnded
	}
	c.mu.Unlock()

	body, err := mediaDescription{host: c.device.host, audioPort: c.device.cfg.MediaPort, video: c.video}.marshal()
	if err != nil {
		return fmt.Errorf("building answer: %w", err)
	}
	if err := c.server.RespondSDP(body); err != nil {
		return fmt.Errorf("answering %s: %w", c.sid, err)
	}
	c.mu.Lock()
	c.answer = true
	c.mu.Unlock()
	c.settle()
	return nil
}

// Reject refuses an unanswered inbound call with 486.
func (c *Call) Reject(ctx context.Context) error {
	if c.server == nil {
		return errNotInbound
	}
	if !c.device.untrack(c) {
		return nil
	}
	defer c.close()
	if c.answered() {
		return c.server.Bye(ctx)
	}
	return c.server.Respond(486, "Busy Here", nil)
}

// Disconnect cancels a ringing outbound call or hangs up an answered one.
func (c *Call) Disconnect(ctx context.Context) error {
	if !c.device.untrack(c) {
		return nil
	}
	defer c.close()

	switch {
	case c.client != nil && !c.answered():
		c.ring()
		return nil
	case c.client != nil:
		return c.client.Bye(ctx)
	case c.answered():
		return c.server.Bye(ctx)
	default:
		return c.server.Respond(486, "Busy Here", nil)
	}
}

// Mute only toggles local send state; the device carries no media of its own.
func (c *Call) Mute(muted bool) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrCallEnded
	}
	changed := c.muted != muted
	c.muted = muted
	c.mu.Unlock()

	if changed {
		c.fire(func(h port.TelephonyCallHandlers) {
			if h.OnMute != nil {
				h.OnMute(muted)
			}
		})
	}
	return nil
}

func (c *Call) settle() {
	c.settleOnce.Do(func() { close(c.settled) })
}

func (c *Call) close() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()
	defer c.settle()

	if c.ring != nil {
		c.ring()
	}
	var err error
	if c.client != nil {
		err = c.client.Close()
	} else {
		err = c.server.Close()
	}
	if err != nil {
		log.Debug().Err(err).Str("sid", c.sid).Msg("Closing dialog")
	}
}
