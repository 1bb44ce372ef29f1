package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/relaywire"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval enables keepalive pings; a missing pong for two intervals
	// counts as transport loss.
	PingInterval time.Duration
	Backoff      Backoff
}

var _ port.RelayClient = (*Client)(nil)

// Client is the relay connection of one registration. It reconnects on its
// own after transport loss.
type Client struct {
	opts   Options
	dialer websocket.Dialer

	mu       sync.Mutex
	state    domain.RelayState
	conn     *websocket.Conn
	gen      uint64
	identity domain.UserID
	token    string
	stop     chan struct{}

	wmu sync.Mutex

	hmu            sync.RWMutex
	onReceive      func(domain.SignalEnvelope)
	onReconnecting func(error)
	onReconnected  func()
	onDisconnected func(error)
}

func NewClient(opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Backoff.MaxAttempts == 0 {
		opts.Backoff = DefaultBackoff
	}
	return &Client{
		opts:   opts,
		dialer: websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		state:  domain.RelayDisconnected,
	}
}

func (c *Client) OnReceive(handler func(domain.SignalEnvelope)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onReceive = handler
}

func (c *Client) OnReconnecting(handler func(error)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onReconnecting = handler
}

func (c *Client) OnReconnected(handler func()) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onReconnected = handler
}

func (c *Client) OnDisconnected(handler func(error)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onDisconnected = handler
}

func (c *Client) State() domain.RelayState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the hub and registers identity. An existing connection is
// closed first.
func (c *Client) Connect(ctx context.Context, identity domain.UserID, token string) error {
	c.Close()

	c.mu.Lock()
	c.identity = identity
	c.token = token
	c.stop = make(chan struct{})
	c.state = domain.RelayConnecting
	stop := c.stop
	c.mu.Unlock()

	conn, err := c.dial(ctx, identity, token)
	if err != nil {
		c.mu.Lock()
		if c.stop == stop {
			c.state = domain.RelayDisconnected
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.stop != stop || isClosed(stop) {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("connect: %w", context.Canceled)
	}
	c.attach(conn)
	c.mu.Unlock()

	c.logger().Info().Msg("Relay connected")
	return nil
}

func (c *Client) dial(ctx context.Context, identity domain.UserID, token string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w: %v", domain.ErrRelay, err)
	}

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)
	defer func() {
		conn.SetWriteDeadline(time.Time{})
		conn.SetReadDeadline(time.Time{})
	}()

	if err := conn.WriteJSON(relaywire.Register(identity)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending register: %w: %v", domain.ErrRelay, err)
	}

	var ack relaywire.Frame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("waiting for registration: %w: %v", domain.ErrRelay, err)
	}
	switch ack.Op {
	case relaywire.OpRegistered:
		return conn, nil
	case relaywire.OpError:
		conn.Close()
		return nil, fmt.Errorf("hub refused registration: %s: %w", ack.Message, domain.ErrRelay)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected %q frame during registration: %w", ack.Op, domain.ErrRelay)
	}
}

// attach installs conn as the live connection. Caller holds mu.
func (c *Client) attach(conn *websocket.Conn) {
	c.gen++
	c.conn = conn
	c.state = domain.RelayConnected

	if c.opts.PingInterval > 0 {
		wait := 2 * c.opts.PingInterval
		conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
		go c.pingLoop(conn, c.gen, c.stop)
	}
	go c.readLoop(conn, c.gen)
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		var f relaywire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.lost(gen, err)
			return
		}

		switch f.Op {
		case relaywire.OpSignal:
			if f.Envelope == nil {
				continue
			}
			env, err := f.Envelope.ToDomain(f.From)
			if err != nil {
				c.logger().Warn().Err(err).Str("from", f.From).Msg("Dropping undecodable signal")
				continue
			}
			c.hmu.RLock()
			handler := c.onReceive
			c.hmu.RUnlock()
			if handler != nil {
				handler(env)
			}
		case relaywire.OpError:
			c.logger().Warn().Str("message", f.Message).Msg("Hub reported an error")
		case relaywire.OpRegistered:
		default:
			c.logger().Debug().Str("op", string(f.Op)).Msg("Ignoring unknown frame")
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, gen uint64, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		current := c.gen == gen && c.conn == conn
		c.mu.Unlock()
		if !current {
			return
		}

		c.wmu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
		c.wmu.Unlock()
		if err != nil {
			c.lost(gen, err)
			return
		}
	}
}

// lost handles transport failure of connection gen and starts reconnecting.
func (c *Client) lost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil || isClosed(c.stop) {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = domain.RelayReconnecting
	stop := c.stop
	identity, token := c.identity, c.token
	c.mu.Unlock()

	conn.Close()
	c.logger().Warn().Err(cause).Msg("Relay connection lost, reconnecting")

	c.hmu.RLock()
	hook := c.onReconnecting
	c.hmu.RUnlock()
	if hook != nil {
		hook(cause)
	}

	go c.reconnect(stop, identity, token)
}

func (c *Client) reconnect(stop chan struct{}, identity domain.UserID, token string) {
	l := c.logger()
	var lastErr error

	for attempt := 0; ; attempt++ {
		delay, ok := c.opts.Backoff.Delay(attempt)
		if !ok {
			break
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, err := c.dial(ctx, identity, token)
		cancel()
		if err != nil {
			lastErr = err
			l.Debug().Err(err).Int("attempt", attempt+1).Msg("Reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		if c.stop != stop || isClosed(stop) {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.attach(conn)
		c.mu.Unlock()

		l.Info().Int("attempt", attempt+1).Msg("Relay reconnected")
		c.hmu.RLock()
		hook := c.onReconnected
		c.hmu.RUnlock()
		if hook != nil {
			hook()
		}
		return
	}

	c.mu.Lock()
	if c.stop != stop {
		c.mu.Unlock()
		return
	}
	c.state = domain.RelayDisconnected
	c.mu.Unlock()

	if lastErr == nil {
		lastErr = errors.New("no reconnect attempts allowed")
	}
	err := fmt.Errorf("relay reconnect gave up: %w", lastErr)
	l.Error().Err(err).Msg("Relay disconnected")

	c.hmu.RLock()
	hook := c.onDisconnected
	c.hmu.RUnlock()
	if hook != nil {
		hook(err)
	}
}

// Send writes env to the hub. There is no queueing: it fails with
// domain.ErrNotConnected unless the link is up.
func (c *Client) Send(ctx context.Context, env domain.SignalEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != domain.RelayConnected || c.conn == nil {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("send %s while %s: %w", env.Kind, state, domain.ErrNotConnected)
	}
	conn, gen := c.conn, c.gen
	c.mu.Unlock()

	wire, err := relaywire.FromDomain(env)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	conn.SetWriteDeadline(deadline)
	err = conn.WriteJSON(relaywire.Frame{Op: relaywire.OpSend, Envelope: wire})
	c.wmu.Unlock()
	if err != nil {
		c.lost(gen, err)
		return fmt.Errorf("send %s: %w: %v", env.Kind, domain.ErrRelay, err)
	}
	return nil
}

// Close stops reconnection and closes the connection. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.stop != nil && !isClosed(c.stop) {
		close(c.stop)
	}
	conn := c.conn
	c.conn = nil
	c.state = domain.RelayDisconnected
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.wmu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return conn.Close()
}

func (c *Client) logger() *zerolog.Logger {
	c.mu.Lock()
	id := c.identity
	c.mu.Unlock()
	l := log.With().Str("component", "relay").Str("user_id", id.String()).Logger()
	return &l
}

func isClosed(ch chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
