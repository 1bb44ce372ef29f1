// Package memory is an in-process relay. Clients attached to the same
// Network exchange envelopes without a hub server, which lets two backends
// talk to each other in tests and in loopback runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

var _ port.RelayClient = (*Client)(nil)

var errLinkDown = errors.New("link down")

type Network struct {
	mu      sync.Mutex
	clients map[domain.UserID]*Client
}

func NewNetwork() *Network {
	return &Network{clients: make(map[domain.UserID]*Client)}
}

// Client returns a new unconnected client on the network.
func (n *Network) Client() *Client {
	return &Client{net: n, state: domain.RelayDisconnected}
}

func (n *Network) attach(id domain.UserID, c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients[id] = c
}

func (n *Network) detach(id domain.UserID, c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.clients[id] == c {
		delete(n.clients, id)
	}
}

func (n *Network) deliver(from domain.UserID, env domain.SignalEnvelope) error {
	n.mu.Lock()
	target := n.clients[env.TargetIdentity]
	n.mu.Unlock()
	if target == nil {
		return fmt.Errorf("user %s is not connected: %w", env.TargetIdentity, domain.ErrNotConnected)
	}
	env.SenderIdentity = from
	return target.push(env)
}

// Client mimics the websocket relay client: Send fails unless connected and
// received envelopes are handed over one at a time in arrival order.
type Client struct {
	net *Network

	mu       sync.Mutex
	state    domain.RelayState
	identity domain.UserID
	inbox    chan domain.SignalEnvelope
	stop     chan struct{}

	hmu            sync.RWMutex
	onReceive      func(domain.SignalEnvelope)
	onReconnecting func(error)
	onReconnected  func()
	onDisconnected func(error)
}

func (c *Client) Connect(_ context.Context, identity domain.UserID, _ string) error {
	c.Close()

	c.mu.Lock()
	c.identity = identity
	c.state = domain.RelayConnected
	c.inbox = make(chan domain.SignalEnvelope, 64)
	c.stop = make(chan struct{})
	go c.readLoop(c.inbox, c.stop)
	c.mu.Unlock()

	c.net.attach(identity, c)
	return nil
}

func (c *Client) readLoop(inbox chan domain.SignalEnvelope, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case env := <-inbox:
			c.hmu.RLock()
			handler := c.onReceive
			c.hmu.RUnlock()
			if handler != nil {
				handler(env)
			}
		}
	}
}

func (c *Client) push(env domain.SignalEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.RelayConnected {
		return fmt.Errorf("user %s: %w", c.identity, domain.ErrNotConnected)
	}
	select {
	case c.inbox <- env:
		return nil
	default:
		return fmt.Errorf("inbox of %s is full: %w", c.identity, domain.ErrRelay)
	}
}

func (c *Client) Send(_ context.Context, env domain.SignalEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	state, identity := c.state, c.identity
	c.mu.Unlock()
	if state != domain.RelayConnected {
		return fmt.Errorf("send %s while %s: %w", env.Kind, state, domain.ErrNotConnected)
	}
	return c.net.deliver(identity, env)
}

// Drop simulates transport loss. The client stays Reconnecting until
// Restore or GiveUp is called.
func (c *Client) Drop() {
	c.mu.Lock()
	if c.state != domain.RelayConnected {
		c.mu.Unlock()
		return
	}
	c.state = domain.RelayReconnecting
	id := c.identity
	c.mu.Unlock()

	log.Debug().Str("user_id", id.String()).Msg("Memory relay dropped")
	c.hmu.RLock()
	hook := c.onReconnecting
	c.hmu.RUnlock()
	if hook != nil {
		hook(errLinkDown)
	}
}

func (c *Client) Restore() {
	c.mu.Lock()
	if c.state != domain.RelayReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = domain.RelayConnected
	c.mu.Unlock()

	c.hmu.RLock()
	hook := c.onReconnected
	c.hmu.RUnlock()
	if hook != nil {
		hook()
	}
}

// GiveUp ends a simulated reconnect as if the backoff was exhausted.
func (c *Client) GiveUp() {
	c.mu.Lock()
	if c.state != domain.RelayReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = domain.RelayDisconnected
	id := c.identity
	c.mu.Unlock()
	c.net.detach(id, c)

	c.hmu.RLock()
	hook := c.onDisconnected
	c.hmu.RUnlock()
	if hook != nil {
		hook(fmt.Errorf("relay reconnect gave up: %w", errLinkDown))
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

func (c *Client) Close() error {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	id := c.identity
	c.state = domain.RelayDisconnected
	c.mu.Unlock()

	if !id.IsZero() {
		c.net.detach(id, c)
	}
	return nil
}
