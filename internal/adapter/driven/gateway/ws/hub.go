package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// membership is applied by Run; done is closed once it took effect.
type membership struct {
	client Client
	done   chan struct{}
}

// implements port.RealTimeGateway
type Hub struct {
	mu         sync.Mutex
	clients    map[domain.UserID]map[Client]bool
	register   chan membership
	unregister chan membership
	quit       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[domain.UserID]map[Client]bool),
		register:   make(chan membership),
		unregister: make(chan membership),
		quit:       make(chan struct{}),
	}
}

// SendSignal delivers env to every connection of its target identity.
func (h *Hub) SendSignal(ctx context.Context, env domain.SignalEnvelope) error {
	h.mu.Lock()
	targets := make([]Client, 0, len(h.clients[env.TargetIdentity]))
	for client := range h.clients[env.TargetIdentity] {
		targets = append(targets, client)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		return fmt.Errorf("%s has no connection", env.TargetIdentity)
	}

	var delivered int
	for _, client := range targets {
		if err := client.SendSignal(env); err != nil {
			log.Error().Err(err).Str("client_id", client.ID()).Msg("Error sending signal")
			h.drop(client)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("no connection of %s accepted the signal", env.TargetIdentity)
	}
	return nil
}

func (h *Hub) IsOnline(userID domain.UserID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for userID, conns := range h.clients {
				for client := range conns {
					client.Close()
				}
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			return

		case req := <-h.register:
			client := req.client
			h.mu.Lock()
			conns, ok := h.clients[client.UserID()]
			if !ok {
				conns = make(map[Client]bool)
				h.clients[client.UserID()] = conns
			}
			conns[client] = true
			h.mu.Unlock()
			close(req.done)
			log.Info().Str("client_id", client.ID()).Str("user_id", client.UserID().String()).Msg("Client registered")

		case req := <-h.unregister:
			if h.drop(req.client) {
				log.Info().Str("client_id", req.client.ID()).Str("user_id", req.client.UserID().String()).Msg("Client unregistered")
			}
			close(req.done)
		}
	}
}

func (h *Hub) drop(client Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[client.UserID()]
	if !ok || !conns[client] {
		return false
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(h.clients, client.UserID())
	}
	client.Close()
	return true
}

// Register returns once c can receive signals.
func (h *Hub) Register(c Client) {
	h.apply(h.register, c)
}

func (h *Hub) Unregister(c Client) {
	h.apply(h.unregister, c)
}

func (h *Hub) apply(ch chan membership, c Client) {
	req := membership{client: c, done: make(chan struct{})}
	select {
	case ch <- req:
	case <-h.quit:
		return
	}
	select {
	case <-req.done:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	close(h.quit)
}
