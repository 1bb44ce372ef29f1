package http

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/relaywire"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const registerTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type WSClient struct {
	id     string
	userID domain.UserID
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (c *WSClient) ID() string {
	return c.id
}

func (c *WSClient) UserID() domain.UserID {
	return c.userID
}

func (c *WSClient) SendSignal(env domain.SignalEnvelope) error {
	wire, err := relaywire.FromDomain(env)
	if err != nil {
		return err
	}
	return c.write(relaywire.Frame{
		Op:       relaywire.OpSignal,
		From:     env.SenderIdentity.String(),
		Envelope: wire,
	})
}

func (c *WSClient) write(f relaywire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// HTTP handler
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" || (h.AuthToken != "" && token != h.AuthToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := &WSClient{
		id:   uuid.NewString(),
		conn: conn,
	}
	l := log.With().Str("client_id", client.id).Logger()

	// The first frame must register the connection's identity.
	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	var hello relaywire.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		l.Warn().Err(err).Msg("No registration from client")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	client.userID = domain.UserID(hello.UserID)
	if hello.Op != relaywire.OpRegister || client.userID.IsZero() {
		client.write(relaywire.Error("first frame must register a user id"))
		conn.Close()
		return
	}

	l = l.With().Str("user_id", client.userID.String()).Logger()
	l.Info().Msg("New client connected")

	h.Hub.Register(client)
	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		conn.Close()
	}()

	if err := client.write(relaywire.Registered(client.userID)); err != nil {
		l.Error().Err(err).Msg("Failed to acknowledge registration")
		return
	}

	for {
		var req relaywire.Frame
		err := conn.ReadJSON(&req)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}

		switch req.Op {
		case relaywire.OpSend:
			if req.Envelope == nil {
				client.write(relaywire.Error("send without envelope"))
				continue
			}
			env, err := req.Envelope.ToDomain(client.userID.String())
			if err != nil {
				client.write(relaywire.Error(err.Error()))
				continue
			}
			if err := h.RelayService.Forward(r.Context(), client.userID, env); err != nil {
				l.Warn().Err(err).Str("to", env.TargetIdentity.String()).Msg("Failed to relay signal")
				client.write(relaywire.Error(err.Error()))
			}
		case relaywire.OpRegister:
			client.write(relaywire.Error("already registered"))
		default:
			client.write(relaywire.Error("unknown op " + string(req.Op)))
		}
	}
}
