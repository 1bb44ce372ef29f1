package http

import (
	"net/http"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Handler struct {
	RelayService *service.RelayService
	Hub          *ws.Hub
	// AuthToken, when set, is the only bearer token accepted on /hub.
	AuthToken string
}

func NewHandler(relayService *service.RelayService, hub *ws.Hub, authToken string) *Handler {
	return &Handler{
		RelayService: relayService,
		Hub:          hub,
		AuthToken:    authToken,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/hub", h.ServeWS)

	return r
}
