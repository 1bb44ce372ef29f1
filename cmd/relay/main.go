package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/Wyydra/yacall/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet("yacall-relay", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", os.Getenv("YACALL_CONFIG"), "path to the YAML config file")
	addr := flags.String("addr", "", "listen address (overrides server.addr)")
	logLevel := flags.String("log-level", "", "log level (overrides log.level)")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		log.Fatal().Err(err).Msg("Invalid log level")
	}

	hub := ws.NewHub()
	relayService := service.NewRelayService(hub)
	h := handler.NewHandler(relayService, hub, cfg.Server.AuthToken)

	go hub.Run()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h.NewRouter(),
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Bool("auth", cfg.Server.AuthToken != "").Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start relay")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down relay...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Relay forced to shutdown")
	}

	hub.Stop()
	log.Info().Msg("Relay exited")
}
