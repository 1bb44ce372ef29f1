package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Wyydra/yacall/internal/adapter/driven/api/rest"
	"github.com/Wyydra/yacall/internal/adapter/driven/backend/peer"
	"github.com/Wyydra/yacall/internal/adapter/driven/backend/telephony"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/devices"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	relayws "github.com/Wyydra/yacall/internal/adapter/driven/relay/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/telephony/sipua"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/Wyydra/yacall/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet("callctl", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", os.Getenv("YACALL_CONFIG"), "path to the YAML config file")
	backend := flags.StringP("backend", "b", "", "call backend: peer or telephony (overrides backend.kind)")
	identity := flags.String("identity", "", "local identity (overrides backend.identity)")
	capture := flags.String("capture", "", "capturer: devices, synthetic or none (overrides media.capture)")
	logLevel := flags.String("log-level", "", "log level (overrides log.level)")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *backend != "" {
		cfg.Backend.Kind = *backend
	}
	if *identity != "" {
		cfg.Backend.Identity = *identity
	}
	if *capture != "" {
		cfg.Media.Capture = *capture
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		log.Fatal().Err(err).Msg("Invalid log level")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("callctl failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	api := rest.NewClient(cfg.Backend.Timeout)

	b, cleanup, err := newBackend(ctx, cfg, api)
	if err != nil {
		return err
	}
	defer cleanup()

	history := service.NewHistoryReporter(api, cfg.History.PollInterval, cfg.History.Timeout)
	reconciler := service.NewStatusReconciler(api, cfg.Reconcile.PollInterval, cfg.Reconcile.PushWindow)
	reconciler.OnStaleRinging(func(remote domain.UserID) {
		log.Warn().Str("remote", remote.String()).Msg("Server reports a call no push announced")
	})

	m := service.NewCallSessionManager(api, []port.Backend{b},
		service.WithHistoryReporter(history),
		service.WithStatusReconciler(reconciler),
		service.WithStatusTimeout(cfg.Backend.StatusTimeout),
	)
	defer m.Close()
	m.SetListener(printState)

	go reconciler.Run(ctx)

	if err := m.Register(ctx, cfg.Credentials()); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer func() {
		if err := m.Unregister(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Unregister failed")
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println(`commands: call <id> [video] | accept | decline | hangup | mute | unmute | video on|off | state | quit`)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := execute(ctx, m, strings.Fields(line)); quit {
				return nil
			}
		}
	}
}

func newBackend(ctx context.Context, cfg *config.Config, api port.BackendAPI) (port.Backend, func(), error) {
	switch domain.BackendKind(cfg.Backend.Kind) {
	case domain.BackendTelephonyBridge:
		dev, err := sipua.NewDevice(sipua.Config{
			Registrar:  cfg.SIP.Registrar,
			Transport:  cfg.SIP.Transport,
			ListenAddr: cfg.SIP.ListenAddr,
			PublicHost: cfg.SIP.PublicHost,
			MediaPort:  cfg.SIP.MediaPort,
			Expiry:     cfg.SIP.Expiry,
		})
		if err != nil {
			return nil, nil, err
		}
		go func() {
			if err := dev.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("SIP device stopped")
			}
		}()
		return telephony.NewAdapter(api, dev), func() { dev.Close() }, nil

	default:
		capturer, err := newCapturer(cfg.Media.Capture)
		if err != nil {
			return nil, nil, err
		}
		peers, err := pion.NewManager(pion.Config{
			ICEServers:    cfg.Peer.ICEServers,
			GatherTimeout: cfg.Peer.GatherTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		relay := relayws.NewClient(relayws.Options{
			URL:              cfg.Relay.URL,
			HandshakeTimeout: cfg.Relay.HandshakeTimeout,
			WriteTimeout:     cfg.Relay.WriteTimeout,
			PingInterval:     cfg.Relay.PingInterval,
			Backoff:          relayws.Backoff{Delays: cfg.Relay.Backoff, MaxAttempts: cfg.Relay.MaxAttempts},
		})
		a := peer.NewAdapter(relay, peers, service.NewMediaManager(capturer), peer.Config{
			RingTimeout: cfg.Peer.RingTimeout,
			SendTimeout: cfg.Peer.SendTimeout,
			LocalView:   logView("local"),
			RemoteView:  logView("remote"),
		})
		return a, func() {}, nil
	}
}

func newCapturer(mode string) (port.Capturer, error) {
	switch mode {
	case "synthetic":
		return devices.NewSynthetic(), nil
	case "none":
		return devices.None{}, nil
	default:
		md, err := devices.NewMediaDevices()
		if err != nil {
			log.Warn().Err(err).Msg("Capture devices unavailable, falling back to synthetic media")
			return devices.NewSynthetic(), nil
		}
		return md, nil
	}
}

// logView stands in for a UI surface.
type logView string

func (v logView) Render(src port.MediaSource) {
	if src == nil {
		log.Info().Str("view", string(v)).Msg("View detached")
		return
	}
	log.Info().Str("view", string(v)).Str("source", src.ID()).Interface("kinds", src.Kinds()).Msg("View attached")
}

func printState(s domain.CallState) {
	switch s.Type {
	case domain.CallStateIncoming:
		fmt.Printf("* incoming call from %q (video=%t), accept or decline\n", s.CallerID, s.Video)
	case domain.CallStateActive:
		fmt.Printf("* call active (session %s, video=%t)\n", s.SessionID, s.Video)
	case domain.CallStateMuted:
		fmt.Printf("* muted=%t\n", s.Muted)
	case domain.CallStateError:
		fmt.Printf("* error (%s): %v\n", s.ErrorKind, s.Err)
	default:
		fmt.Printf("* %s\n", s.Type)
	}
}

func execute(ctx context.Context, m *service.CallSessionManager, args []string) (quit bool) {
	if len(args) == 0 {
		return false
	}
	var err error
	switch args[0] {
	case "call":
		if len(args) < 2 {
			fmt.Println("usage: call <id> [video]")
			return false
		}
		err = m.StartOutboundCall(ctx, domain.UserID(args[1]), len(args) > 2 && args[2] == "video")
	case "accept":
		err = m.Accept(ctx)
	case "decline":
		err = m.Decline(ctx)
	case "hangup":
		err = m.Hangup(ctx)
	case "mute", "unmute":
		err = m.SetMuted(ctx, args[0] == "mute")
	case "video":
		err = m.SwitchMode(ctx, len(args) > 1 && args[1] == "on")
	case "state":
		fmt.Printf("state: %s\n", m.State())
		if s, ok := m.Session(); ok {
			fmt.Printf("session: %s %s remote=%q video=%t muted=%t\n", s.ID, s.Direction, s.RemoteIdentity, s.Media.VideoEnabled, s.Muted)
		}
	case "quit", "exit":
		return true
	default:
		fmt.Printf("unknown command %q\n", args[0])
	}
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return false
}
