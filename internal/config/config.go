// Package config loads yacall configuration.
//
// Values come from Default, then an optional YAML file, then YACALL_*
// environment variables. Command-line flags are applied by the binaries on
// top of the result. Durations are written as Go duration strings ("45s").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Backend   BackendConfig   `yaml:"backend"`
	Relay     RelayConfig     `yaml:"relay"`
	Server    ServerConfig    `yaml:"server"`
	Peer      PeerConfig      `yaml:"peer"`
	Media     MediaConfig     `yaml:"media"`
	SIP       SIPConfig       `yaml:"sip"`
	History   HistoryConfig   `yaml:"history"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// BackendConfig is the surrounding application's API and the credentials
// used to register.
type BackendConfig struct {
	BaseURL     string        `yaml:"base_url"`
	AccessToken string        `yaml:"access_token"`
	Identity    string        `yaml:"identity"`
	Kind        string        `yaml:"kind"`
	Scope       string        `yaml:"scope"`
	Timeout     time.Duration `yaml:"timeout"`
	// StatusTimeout bounds each fire-and-forget calling-status post.
	StatusTimeout time.Duration `yaml:"status_timeout"`
}

type RelayConfig struct {
	URL              string          `yaml:"url"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration   `yaml:"write_timeout"`
	PingInterval     time.Duration   `yaml:"ping_interval"`
	Backoff          []time.Duration `yaml:"backoff"`
	MaxAttempts      int             `yaml:"max_attempts"`
}

// ServerConfig is the relay hub server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AuthToken, when set, is the only bearer token the hub accepts.
	AuthToken       string        `yaml:"auth_token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PeerConfig struct {
	ICEServers    []string      `yaml:"ice_servers"`
	RingTimeout   time.Duration `yaml:"ring_timeout"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	GatherTimeout time.Duration `yaml:"gather_timeout"`
}

type MediaConfig struct {
	// Capture selects the capturer: "devices", "synthetic" or "none".
	Capture string `yaml:"capture"`
}

type SIPConfig struct {
	Registrar  string        `yaml:"registrar"`
	Transport  string        `yaml:"transport"`
	ListenAddr string        `yaml:"listen_addr"`
	PublicHost string        `yaml:"public_host"`
	MediaPort  int           `yaml:"media_port"`
	Expiry     time.Duration `yaml:"expiry"`
}

type HistoryConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type ReconcileConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// PushWindow is how long a push event keeps poll results from being
	// acted on.
	PushWindow time.Duration `yaml:"push_window"`
}

var captureModes = map[string]bool{"devices": true, "synthetic": true, "none": true}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Pretty: true},
		Backend: BackendConfig{
			Kind:          string(domain.BackendPeerSignaling),
			Scope:         string(domain.ScopeOutbound),
			Timeout:       10 * time.Second,
			StatusTimeout: 5 * time.Second,
		},
		Relay: RelayConfig{
			URL:              "ws://localhost:8080/hub",
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
			PingInterval:     15 * time.Second,
			Backoff:          []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second},
			MaxAttempts:      10,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Peer: PeerConfig{
			ICEServers:    []string{"stun:stun.l.google.com:19302"},
			RingTimeout:   45 * time.Second,
			SendTimeout:   5 * time.Second,
			GatherTimeout: 2 * time.Second,
		},
		Media: MediaConfig{Capture: "devices"},
		SIP: SIPConfig{
			Transport:  "udp",
			ListenAddr: "0.0.0.0:5060",
			MediaPort:  40000,
			Expiry:     5 * time.Minute,
		},
		History:   HistoryConfig{PollInterval: time.Second, Timeout: 2 * time.Minute},
		Reconcile: ReconcileConfig{PollInterval: 5 * time.Second, PushWindow: 10 * time.Second},
	}
}

// Load builds the configuration from path (skipped when empty) and the
// environment, and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyEnv overrides fields from YACALL_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"YACALL_LOG_LEVEL":         &c.Log.Level,
		"YACALL_BASE_URL":          &c.Backend.BaseURL,
		"YACALL_ACCESS_TOKEN":      &c.Backend.AccessToken,
		"YACALL_IDENTITY":          &c.Backend.Identity,
		"YACALL_BACKEND":           &c.Backend.Kind,
		"YACALL_SCOPE":             &c.Backend.Scope,
		"YACALL_RELAY_URL":         &c.Relay.URL,
		"YACALL_SERVER_ADDR":       &c.Server.Addr,
		"YACALL_SERVER_AUTH_TOKEN": &c.Server.AuthToken,
		"YACALL_MEDIA_CAPTURE":     &c.Media.Capture,
		"YACALL_SIP_REGISTRAR":     &c.SIP.Registrar,
		"YACALL_SIP_LISTEN_ADDR":   &c.SIP.ListenAddr,
		"YACALL_SIP_PUBLIC_HOST":   &c.SIP.PublicHost,
	}
	for name, field := range strs {
		if v, ok := lookup(name); ok {
			*field = v
		}
	}

	if v, ok := lookup("YACALL_LOG_PRETTY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("YACALL_LOG_PRETTY: %w", err)
		}
		c.Log.Pretty = b
	}
	if v, ok := lookup("YACALL_RING_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("YACALL_RING_TIMEOUT: %w", err)
		}
		c.Peer.RingTimeout = d
	}
	if v, ok := lookup("YACALL_ICE_SERVERS"); ok {
		c.Peer.ICEServers = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := domain.ParseBackendKind(c.Backend.Kind); err != nil {
		errs = append(errs, fmt.Errorf("backend.kind: %w", err))
	}
	switch domain.TokenScope(c.Backend.Scope) {
	case domain.ScopeInbound, domain.ScopeOutbound:
	default:
		errs = append(errs, fmt.Errorf("backend.scope: unknown scope %q", c.Backend.Scope))
	}
	if !captureModes[c.Media.Capture] {
		errs = append(errs, fmt.Errorf("media.capture: unknown mode %q", c.Media.Capture))
	}
	if c.Relay.MaxAttempts <= 0 {
		errs = append(errs, errors.New("relay.max_attempts must be positive"))
	}
	if c.Peer.RingTimeout <= 0 {
		errs = append(errs, errors.New("peer.ring_timeout must be positive"))
	}
	if c.History.PollInterval <= 0 || c.Reconcile.PollInterval <= 0 {
		errs = append(errs, errors.New("poll intervals must be positive"))
	}

	return errors.Join(errs...)
}

// Credentials are what the client registers with.
func (c *Config) Credentials() domain.Credentials {
	return domain.Credentials{
		BaseURL:     c.Backend.BaseURL,
		AccessToken: c.Backend.AccessToken,
		Backend:     domain.BackendKind(c.Backend.Kind),
		Scope:       domain.TokenScope(c.Backend.Scope),
		Identity:    domain.UserID(c.Backend.Identity),
	}
}
