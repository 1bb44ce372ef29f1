// Package sipua is a telephony device speaking SIP. It registers one
// identity with a registrar, places calls to it and answers calls it routes
// to the device.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var _ port.TelephonyDevice = (*Device)(nil)

var (
	ErrNotRegistered = errors.New("device is not registered")
	errNoResponse    = errors.New("transaction ended without a final response")
)

type Config struct {
	// Registrar is the registrar and proxy URI, e.g. "sip:pbx.example.com:5060".
	Registrar  string
	Transport  string
	ListenAddr string
	// PublicHost is announced in Contact and session bodies. Defaults to
	// the listen host.
	PublicHost string
	MediaPort  int
	Expiry     time.Duration
}

func (c *Config) setDefaults() {
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:5060"
	}
	if c.MediaPort == 0 {
		c.MediaPort = 40000
	}
	if c.Expiry <= 0 {
		c.Expiry = 5 * time.Minute
	}
}

type registration struct {
	identity domain.UserID
	token    string
	h        port.TelephonyDeviceHandlers
	callID   sip.CallIDHeader
	cseq     uint32
	dialog   *sipgo.DialogUA
	stop     context.CancelFunc
}

type Device struct {
	cfg       Config
	registrar sip.Uri
	host      string
	port      int

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	mu    sync.Mutex
	reg   *registration
	calls map[string]*Call

	events chan func()
	done   chan struct{}
	once   sync.Once
}

func NewDevice(cfg Config) (*Device, error) {
	cfg.setDefaults()

	var registrar sip.Uri
	if err := sip.ParseUri(cfg.Registrar, &registrar); err != nil {
		return nil, fmt.Errorf("invalid registrar %q: %w", cfg.Registrar, err)
	}
	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", cfg.ListenAddr, err)
	}
	listenPort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}
	listenHost := host
	if cfg.PublicHost != "" {
		host = cfg.PublicHost
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("yacall"))
	if err != nil {
		return nil, fmt.Errorf("creating user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating server: %w", err)
	}
	var clientOpts []sipgo.ClientOption
	// Requests leave from the listen IP when one is bound explicitly.
	if ip := net.ParseIP(listenHost); ip != nil && !ip.IsUnspecified() {
		clientOpts = append(clientOpts, sipgo.WithClientHostname(listenHost))
	}
	client, err := sipgo.NewClient(ua, clientOpts...)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating client: %w", err)
	}

	d := &Device{
		cfg:       cfg,
		registrar: registrar,
		host:      host,
		port:      listenPort,
		ua:        ua,
		server:    server,
		client:    client,
		calls:     make(map[string]*Call),
		events:    make(chan func(), 128),
		done:      make(chan struct{}),
	}
	server.OnRequest(sip.INVITE, d.onInvite)
	server.OnRequest(sip.ACK, d.onAck)
	server.OnRequest(sip.BYE, d.onBye)
	server.OnRequest(sip.CANCEL, d.onCancel)

	go d.dispatch()
	return d, nil
}

// Serve listens for requests until ctx is done.
func (d *Device) Serve(ctx context.Context) error {
	log.Info().Str("transport", d.cfg.Transport).Str("addr", d.cfg.ListenAddr).Msg("SIP device listening")
	return d.server.ListenAndServe(ctx, d.cfg.Transport, d.cfg.ListenAddr)
}

func (d *Device) Close() error {
	d.once.Do(func() { close(d.done) })
	return d.ua.Close()
}

// dispatch runs handlers one at a time in the order they were queued.
func (d *Device) dispatch() {
	for {
		select {
		case fn := <-d.events:
			fn()
		case <-d.done:
			return
		}
	}
}

func (d *Device) queue(fn func()) {
	select {
	case d.events <- fn:
	case <-d.done:
	}
}

func (d *Device) Register(ctx context.Context, identity domain.UserID, token string, h port.TelephonyDeviceHandlers) error {
	contact := sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: identity.String(), Host: d.host, Port: d.port},
	}
	reg := &registration{
		identity: identity,
		token:    token,
		h:        h,
		callID:   sip.CallIDHeader(uuid.NewString()),
		dialog:   &sipgo.DialogUA{Client: d.client, ContactHDR: contact},
	}

	if err := d.register(ctx, reg, d.cfg.Expiry); err != nil {
		return err
	}

	refreshCtx, stop := context.WithCancel(context.Background())
	reg.stop = stop

	d.mu.Lock()
	prev := d.reg
	d.reg = reg
	d.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	go d.refresh(refreshCtx, reg)
	if h.OnRegistered != nil {
		d.queue(h.OnRegistered)
	}
	return nil
}

// refresh renews reg at half its expiry until stopped. A registrar refusing
// the renewal unregisters the device.
func (d *Device) refresh(ctx context.Context, reg *registration) {
	ticker := time.NewTicker(d.cfg.Expiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := d.register(ctx, reg, d.cfg.Expiry)
		if err == nil || ctx.Err() != nil {
			continue
		}
		log.Warn().Err(err).Str("identity", reg.identity.String()).Msg("Registration refresh failed")

		d.mu.Lock()
		current := d.reg == reg
		if current {
			d.reg = nil
		}
		d.mu.Unlock()
		if !current {
			return
		}
		var refused *refusedError
		switch {
		case errors.As(err, &refused) && reg.h.OnUnregistered != nil:
			d.queue(reg.h.OnUnregistered)
		case reg.h.OnError != nil:
			d.queue(func() { reg.h.OnError(err) })
		}
		return
	}
}

func (d *Device) Unregister(ctx context.Context) error {
	d.mu.Lock()
	reg := d.reg
	d.reg = nil
	d.mu.Unlock()
	if reg == nil {
		return nil
	}
	reg.stop()
	return d.register(ctx, reg, 0)
}

type refusedError struct {
	code   sip.StatusCode
	reason string
}

func (e *refusedError) Error() string {
	return fmt.Sprintf("registrar answered %d %s", e.code, e.reason)
}

func (d *Device) register(ctx context.Context, reg *registration, expiry time.Duration) error {
	reg.cseq++
	aor := d.aor(reg.identity)

	req := sip.NewRequest(sip.REGISTER, d.registrar)
	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.NewString()[:8])
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	callID := reg.callID
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: reg.cseq, MethodName: sip.REGISTER})
	contact := reg.dialog.ContactHDR
	req.AppendHeader(&contact)
	expires := sip.ExpiresHeader(expiry / time.Second)
	req.AppendHeader(&expires)

	res, err := d.request(ctx, req)
	if err != nil {
		return fmt.Errorf("sending register: %w", err)
	}
	reg.cseq = req.CSeq().SeqNo
	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = d.authenticate(ctx, req, res, reg)
		if err != nil {
			return fmt.Errorf("authenticating register: %w", err)
		}
	}
	if res.StatusCode != sip.StatusOK {
		return &refusedError{code: res.StatusCode, reason: res.Reason}
	}
	return nil
}

// authenticate answers a digest challenge with the registration token and
// resends req.
func (d *Device) authenticate(ctx context.Context, req *sip.Request, challenge *sip.Response, reg *registration) (*sip.Response, error) {
	tx, err := d.client.DoDigestAuth(ctx, req, challenge, sipgo.DigestAuth{
		Username: reg.identity.String(),
		Password: reg.token,
	})
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	reg.cseq = req.CSeq().SeqNo
	return waitFinal(ctx, tx)
}

// request sends req and waits for its final response.
func (d *Device) request(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := d.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	return waitFinal(ctx, tx)
}

// waitFinal skips provisional responses.
func waitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				return nil, errNoResponse
			}
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, errNoResponse
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// aor is the address of record of id at the registrar.
func (d *Device) aor(id domain.UserID) sip.Uri {
	return sip.Uri{Scheme: "sip", User: id.String(), Host: d.registrar.Host, Port: d.registrar.Port}
}

func (d *Device) registration() *registration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg
}

// Connect invites target. The returned call rings until the remote answers
// or refuses, or it is disconnected.
func (d *Device) Connect(ctx context.Context, target domain.UserID, video bool, h port.TelephonyCallHandlers) (port.TelephonyCall, error) {
	reg := d.registration()
	if reg == nil {
		return nil, ErrNotRegistered
	}
	body, err := mediaDescription{host: d.host, audioPort: d.cfg.MediaPort, video: video}.marshal()
	if err != nil {
		return nil, fmt.Errorf("building offer: %w", err)
	}

	from := sip.FromHeader{Address: d.aor(reg.identity), Params: sip.NewParams()}
	from.Params.Add("tag", sip.GenerateTagN(16))
	contentType := sip.ContentTypeHeader(contentTypeSDP)
	session, err := reg.dialog.Invite(ctx, d.aor(target), body, &contentType, &from)
	if err != nil {
		return nil, fmt.Errorf("inviting %s: %w", target, err)
	}

	ringCtx, cancel := context.WithCancel(context.Background())
	c := &Call{
		device:  d,
		sid:     session.InviteRequest.CallID().Value(),
		params:  map[string]string{"To": target.String()},
		video:   video,
		client:  session,
		ring:    cancel,
		settled: make(chan struct{}),
		h:       h,
	}
	d.track(c)
	go c.await(ringCtx)
	return c, nil
}

func (d *Device) track(c *Call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[c.sid] = c
}

func (d *Device) untrack(c *Call) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls[c.sid] != c {
		return false
	}
	delete(d.calls, c.sid)
	return true
}

func (d *Device) lookup(req *sip.Request) *Call {
	id := req.CallID()
	if id == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id.Value()]
}

func (d *Device) respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		log.Warn().Err(err).Int("status", int(code)).Msg("Failed to send response")
	}
}

func (d *Device) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	reg := d.registration()
	if reg == nil {
		d.respond(req, tx, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable")
		return
	}
	video, err := offersVideo(req.Body())
	if err != nil {
		log.Warn().Err(err).Msg("Rejecting invite with unreadable offer")
		d.respond(req, tx, sip.StatusNotAcceptable, "Not Acceptable")
		return
	}

	session, err := reg.dialog.ReadInvite(req, tx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read invite")
		d.respond(req, tx, sip.StatusInternalServerError, "Server Error")
		return
	}

	c := &Call{
		device:  d,
		sid:     req.CallID().Value(),
		params:  paramsOf(req),
		video:   video,
		server:  session,
		settled: make(chan struct{}),
	}
	// The transaction layer answers a CANCEL matching a pending invite
	// itself, so the request handler never sees it.
	if stx, ok := tx.(*sip.ServerTx); ok {
		stx.OnCancel(func(*sip.Request) { go d.cancelled(c) })
	}
	d.track(c)

	log.Info().Str("sid", c.sid).Str("from", c.params["From"]).Bool("video", video).Msg("Incoming call")
	if reg.h.OnIncoming != nil {
		d.queue(func() { reg.h.OnIncoming(c) })
	}
	if err := session.Respond(180, "Ringing", nil); err != nil {
		log.Warn().Err(err).Str("sid", c.sid).Msg("Failed to send ringing")
	}

	// The server terminates the invite transaction when this handler
	// returns, so hold it until the call is answered or over.
	select {
	case <-c.settled:
	case <-tx.Done():
		d.cancelled(c)
	case <-d.done:
	}
}

func (d *Device) onAck(req *sip.Request, tx sip.ServerTransaction) {
	c := d.lookup(req)
	if c == nil || c.server == nil {
		return
	}
	if err := c.server.ReadAck(req, tx); err != nil {
		log.Warn().Err(err).Str("sid", c.sid).Msg("Failed to read ack")
	}
}

func (d *Device) onBye(req *sip.Request, tx sip.ServerTransaction) {
	c := d.lookup(req)
	if c == nil {
		d.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	d.respond(req, tx, sip.StatusOK, "OK")
	if !d.untrack(c) {
		return
	}
	c.close()
	log.Info().Str("sid", c.sid).Msg("Remote hung up")
	c.fire(func(h port.TelephonyCallHandlers) {
		if h.OnDisconnect != nil {
			h.OnDisconnect()
		}
	})
}

func (d *Device) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	c := d.lookup(req)
	if c == nil {
		d.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	d.respond(req, tx, sip.StatusOK, "OK")
	if c.server == nil || c.answered() {
		return
	}
	if err := c.server.Respond(487, "Request Terminated", nil); err != nil {
		log.Debug().Err(err).Str("sid", c.sid).Msg("Failed to terminate invite")
	}
	d.cancelled(c)
}

// cancelled ends an inbound call the caller gave up on before it was answered.
func (d *Device) cancelled(c *Call) {
	if c.answered() || !d.untrack(c) {
		return
	}
	c.close()
	log.Info().Str("sid", c.sid).Msg("Caller cancelled")
	c.fire(func(h port.TelephonyCallHandlers) {
		if h.OnCancel != nil {
			h.OnCancel()
		}
	})
}

// paramsOf exposes caller metadata: "From" is the caller's user part,
// "callerId" its display name.
func paramsOf(req *sip.Request) map[string]string {
	params := make(map[string]string)
	if from := req.From(); from != nil {
		if from.Address.User != "" {
			params["From"] = from.Address.User
		}
		if from.DisplayName != "" {
			params["callerId"] = from.DisplayName
		}
	}
	if to := req.To(); to != nil {
		params["To"] = to.Address.User
	}
	return params
}
