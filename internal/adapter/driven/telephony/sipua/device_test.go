package sipua

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/backend/telephony"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParamsOf tests caller metadata extraction from an invite.
func TestParamsOf(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "pbx.example.com"})
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     sip.Uri{Scheme: "sip", User: "alice", Host: "pbx.example.com"},
		Params:      sip.NewParams(),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "pbx.example.com"},
		Params:  sip.NewParams(),
	})

	params := paramsOf(req)
	assert.Equal(t, "alice", params["From"])
	assert.Equal(t, "Alice", params["callerId"])
	assert.Equal(t, "bob", params["To"])
}

// TestParamsOfAnonymous tests that a caller without user part yields no
// caller keys.
func TestParamsOfAnonymous(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "pbx.example.com"})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", Host: "anonymous.invalid"},
		Params:  sip.NewParams(),
	})

	params := paramsOf(req)
	assert.NotContains(t, params, "From")
	assert.NotContains(t, params, "callerId")
}

// TestConfigDefaults tests the defaults applied to an empty config.
func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.setDefaults()

	assert.Equal(t, "udp", cfg.Transport)
	assert.Equal(t, "0.0.0.0:5060", cfg.ListenAddr)
	assert.Equal(t, 40000, cfg.MediaPort)
	assert.Positive(t, cfg.Expiry)
}

// TestNewDeviceRejectsBadListenAddr tests that an unusable listen address
// fails construction.
func TestNewDeviceRejectsBadListenAddr(t *testing.T) {
	_, err := NewDevice(Config{Registrar: "sip:pbx.example.com:5060", ListenAddr: "nowhere"})
	require.Error(t, err)
}

// registerEntry is what the registrar saw of one REGISTER.
type registerEntry struct {
	cseq       uint32
	callID     string
	expires    string
	authorized bool
	username   string
}

// pbx plays registrar and remote party for a device over loopback UDP.
type pbx struct {
	host   string
	port   int
	chal   *digest.Challenge
	dialog *sipgo.DialogUA

	mu        sync.Mutex
	password  string
	answer    sip.StatusCode
	registers []registerEntry

	callers chan string
	cancels chan struct{}
	byes    chan struct{}
}

// newPBX starts a pbx. Invites from the device are answered with 200 unless
// answer is set; an answer of 180 leaves them ringing.
func newPBX(t *testing.T) *pbx {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("pbx"))
	require.NoError(t, err)
	t.Cleanup(func() { ua.Close() })
	srv, err := sipgo.NewServer(ua)
	require.NoError(t, err)
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname("127.0.0.1"))
	require.NoError(t, err)

	p := &pbx{
		host:    "127.0.0.1",
		port:    conn.LocalAddr().(*net.UDPAddr).Port,
		chal:    &digest.Challenge{Realm: "yacall", Nonce: "5f2a9c0d", Algorithm: "MD5"},
		callers: make(chan string, 4),
		cancels: make(chan struct{}, 4),
		byes:    make(chan struct{}, 4),
	}
	p.dialog = &sipgo.DialogUA{
		Client:     client,
		ContactHDR: sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "pbx", Host: p.host, Port: p.port}},
	}
	srv.OnRegister(p.onRegister)
	srv.OnInvite(p.onInvite)
	srv.OnAck(func(*sip.Request, sip.ServerTransaction) {})
	srv.OnBye(p.onBye)
	go srv.ServeUDP(conn)
	return p
}

func (p *pbx) addr() string {
	return net.JoinHostPort(p.host, strconv.Itoa(p.port))
}

func (p *pbx) registered() []registerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]registerEntry(nil), p.registers...)
}

func (p *pbx) respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
}

// onRegister challenges unauthenticated registrations when a password is set.
func (p *pbx) onRegister(req *sip.Request, tx sip.ServerTransaction) {
	entry := registerEntry{cseq: req.CSeq().SeqNo, callID: req.CallID().Value()}
	if h := req.GetHeader("Expires"); h != nil {
		entry.expires = h.Value()
	}
	auth := req.GetHeader("Authorization")

	var ok bool
	p.mu.Lock()
	password := p.password
	if auth != nil {
		entry.authorized = true
		entry.username, ok = p.verify(req.Method, auth.Value(), password)
	}
	p.registers = append(p.registers, entry)
	p.mu.Unlock()

	switch {
	case password == "":
		p.respond(req, tx, sip.StatusOK, "OK")
	case auth == nil:
		res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", p.chal.String()))
		_ = tx.Respond(res)
	case ok:
		p.respond(req, tx, sip.StatusOK, "OK")
	default:
		p.respond(req, tx, sip.StatusForbidden, "Forbidden")
	}
}

// verify checks digest credentials and returns the username they carry.
func (p *pbx) verify(method sip.RequestMethod, value, password string) (string, bool) {
	cred, err := digest.ParseCredentials(value)
	if err != nil {
		return "", false
	}
	want, err := digest.Digest(p.chal, digest.Options{
		Method:   method.String(),
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
		Cnonce:   cred.Cnonce,
		Count:    cred.Nc,
	})
	if err != nil {
		return cred.Username, false
	}
	return cred.Username, want.Response == cred.Response
}

func (p *pbx) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	p.callers <- req.From().Address.User
	sess, err := p.dialog.ReadInvite(req, tx)
	if err != nil {
		p.respond(req, tx, sip.StatusInternalServerError, "Server Error")
		return
	}
	defer sess.Close()
	if stx, ok := tx.(*sip.ServerTx); ok {
		stx.OnCancel(func(*sip.Request) { p.cancels <- struct{}{} })
	}
	_ = sess.Respond(sip.StatusRinging, "Ringing", nil)

	p.mu.Lock()
	answer := p.answer
	p.mu.Unlock()
	switch answer {
	case 0:
		body, err := mediaDescription{host: p.host, audioPort: 50000}.marshal()
		if err == nil {
			_ = sess.RespondSDP(body)
		}
	case sip.StatusRinging:
		<-tx.Done()
	default:
		_ = sess.Respond(answer, "Refused", nil)
	}
}

func (p *pbx) onBye(req *sip.Request, tx sip.ServerTransaction) {
	p.respond(req, tx, sip.StatusOK, "OK")
	p.byes <- struct{}{}
}

// invite calls the device as caller with a video offer.
func (p *pbx) invite(t *testing.T, d *Device, caller string) *sipgo.DialogClientSession {
	t.Helper()
	body, err := mediaDescription{host: p.host, audioPort: 50000, video: true}.marshal()
	require.NoError(t, err)

	from := sip.FromHeader{
		DisplayName: "Carol",
		Address:     sip.Uri{Scheme: "sip", User: caller, Host: p.host},
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	contentType := sip.ContentTypeHeader(contentTypeSDP)
	recipient := sip.Uri{Scheme: "sip", User: "alice", Host: d.host, Port: d.port}

	sess, err := p.dialog.Invite(context.Background(), recipient, body, &contentType, &from)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())
	return addr
}

// startDevice runs a device registering with p and waits until it listens.
func startDevice(t *testing.T, p *pbx) *Device {
	t.Helper()
	d, err := NewDevice(Config{
		Registrar:  "sip:" + p.addr(),
		ListenAddr: freeUDPAddr(t),
		MediaPort:  40000,
		Expiry:     time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		d.Close()
	})
	ready := make(chan struct{})
	go d.Serve(context.WithValue(ctx, sipgo.ListenReadyCtxKey, sipgo.ListenReadyCtxValue(ready)))
	receive(t, ready)
	return d
}

func registerDevice(t *testing.T, d *Device, h port.TelephonyDeviceHandlers) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Register(ctx, "alice", "device-token", h))
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
		var zero T
		return zero
	}
}

func quiet[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected notification")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestRegisterAnswersDigestChallenge tests that a 401 from the registrar is
// answered with digest credentials built from the device token.
func TestRegisterAnswersDigestChallenge(t *testing.T) {
	p := newPBX(t)
	p.password = "device-token"
	d := startDevice(t, p)

	registered := make(chan struct{}, 1)
	registerDevice(t, d, port.TelephonyDeviceHandlers{
		OnRegistered: func() { registered <- struct{}{} },
	})
	receive(t, registered)

	regs := p.registered()
	require.Len(t, regs, 2)
	assert.False(t, regs[0].authorized)
	assert.True(t, regs[1].authorized)
	assert.Equal(t, "alice", regs[1].username)
	assert.Equal(t, regs[0].callID, regs[1].callID)
	assert.Greater(t, regs[1].cseq, regs[0].cseq)
	assert.Equal(t, "60", regs[1].expires)
}

// TestRegisterWrongToken tests that credentials the registrar refuses fail
// registration without reporting it registered.
func TestRegisterWrongToken(t *testing.T) {
	p := newPBX(t)
	p.password = "another-token"
	d := startDevice(t, p)

	registered := make(chan struct{}, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.Register(ctx, "alice", "device-token", port.TelephonyDeviceHandlers{
		OnRegistered: func() { registered <- struct{}{} },
	})

	var refused *refusedError
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, sip.StatusForbidden, refused.code)
	quiet(t, registered)
	assert.Nil(t, d.registration())
}

// TestUnregister tests that unregistering clears the binding at the registrar.
func TestUnregister(t *testing.T) {
	p := newPBX(t)
	d := startDevice(t, p)
	registerDevice(t, d, port.TelephonyDeviceHandlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Unregister(ctx))

	regs := p.registered()
	require.Len(t, regs, 2)
	assert.Equal(t, "0", regs[1].expires)
	assert.Nil(t, d.registration())
	require.NoError(t, d.Unregister(ctx))
}

// TestInviteBeforeRegister tests that an unregistered device turns calls away.
func TestInviteBeforeRegister(t *testing.T) {
	p := newPBX(t)
	d := startDevice(t, p)

	sess := p.invite(t, d, "carol")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, sess.WaitAnswer(ctx, sipgo.AnswerOptions{}))
	assert.Equal(t, sip.StatusTemporarilyUnavailable, sess.InviteResponse.StatusCode)
}

// TestIncomingCallCancelled tests an inbound call the caller gives up on
// before it is answered.
func TestIncomingCallCancelled(t *testing.T) {
	p := newPBX(t)
	d := startDevice(t, p)

	incoming := make(chan port.TelephonyCall, 1)
	cancelled := make(chan struct{}, 1)
	registerDevice(t, d, port.TelephonyDeviceHandlers{
		OnIncoming: func(c port.TelephonyCall) {
			c.On(port.TelephonyCallHandlers{OnCancel: func() { cancelled <- struct{}{} }})
			incoming <- c
		},
	})

	sess := p.invite(t, d, "carol")
	ringCtx, giveUp := context.WithCancel(context.Background())
	answered := make(chan error, 1)
	go func() { answered <- sess.WaitAnswer(ringCtx, sipgo.AnswerOptions{}) }()

	c := receive(t, incoming)
	assert.Equal(t, "carol", c.Params()["From"])
	assert.Equal(t, "Carol", c.Params()["callerId"])
	assert.True(t, c.Video())
	assert.NotEmpty(t, c.SID())

	giveUp()
	receive(t, cancelled)
	assert.ErrorIs(t, receive(t, answered), context.Canceled)
	assert.ErrorIs(t, c.Accept(context.Background()), ErrCallEnded)
}

// TestCancelledCallReportedMissed tests that the telephony backend reports a
// call cancelled by the caller as missed.
func TestCancelledCallReportedMissed(t *testing.T) {
	p := newPBX(t)
	d := startDevice(t, p)

	a := telephony.NewAdapter(tokenAPI{}, d)
	events := make(chan domain.Event, 8)
	a.OnEvent(func(e domain.Event) { events <- e })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Register(ctx, domain.Credentials{Backend: domain.BackendTelephonyBridge, Scope: domain.ScopeInbound}))
	assert.Equal(t, domain.EventRegistered, receive(t, events).Kind)

	sess := p.invite(t, d, "carol")
	ringCtx, giveUp := context.WithCancel(context.Background())
	answered := make(chan error, 1)
	go func() { answered <- sess.WaitAnswer(ringCtx, sipgo.AnswerOptions{}) }()

	e := receive(t, events)
	require.Equal(t, domain.EventIncoming, e.Kind)
	assert.Equal(t, domain.UserID("carol"), e.CallerID)
	assert.True(t, e.Video)

	giveUp()
	e = receive(t, events)
	assert.Equal(t, domain.EventMissed, e.Kind)
	assert.Equal(t, domain.UserID("carol"), e.CallerID)
	receive(t, answered)
}

// tokenAPI issues a device token for alice.
type tokenAPI struct{}

func (tokenAPI) Bind(string, string) {}

func (tokenAPI) FetchToken(context.Context, domain.TokenScope) (domain.Token, error) {
	return domain.Token{Value: "device-token", Identity: "alice"}, nil
}

func (tokenAPI) SetCallingStatus(context.Context, domain.UserID, bool, bool) error { return nil }
func (tokenAPI) SaveCallHistory(context.Context, domain.CallHistory) error         { return nil }

func (tokenAPI) FetchCallingStatus(context.Context, domain.UserID) (domain.CallingStatus, error) {
	return domain.CallingStatus{}, nil
}
