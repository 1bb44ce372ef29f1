package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/stretchr/testify/require"
)

// fakeBackend emits the events a well-behaved adapter would for each
// command. Tests play the remote side through emit.
type fakeBackend struct {
	kind domain.BackendKind

	mu          sync.Mutex
	sink        port.EventSink
	registered  bool
	identity    domain.UserID
	callID      string
	commands    []string
	registerErr error
	startErr    error
	acceptErr   error
	muteErr     error
	// blockStart and blockRegister make the command wait for its context;
	// started is signalled when it does.
	blockStart    bool
	blockRegister bool
	started       chan struct{}
}

func newFakeBackend(kind domain.BackendKind) *fakeBackend {
	return &fakeBackend{kind: kind, started: make(chan struct{}, 1)}
}

func (b *fakeBackend) record(cmd string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, cmd)
}

func (b *fakeBackend) count(cmd string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

func (b *fakeBackend) emit(e domain.Event) {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink != nil {
		sink(e)
	}
}

func (b *fakeBackend) Kind() domain.BackendKind { return b.kind }

func (b *fakeBackend) OnEvent(sink port.EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

func (b *fakeBackend) Register(ctx context.Context, creds domain.Credentials) error {
	b.record("register")
	b.mu.Lock()
	if b.blockRegister {
		b.mu.Unlock()
		b.started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	if b.registerErr != nil {
		err := b.registerErr
		b.mu.Unlock()
		return err
	}
	b.registered = true
	b.identity = creds.Identity
	b.mu.Unlock()

	b.emit(domain.RegisteredEvent())
	return nil
}

func (b *fakeBackend) Unregister(context.Context) error {
	b.record("unregister")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered = false
	return nil
}

func (b *fakeBackend) StartOutbound(ctx context.Context, _ domain.UserID, _ bool) error {
	b.record("start")
	b.mu.Lock()
	block, err := b.blockStart, b.startErr
	b.mu.Unlock()

	if block {
		b.started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	b.emit(domain.RingingEvent())
	return nil
}

func (b *fakeBackend) AcceptInbound(context.Context) error {
	b.record("accept")
	b.mu.Lock()
	err := b.acceptErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	b.emit(domain.ActiveEvent("CA-in"))
	return nil
}

func (b *fakeBackend) DeclineInbound(context.Context) error {
	b.record("decline")
	b.emit(domain.DeclinedEvent())
	return nil
}

func (b *fakeBackend) Hangup(context.Context) error {
	b.record("hangup")
	b.emit(domain.EndedEvent())
	return nil
}

func (b *fakeBackend) SetMuted(_ context.Context, muted bool) error {
	b.record("mute")
	b.mu.Lock()
	err := b.muteErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	b.emit(domain.MutedEvent(muted))
	return nil
}

func (b *fakeBackend) SwitchMode(context.Context, bool) error {
	b.record("switch")
	return nil
}

func (b *fakeBackend) ExpireInbound(context.Context) error {
	b.record("expire")
	b.emit(domain.MissedEvent(""))
	return nil
}

func (b *fakeBackend) LocalIdentity() domain.UserID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity
}

func (b *fakeBackend) CallID() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callID, b.callID != ""
}

func (b *fakeBackend) setCallID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callID = id
}

// plainBackend hides the optional interfaces of the wrapped backend.
type plainBackend struct {
	port.Backend
}

type fakeAPI struct {
	mu       sync.Mutex
	bound    string
	statuses []string
	calling  domain.CallingStatus
	history  chan domain.CallHistory
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{history: make(chan domain.CallHistory, 4)}
}

func (a *fakeAPI) Bind(baseURL, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bound = baseURL
}

func (a *fakeAPI) FetchToken(context.Context, domain.TokenScope) (domain.Token, error) {
	return domain.Token{Value: "tok"}, nil
}

func (a *fakeAPI) SetCallingStatus(_ context.Context, remote domain.UserID, audio, video bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses = append(a.statuses, fmt.Sprintf("%s %t %t", remote, audio, video))
	return nil
}

func (a *fakeAPI) SaveCallHistory(_ context.Context, h domain.CallHistory) error {
	a.history <- h
	return nil
}

func (a *fakeAPI) FetchCallingStatus(context.Context, domain.UserID) (domain.CallingStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calling, nil
}

func (a *fakeAPI) setCalling(st domain.CallingStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calling = st
}

func (a *fakeAPI) published() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.statuses...)
}

// states collects listener notifications.
type states chan domain.CallState

func listen(m *CallSessionManager) states {
	ch := make(states, 256)
	m.SetListener(func(cs domain.CallState) { ch <- cs })
	return ch
}

func (s states) next(t *testing.T) domain.CallState {
	t.Helper()
	select {
	case cs := <-s:
		return cs
	case <-time.After(2 * time.Second):
		t.Fatal("no call state")
		return domain.CallState{}
	}
}

func (s states) expect(t *testing.T, want domain.CallStateType) domain.CallState {
	t.Helper()
	cs := s.next(t)
	require.Equal(t, want, cs.Type, "got %+v", cs)
	return cs
}

func (s states) quiet(t *testing.T) {
	t.Helper()
	select {
	case cs := <-s:
		t.Fatalf("unexpected %s call state", cs.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func creds(kind domain.BackendKind) domain.Credentials {
	return domain.Credentials{
		BaseURL:     "https://api.example.com",
		AccessToken: "access",
		Backend:     kind,
		Identity:    "alice",
	}
}
