package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

var errSuperseded = errors.New("superseded by teardown")

type queued struct {
	ev    domain.Event
	epoch uint64
	// announced events were already applied by the command that raised
	// them and are only published.
	announced bool
}

type inflightOp struct {
	cancel context.CancelCauseFunc
	call   bool
}

type Option func(*CallSessionManager)

// WithTransitionObserver registers fn to be called on every state change,
// with the manager lock held.
func WithTransitionObserver(fn func(from, to domain.State)) Option {
	return func(m *CallSessionManager) { m.observer = fn }
}

func WithHistoryReporter(r *HistoryReporter) Option {
	return func(m *CallSessionManager) { m.history = r }
}

func WithStatusReconciler(r *StatusReconciler) Option {
	return func(m *CallSessionManager) { m.reconciler = r }
}

// WithStatusTimeout bounds each fire-and-forget calling-status update.
func WithStatusTimeout(d time.Duration) Option {
	return func(m *CallSessionManager) { m.statusTimeout = d }
}

// CallSessionManager owns the call state machine. Commands run one at a time
// under mu; backend events are queued and applied by a single dispatcher,
// which is also the only caller of the listener.
type CallSessionManager struct {
	api           port.BackendAPI
	backends      map[domain.BackendKind]port.Backend
	observer      func(from, to domain.State)
	history       *HistoryReporter
	reconciler    *StatusReconciler
	statusTimeout time.Duration

	mu          sync.Mutex
	state       domain.State
	session     *domain.CallSession
	active      port.Backend
	stopHistory func()

	opMu     sync.Mutex
	inflight map[uint64]inflightOp
	nextOp   uint64

	epoch  atomic.Uint64
	qmu    sync.Mutex
	queue  []queued
	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}
	closed sync.Once

	lmu      sync.RWMutex
	listener domain.Listener
}

func NewCallSessionManager(api port.BackendAPI, backends []port.Backend, opts ...Option) *CallSessionManager {
	m := &CallSessionManager{
		api:           api,
		backends:      make(map[domain.BackendKind]port.Backend),
		statusTimeout: 5 * time.Second,
		state:         domain.StateUnregistered,
		inflight:      make(map[uint64]inflightOp),
		notify:        make(chan struct{}, 1),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, b := range backends {
		kind := b.Kind()
		m.backends[kind] = b
		b.OnEvent(func(e domain.Event) {
			e.Backend = kind
			m.enqueue(e)
		})
	}
	if m.reconciler != nil {
		m.reconciler.OnMissed(m.expireInbound)
	}

	go m.dispatch()
	return m
}

// SetListener replaces the UI listener. The last registration wins.
func (m *CallSessionManager) SetListener(fn domain.Listener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.listener = fn
}

func (m *CallSessionManager) State() domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the current session, if any.
func (m *CallSessionManager) Session() (domain.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return domain.CallSession{}, false
	}
	s := *m.session
	s.State = m.state
	return s, true
}

// Close stops the dispatcher. Queued events are dropped.
func (m *CallSessionManager) Close() {
	m.closed.Do(func() {
		close(m.quit)
		<-m.done
	})
}

func (m *CallSessionManager) Register(ctx context.Context, creds domain.Credentials) error {
	ctx, release := m.track(ctx, false)
	defer release()

	backend, ok := m.backends[creds.Backend]
	if !ok {
		return fmt.Errorf("%w: backend %q is not configured", domain.ErrRegistration, creds.Backend)
	}
	if creds.Scope == "" {
		creds.Scope = domain.ScopeInbound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.StateUnregistered {
		log.Info().Str("state", m.state.String()).Msg("Already registered, unregistering first")
		m.unregisterLocked(ctx)
	}

	m.active = backend
	m.setState(domain.StateRegistering)
	if m.api != nil {
		m.api.Bind(creds.BaseURL, creds.AccessToken)
	}

	l := log.With().Str("backend", string(creds.Backend)).Logger()
	l.Info().Msg("Registering")

	err := backend.Register(ctx, creds)
	if err == nil {
		return nil
	}
	if superseded(ctx) {
		l.Debug().Msg("Registration superseded")
		return err
	}
	l.Error().Err(err).Msg("Registration failed")
	m.active = nil
	m.setState(domain.StateUnregistered)
	m.announce(domain.ErrorEvent(err))
	return err
}

func (m *CallSessionManager) Unregister(ctx context.Context) error {
	m.supersede(false)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregisterLocked(ctx)
	return nil
}

func (m *CallSessionManager) unregisterLocked(ctx context.Context) {
	if m.active != nil {
		if err := m.active.Unregister(ctx); err != nil {
			log.Warn().Err(err).Str("backend", string(m.active.Kind())).Msg("Unregister failed")
		}
	}
	m.epoch.Add(1)
	m.active = nil
	m.discardSession()
	if m.state != domain.StateUnregistered {
		m.setState(domain.StateUnregistered)
	}
	m.announce(domain.UnregisteredEvent())
}

func (m *CallSessionManager) StartOutboundCall(ctx context.Context, target domain.UserID, video bool) error {
	ctx, release := m.track(ctx, true)
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsRegistered() || m.active == nil {
		return domain.ErrNotRegistered
	}
	if m.state != domain.StateRegistered {
		return domain.ErrBusy
	}
	if target.IsZero() {
		return domain.ErrInvalidTarget
	}

	sess := domain.NewCallSession(domain.DirectionOutbound, m.active.Kind(), target, video)
	m.session = sess
	m.setState(domain.StateRingingOutbound)
	m.publishStatus(target, true, video)

	l := log.With().Str("session_id", sess.ID.String()).Str("target", target.String()).Logger()
	l.Info().Bool("video", video).Msg("Starting outbound call")

	err := m.active.StartOutbound(ctx, target, video)
	if err == nil {
		if m.history != nil {
			m.stopHistory = m.history.Track(m.active, target, m.active.LocalIdentity())
		}
		return nil
	}
	if superseded(ctx) {
		l.Debug().Msg("Outbound call superseded")
		return err
	}

	l.Error().Err(err).Msg("Outbound call failed")
	if m.session == sess {
		m.setState(domain.StateEnding)
		m.endSession()
	}
	if !domain.IsRejection(err) {
		m.announce(domain.ErrorEvent(err))
	}
	return err
}

func (m *CallSessionManager) Accept(ctx context.Context) error {
	ctx, release := m.track(ctx, true)
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireLocked(domain.StateRingingInbound, domain.ErrNoIncomingCall); err != nil {
		return err
	}

	err := m.active.AcceptInbound(ctx)
	if err == nil || superseded(ctx) {
		return err
	}
	log.Error().Err(err).Str("session_id", m.session.ID.String()).Msg("Accept failed")
	if !domain.IsRejection(err) {
		m.enqueue(domain.ErrorEvent(err))
	}
	return err
}

func (m *CallSessionManager) Decline(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireLocked(domain.StateRingingInbound, domain.ErrNoIncomingCall); err != nil {
		return err
	}
	m.declineLocked(ctx)
	return nil
}

func (m *CallSessionManager) declineLocked(ctx context.Context) {
	if err := m.active.DeclineInbound(ctx); err != nil {
		log.Warn().Err(err).Msg("Decline failed, discarding call anyway")
		m.enqueue(domain.DeclinedEvent())
	}
}

// Hangup ends the current call. With no call it does nothing; while ringing
// inbound it declines.
func (m *CallSessionManager) Hangup(ctx context.Context) error {
	m.supersede(true)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.active == nil || !m.state.HasSession() || m.state == domain.StateEnding:
		return nil
	case m.state == domain.StateRingingInbound:
		m.declineLocked(ctx)
		return nil
	}

	m.setState(domain.StateEnding)
	if err := m.active.Hangup(ctx); err != nil {
		log.Warn().Err(err).Msg("Hangup failed, ending call anyway")
		m.enqueue(domain.EndedEvent())
	}
	return nil
}

func (m *CallSessionManager) SetMuted(ctx context.Context, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireLocked(domain.StateActive, domain.ErrNoActiveCall); err != nil {
		return err
	}
	if err := m.active.SetMuted(ctx, muted); err != nil {
		m.enqueue(domain.WarningEvent(err))
		return err
	}
	return nil
}

// SwitchMode turns video on or off during an active call.
func (m *CallSessionManager) SwitchMode(ctx context.Context, video bool) error {
	ctx, release := m.track(ctx, true)
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireLocked(domain.StateActive, domain.ErrNoActiveCall); err != nil {
		return err
	}
	switcher, ok := m.active.(port.ModeSwitcher)
	if !ok {
		return domain.ErrUnsupported
	}
	if err := switcher.SwitchMode(ctx, video); err != nil {
		if !superseded(ctx) {
			m.enqueue(domain.WarningEvent(err))
		}
		return err
	}
	m.session.Media.VideoEnabled = video
	return nil
}

// expireInbound drops a ringing inbound call from remote that the server no
// longer reports.
func (m *CallSessionManager) expireInbound(remote domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.StateRingingInbound || m.session == nil || m.session.RemoteIdentity != remote {
		return
	}
	log.Info().Str("remote", remote.String()).Msg("Server no longer reports incoming call, marking missed")

	ctx, cancel := context.WithTimeout(context.Background(), m.statusTimeout)
	defer cancel()
	if exp, ok := m.active.(port.InboundExpirer); ok {
		if err := exp.ExpireInbound(ctx); err == nil {
			return
		}
	}
	m.enqueue(domain.MissedEvent(remote))
}

func (m *CallSessionManager) requireLocked(want domain.State, otherwise error) error {
	if !m.state.IsRegistered() || m.active == nil {
		return domain.ErrNotRegistered
	}
	if m.state != want || m.session == nil {
		return otherwise
	}
	return nil
}

func (m *CallSessionManager) setState(to domain.State) {
	from := m.state
	m.state = to
	if m.session != nil {
		m.session.State = to
	}
	if m.observer != nil {
		m.observer(from, to)
	}
	log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("State transition")
}

// discardSession drops the session and everything tracking it.
func (m *CallSessionManager) discardSession() {
	if m.session == nil {
		return
	}
	if m.stopHistory != nil {
		m.stopHistory()
		m.stopHistory = nil
	}
	if m.reconciler != nil {
		m.reconciler.Unwatch(m.session.RemoteIdentity)
	}
	if m.session.Direction == domain.DirectionOutbound {
		m.publishStatus(m.session.RemoteIdentity, false, false)
	}
	m.session = nil
}

func (m *CallSessionManager) publishStatus(remote domain.UserID, audio, video bool) {
	if m.api == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.statusTimeout)
		defer cancel()
		if err := m.api.SetCallingStatus(ctx, remote, audio, video); err != nil {
			log.Warn().Err(err).Str("remote", remote.String()).Msg("Failed to publish calling status")
		}
	}()
}

// track derives a command context that Unregister can cancel, and Hangup too
// when call is set.
func (m *CallSessionManager) track(ctx context.Context, call bool) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)

	m.opMu.Lock()
	id := m.nextOp
	m.nextOp++
	m.inflight[id] = inflightOp{cancel: cancel, call: call}
	m.opMu.Unlock()

	return ctx, func() {
		m.opMu.Lock()
		delete(m.inflight, id)
		m.opMu.Unlock()
		cancel(nil)
	}
}

func (m *CallSessionManager) supersede(callOnly bool) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	for _, op := range m.inflight {
		if op.call || !callOnly {
			op.cancel(errSuperseded)
		}
	}
}

func superseded(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errSuperseded)
}

func (m *CallSessionManager) enqueue(e domain.Event) {
	m.push(queued{ev: e, epoch: m.epoch.Load()})
}

func (m *CallSessionManager) announce(e domain.Event) {
	m.push(queued{ev: e, epoch: m.epoch.Load(), announced: true})
}

func (m *CallSessionManager) push(q queued) {
	m.qmu.Lock()
	m.queue = append(m.queue, q)
	m.qmu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *CallSessionManager) dispatch() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			return
		case <-m.notify:
		}
		for {
			m.qmu.Lock()
			if len(m.queue) == 0 {
				m.qmu.Unlock()
				break
			}
			q := m.queue[0]
			m.queue[0] = queued{}
			m.queue = m.queue[1:]
			m.qmu.Unlock()

			m.mu.Lock()
			cs, ok := m.apply(q)
			m.mu.Unlock()
			if ok {
				m.emit(cs)
			}
		}
	}
}

func (m *CallSessionManager) emit(cs domain.CallState) {
	m.lmu.RLock()
	fn := m.listener
	m.lmu.RUnlock()
	if fn != nil {
		fn(cs)
	}
}

// apply runs one event through the state machine and returns the CallState
// to publish, if any.
func (m *CallSessionManager) apply(q queued) (domain.CallState, bool) {
	e := q.ev
	l := log.With().Str("event", e.Kind.String()).Str("state", m.state.String()).Logger()

	if q.epoch != m.epoch.Load() {
		l.Debug().Msg("Dropping event from a previous registration")
		return domain.CallState{}, false
	}
	if q.announced {
		switch e.Kind {
		case domain.EventUnregistered:
			return domain.CallState{Type: domain.CallStateUnregistered}, true
		case domain.EventError:
			return domain.CallState{Type: domain.CallStateError, Err: e.Err, ErrorKind: domain.KindOf(e.Err)}, true
		}
		return domain.CallState{}, false
	}
	if e.Backend != "" && (m.active == nil || m.active.Kind() != e.Backend) {
		l.Debug().Str("backend", string(e.Backend)).Msg("Dropping event from inactive backend")
		return domain.CallState{}, false
	}
	if m.reconciler != nil && e.Backend != "" {
		m.reconciler.ObservePush(e)
	}

	switch e.Kind {
	case domain.EventRegistered:
		if m.state != domain.StateRegistering {
			return domain.CallState{}, false
		}
		m.setState(domain.StateRegistered)
		return domain.CallState{Type: domain.CallStateRegistered}, true

	case domain.EventUnregistered:
		m.discardSession()
		if m.state != domain.StateUnregistered {
			m.setState(domain.StateUnregistered)
		}
		if e.Backend != "" {
			m.active = nil
		}
		return domain.CallState{Type: domain.CallStateUnregistered}, true

	case domain.EventIncoming:
		if m.state == domain.StateRingingInbound && m.session != nil && m.session.RemoteIdentity == e.CallerID {
			return domain.CallState{}, false
		}
		if m.state != domain.StateRegistered {
			l.Info().Str("caller", e.CallerID.String()).Msg("Busy, dropping incoming call")
			return domain.CallState{}, false
		}
		m.session = domain.NewCallSession(domain.DirectionInbound, e.Backend, e.CallerID, e.Video)
		m.setState(domain.StateRingingInbound)
		if m.reconciler != nil && !e.CallerID.IsZero() {
			m.reconciler.Watch(e.CallerID)
		}
		return domain.CallState{
			Type:      domain.CallStateIncoming,
			SessionID: m.session.ID,
			CallerID:  e.CallerID,
			Video:     e.Video,
		}, true

	case domain.EventRingingOutboundStarted:
		l.Debug().Msg("Remote is ringing")
		return domain.CallState{}, false

	case domain.EventActive:
		if m.state != domain.StateRingingOutbound && m.state != domain.StateRingingInbound {
			return domain.CallState{}, false
		}
		if e.CallID != "" {
			m.session.CallID = e.CallID
		}
		m.setState(domain.StateActive)
		return domain.CallState{
			Type:      domain.CallStateActive,
			SessionID: m.session.ID,
			CallerID:  m.session.RemoteIdentity,
			Video:     m.session.Media.VideoEnabled,
		}, true

	case domain.EventMuted:
		if m.state != domain.StateActive {
			return domain.CallState{}, false
		}
		m.session.Muted = e.Muted
		return domain.CallState{Type: domain.CallStateMuted, SessionID: m.session.ID, Muted: e.Muted}, true

	case domain.EventDeclined:
		if m.session == nil {
			return domain.CallState{}, false
		}
		cs := domain.CallState{Type: domain.CallStateDeclined, SessionID: m.session.ID}
		m.endSession()
		return cs, true

	case domain.EventMissed:
		if m.state != domain.StateRingingInbound || m.session == nil {
			return domain.CallState{}, false
		}
		if !e.CallerID.IsZero() && e.CallerID != m.session.RemoteIdentity {
			return domain.CallState{}, false
		}
		cs := domain.CallState{Type: domain.CallStateMissed, SessionID: m.session.ID, CallerID: m.session.RemoteIdentity}
		m.endSession()
		return cs, true

	case domain.EventEnded:
		if !m.state.HasSession() || m.session == nil {
			return domain.CallState{}, false
		}
		cs := domain.CallState{Type: domain.CallStateEnded, SessionID: m.session.ID}
		m.setState(domain.StateEnded)
		m.endSession()
		return cs, true

	case domain.EventError:
		cs := domain.CallState{Type: domain.CallStateError, Err: e.Err, ErrorKind: domain.KindOf(e.Err)}
		l.Warn().Err(e.Err).Str("kind", string(cs.ErrorKind)).Msg("Call error")
		if e.Recoverable {
			return cs, true
		}
		switch {
		case m.state == domain.StateRegistering:
			m.active = nil
			m.setState(domain.StateUnregistered)
		case m.session != nil:
			cs.SessionID = m.session.ID
			if m.state != domain.StateEnding {
				m.setState(domain.StateEnding)
			}
			m.endSession()
		}
		return cs, true
	}

	l.Warn().Msg("Unknown event")
	return domain.CallState{}, false
}

// endSession returns to Registered after a call.
func (m *CallSessionManager) endSession() {
	m.discardSession()
	if m.state != domain.StateRegistered && m.state.IsRegistered() {
		m.setState(domain.StateRegistered)
	}
}
