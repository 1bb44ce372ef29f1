package service

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

// StatusReconciler cross-checks pushed call events against the server's
// calling status. Push events win: a poll result only counts when no push
// was seen within the push window.
type StatusReconciler struct {
	api        port.BackendAPI
	interval   time.Duration
	pushWindow time.Duration
	now        func() time.Time

	mu          sync.Mutex
	watching    domain.UserID
	ringingFrom domain.UserID
	lastPush    time.Time
	onMissed    func(domain.UserID)
	onStaleRing func(domain.UserID)
}

func NewStatusReconciler(api port.BackendAPI, interval, pushWindow time.Duration) *StatusReconciler {
	return &StatusReconciler{
		api:        api,
		interval:   interval,
		pushWindow: pushWindow,
		now:        time.Now,
	}
}

// OnMissed is called when the server stopped reporting a call that is still
// ringing locally.
func (r *StatusReconciler) OnMissed(fn func(remote domain.UserID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMissed = fn
}

// OnStaleRinging is advisory: the server reports a call that no push event
// announced. No offer is available to act on.
func (r *StatusReconciler) OnStaleRinging(fn func(remote domain.UserID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStaleRing = fn
}

// Watch makes remote the conversation whose status is polled.
func (r *StatusReconciler) Watch(remote domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watching = remote
}

// Unwatch stops polling remote if it is being watched.
func (r *StatusReconciler) Unwatch(remote domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watching == remote {
		r.watching = ""
	}
}

func (r *StatusReconciler) ObservePush(e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastPush = r.now()
	switch e.Kind {
	case domain.EventIncoming:
		r.ringingFrom = e.CallerID
	case domain.EventActive, domain.EventDeclined, domain.EventMissed,
		domain.EventEnded, domain.EventError, domain.EventUnregistered:
		r.ringingFrom = ""
	}
}

func (r *StatusReconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile runs one poll of the watched remote.
func (r *StatusReconciler) Reconcile(ctx context.Context) {
	r.mu.Lock()
	remote := r.watching
	r.mu.Unlock()
	if remote.IsZero() {
		return
	}

	status, err := r.api.FetchCallingStatus(ctx, remote)
	if err != nil {
		log.Debug().Err(err).Str("remote", remote.String()).Msg("Calling status poll failed")
		return
	}

	r.mu.Lock()
	fresh := r.now().Sub(r.lastPush) < r.pushWindow
	ringingHere := r.ringingFrom == remote
	var fire func(domain.UserID)
	switch {
	case fresh:
	case !status.Ringing() && ringingHere:
		r.ringingFrom = ""
		fire = r.onMissed
	case status.Ringing() && !ringingHere:
		fire = r.onStaleRing
	}
	r.mu.Unlock()

	if fire != nil {
		fire(remote)
	}
}
