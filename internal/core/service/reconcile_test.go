package service

import (
	"context"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

type reconcileFixture struct {
	api    *fakeAPI
	r      *StatusReconciler
	now    time.Time
	missed []domain.UserID
	stale  []domain.UserID
}

func newReconcileFixture() *reconcileFixture {
	f := &reconcileFixture{api: newFakeAPI(), now: time.Unix(1700000000, 0)}
	f.r = NewStatusReconciler(f.api, time.Second, 10*time.Second)
	f.r.now = func() time.Time { return f.now }
	f.r.OnMissed(func(id domain.UserID) { f.missed = append(f.missed, id) })
	f.r.OnStaleRinging(func(id domain.UserID) { f.stale = append(f.stale, id) })
	return f
}

// TestReconcileMissed tests that a call the server stopped reporting is
// flagged once the last push is old enough.
func TestReconcileMissed(t *testing.T) {
	f := newReconcileFixture()
	f.r.Watch("bob")
	f.r.ObservePush(domain.IncomingEvent("bob", false))

	f.r.Reconcile(context.Background())
	assert.Empty(t, f.missed, "fresh push wins over the poll")

	f.now = f.now.Add(11 * time.Second)
	f.r.Reconcile(context.Background())
	assert.Equal(t, []domain.UserID{"bob"}, f.missed)

	f.r.Reconcile(context.Background())
	assert.Len(t, f.missed, 1)
}

// TestReconcileStillRinging tests that nothing fires while both sides agree.
func TestReconcileStillRinging(t *testing.T) {
	f := newReconcileFixture()
	f.api.setCalling(domain.CallingStatus{AudioCalling: true})
	f.r.Watch("bob")
	f.r.ObservePush(domain.IncomingEvent("bob", false))

	f.now = f.now.Add(time.Minute)
	f.r.Reconcile(context.Background())
	assert.Empty(t, f.missed)
	assert.Empty(t, f.stale)
}

// TestReconcileStaleRinging tests the advisory callback for a call no push
// announced.
func TestReconcileStaleRinging(t *testing.T) {
	f := newReconcileFixture()
	f.api.setCalling(domain.CallingStatus{VideoCalling: true})
	f.r.Watch("bob")

	f.r.Reconcile(context.Background())
	assert.Equal(t, []domain.UserID{"bob"}, f.stale)
	assert.Empty(t, f.missed)
}

// TestReconcileUnwatched tests that no poll runs without a watched remote.
func TestReconcileUnwatched(t *testing.T) {
	f := newReconcileFixture()
	f.api.setCalling(domain.CallingStatus{AudioCalling: true})
	f.r.Watch("bob")
	f.r.Unwatch("carol")
	f.r.Unwatch("bob")

	f.r.Reconcile(context.Background())
	assert.Empty(t, f.stale)
}

// TestReconcileEndedPush tests that a terminal push clears the ringing call.
func TestReconcileEndedPush(t *testing.T) {
	f := newReconcileFixture()
	f.r.Watch("bob")
	f.r.ObservePush(domain.IncomingEvent("bob", false))
	f.r.ObservePush(domain.EndedEvent())

	f.now = f.now.Add(time.Minute)
	f.r.Reconcile(context.Background())
	assert.Empty(t, f.missed)
}
