package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI records what the client sent.
type fakeAPI struct {
	mu      sync.Mutex
	auth    []string
	status  []string
	history []historyRequest
}

func (f *fakeAPI) router() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			f.auth = append(f.auth, r.Header.Get("Authorization"))
			f.mu.Unlock()
			next.ServeHTTP(w, r)
		})
	})
	r.Post("/api/call/deviceInboundToken", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "in-token", "identity": "alice"})
	})
	r.Post("/api/call/deviceOutboundToken", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "out-token"})
	})
	r.Post("/ChatMessage/setCallingStatus/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.status = append(f.status, chi.URLParam(r, "id")+" "+r.URL.Query().Get("IsAudio")+" "+r.URL.Query().Get("IsVideo"))
		f.mu.Unlock()
	})
	r.Post("/api/call/saveCallHistory", func(w http.ResponseWriter, r *http.Request) {
		var h historyRequest
		if err := json.NewDecoder(r.Body).Decode(&h); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.history = append(f.history, h)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	r.Get("/ChatMessage/receive/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "missing" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"isAudioCalling": false,
			"isVideoCalling": true,
			"messages":       []any{map[string]string{"text": "hi"}},
		})
	})
	return r
}

func (f *fakeAPI) snapshot() (auth, status []string, history []historyRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.auth...), append([]string(nil), f.status...), append([]historyRequest(nil), f.history...)
}

func newTestClient(t *testing.T) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.router())
	t.Cleanup(srv.Close)

	c := NewClient(0)
	c.Bind(srv.URL+"/", "access")
	return c, api
}

// TestFetchToken tests both token scopes and the bearer header.
func TestFetchToken(t *testing.T) {
	c, api := newTestClient(t)

	tok, err := c.FetchToken(context.Background(), domain.ScopeInbound)
	require.NoError(t, err)
	assert.Equal(t, domain.Token{Value: "in-token", Identity: "alice"}, tok)

	tok, err = c.FetchToken(context.Background(), domain.ScopeOutbound)
	require.NoError(t, err)
	assert.Equal(t, "out-token", tok.Value)
	assert.True(t, tok.Identity.IsZero())

	auth, _, _ := api.snapshot()
	assert.Equal(t, []string{"Bearer access", "Bearer access"}, auth)
}

// TestFetchTokenUnknownScope tests that an unknown scope never hits the wire.
func TestFetchTokenUnknownScope(t *testing.T) {
	c, api := newTestClient(t)

	_, err := c.FetchToken(context.Background(), domain.TokenScope("video"))
	require.Error(t, err)
	auth, _, _ := api.snapshot()
	assert.Empty(t, auth)
}

// TestSetCallingStatus tests the query encoding of the status side channel.
func TestSetCallingStatus(t *testing.T) {
	c, api := newTestClient(t)

	require.NoError(t, c.SetCallingStatus(context.Background(), "bob", true, false))
	require.NoError(t, c.SetCallingStatus(context.Background(), "bob", false, false))

	_, status, _ := api.snapshot()
	assert.Equal(t, []string{"bob true false", "bob false false"}, status)
}

// TestSaveCallHistory tests the history payload.
func TestSaveCallHistory(t *testing.T) {
	c, api := newTestClient(t)

	require.NoError(t, c.SaveCallHistory(context.Background(), domain.CallHistory{
		CallID:   "CA123",
		To:       "bob",
		MemberID: "alice",
	}))
	_, _, history := api.snapshot()
	require.Len(t, history, 1)
	assert.Equal(t, historyRequest{CallSid: "CA123", To: "bob", MemberID: "alice"}, history[0])
}

// TestFetchCallingStatus tests decoding of the status poll and its errors.
func TestFetchCallingStatus(t *testing.T) {
	c, _ := newTestClient(t)

	st, err := c.FetchCallingStatus(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.CallingStatus{VideoCalling: true}, st)
	assert.True(t, st.Ringing())

	_, err = c.FetchCallingStatus(context.Background(), "missing")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

// TestUnbound tests that requests fail before Bind.
func TestUnbound(t *testing.T) {
	c := NewClient(0)
	_, err := c.FetchToken(context.Background(), domain.ScopeInbound)
	require.Error(t, err)
}
