// Package rest talks to the surrounding application's HTTP API: device
// tokens, the calling-status side channel and call history.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

var _ port.BackendAPI = (*Client)(nil)

var tokenPaths = map[domain.TokenScope]string{
	domain.ScopeInbound:  "/api/call/deviceInboundToken",
	domain.ScopeOutbound: "/api/call/deviceOutboundToken",
}

type Client struct {
	httpClient *http.Client

	mu          sync.RWMutex
	baseURL     string
	accessToken string
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) Bind(baseURL, accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.accessToken = accessToken
}

type tokenResponse struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
}

func (c *Client) FetchToken(ctx context.Context, scope domain.TokenScope) (domain.Token, error) {
	path, ok := tokenPaths[scope]
	if !ok {
		return domain.Token{}, fmt.Errorf("unknown token scope %q", scope)
	}
	var out tokenResponse
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return domain.Token{}, err
	}
	if out.Token == "" {
		return domain.Token{}, fmt.Errorf("token response for %s scope carries no token", scope)
	}
	return domain.Token{Value: out.Token, Identity: domain.UserID(out.Identity)}, nil
}

func (c *Client) SetCallingStatus(ctx context.Context, remote domain.UserID, audio, video bool) error {
	q := url.Values{}
	q.Set("IsAudio", strconv.FormatBool(audio))
	q.Set("IsVideo", strconv.FormatBool(video))
	path := "/ChatMessage/setCallingStatus/" + url.PathEscape(remote.String()) + "?" + q.Encode()
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

type historyRequest struct {
	CallSid  string `json:"callSid"`
	To       string `json:"to"`
	MemberID string `json:"memberId"`
}

func (c *Client) SaveCallHistory(ctx context.Context, h domain.CallHistory) error {
	return c.do(ctx, http.MethodPost, "/api/call/saveCallHistory", historyRequest{
		CallSid:  h.CallID,
		To:       h.To.String(),
		MemberID: h.MemberID.String(),
	}, nil)
}

type receiveResponse struct {
	IsAudioCalling bool `json:"isAudioCalling"`
	IsVideoCalling bool `json:"isVideoCalling"`
}

// FetchCallingStatus reads the remote's calling flags. The message list in
// the same response is ignored.
func (c *Client) FetchCallingStatus(ctx context.Context, remote domain.UserID) (domain.CallingStatus, error) {
	var out receiveResponse
	if err := c.do(ctx, http.MethodGet, "/ChatMessage/receive/"+url.PathEscape(remote.String()), nil, &out); err != nil {
		return domain.CallingStatus{}, err
	}
	return domain.CallingStatus{AudioCalling: out.IsAudioCalling, VideoCalling: out.IsVideoCalling}, nil
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	c.mu.RLock()
	base, token := c.baseURL, c.accessToken
	c.mu.RUnlock()
	if base == "" {
		return fmt.Errorf("%s %s: no base URL bound", method, path)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
