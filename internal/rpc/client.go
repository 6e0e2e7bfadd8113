package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"adsync/internal/auth"
	"adsync/internal/metrics"
)

const (
	defaultTimeout   = 30 * time.Second
	refreshThreshold = 5 * time.Minute
)

// Paths that must never trigger or wait on a token refresh.
var exemptPaths = map[string]struct{}{
	"/auth/login":    {},
	"/auth/register": {},
	"/auth/refresh":  {},
	"/auth/logout":   {},
	"/auth/session":  {},
}

func exemptPath(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	_, ok := exemptPaths[path]
	return ok
}

// Hooks are caller-registered side-effect callbacks. They are notification
// only: the client never retries on their behalf. All hooks fire
// synchronously on the goroutine that issued the request.
type Hooks struct {
	SessionInvalidated func()
	Forbidden          func(*APIError)
	RateLimited        func(*APIError)
	ServerError        func(*APIError)
	PlatformError      func(*APIError)
}

// TokenState is a snapshot of the client's credentials, suitable for
// persisting between runs.
type TokenState struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	Expiry       time.Time `json:"expiry"`
}

type Options struct {
	BaseURL string
	Timeout time.Duration

	// Tokens seeds credentials from a previous run. Expiry is a hint; the
	// access token's own exp claim wins when it parses.
	Tokens TokenState

	Metrics    *metrics.Collector
	HTTPClient *http.Client
}

// Client is the single point of outbound communication with the backend. It
// owns the auth token lifecycle: proactive refresh, single-flight refresh
// deduplication, and retry-after-refresh on 401.
type Client struct {
	baseURL string
	http    *http.Client
	metrics *metrics.Collector

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	tokenExpiry  time.Time

	refreshGroup singleflight.Group

	hooksMu sync.Mutex
	hooks   []Hooks
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("missing base URL")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		metrics: opts.Metrics,
	}
	c.SetTokens(opts.Tokens)
	return c, nil
}

// Subscribe registers a hook set. Hooks cannot be unregistered; callers that
// outlive their interest should no-op internally (e.g. after logout).
func (c *Client) Subscribe(h Hooks) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, h)
}

// Tokens returns a snapshot of the current credential state.
func (c *Client) Tokens() TokenState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TokenState{AccessToken: c.accessToken, RefreshToken: c.refreshToken, Expiry: c.tokenExpiry}
}

// SetTokens replaces the credential state. The access token's exp claim, when
// parseable, overrides the provided expiry hint.
func (c *Client) SetTokens(ts TokenState) {
	expiry := ts.Expiry
	if ts.AccessToken != "" {
		if exp, err := auth.ExtractExpiry(ts.AccessToken); err == nil {
			expiry = exp
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = ts.AccessToken
	if ts.RefreshToken != "" {
		c.refreshToken = ts.RefreshToken
	}
	c.tokenExpiry = expiry
}

func (c *Client) clearTokens() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = ""
	c.refreshToken = ""
	c.tokenExpiry = time.Time{}
}

// Request performs one API call. Non-exempt requests get a proactive refresh
// when the token is close to expiry and a single refresh-and-retry on 401.
// out, when non-nil, receives the envelope's data field.
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	exempt := exemptPath(path)
	if !exempt {
		c.refreshIfExpiring(ctx)
	}

	err := c.do(ctx, method, path, body, out)
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if !exempt && errors.As(err, &apiErr) && apiErr.Unauthorized() {
		if refreshErr := c.refresh(ctx); refreshErr != nil {
			c.notifySessionInvalidated()
			c.dispatchHooks(err)
			return err
		}
		err = c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if errors.As(err, &apiErr) && apiErr.Unauthorized() {
			// Retried once already; do not loop.
			c.notifySessionInvalidated()
		}
	}

	c.dispatchHooks(err)
	return err
}

// refreshIfExpiring triggers a refresh when the tracked expiry is within the
// threshold. A failed refresh never blocks the original request; the backend
// rejects authoritatively if the token is truly dead.
func (c *Client) refreshIfExpiring(ctx context.Context) {
	c.mu.Lock()
	expiring := !c.tokenExpiry.IsZero() &&
		time.Until(c.tokenExpiry) < refreshThreshold &&
		c.refreshToken != ""
	c.mu.Unlock()
	if !expiring {
		return
	}
	_ = c.refresh(ctx)
}

// refresh performs the token refresh, deduplicated so concurrent triggers
// share one network call and one outcome. A rejected refresh token clears
// local token state for every waiter; transient failures leave it intact.
func (c *Client) refresh(ctx context.Context) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		c.mu.Lock()
		rt := c.refreshToken
		c.mu.Unlock()
		if rt == "" {
			return nil, &APIError{Code: CodeUnauthorized, Status: 401, Message: "no refresh token"}
		}

		var resp tokenResponse
		if err := c.do(ctx, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: rt}, &resp); err != nil {
			// Only a rejected refresh token kills the session. Transport
			// blips and backend hiccups keep the current tokens, which may
			// still be perfectly valid.
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Unauthorized() {
				c.clearTokens()
			}
			c.metrics.ObserveRefresh("failure")
			return nil, err
		}
		c.applyTokenResponse(resp)
		c.metrics.ObserveRefresh("success")
		return nil, nil
	})
	return err
}

func (c *Client) applyTokenResponse(resp tokenResponse) {
	ts := TokenState{
		AccessToken:  resp.Token,
		RefreshToken: resp.RefreshToken,
	}
	if resp.ExpiresIn > 0 {
		ts.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	c.SetTokens(ts)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

type errorBody struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	RetryAfter int               `json:"retry_after,omitempty"`
	Platform   string            `json:"platform,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	// Metrics label on the path only, or the query would blow up cardinality.
	metricPath := path
	if i := strings.IndexByte(metricPath, '?'); i >= 0 {
		metricPath = metricPath[:i]
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(method, metricPath, 0, time.Since(start))
		return &TransportError{Err: err, Timeout: isTimeout(err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.ObserveRequest(method, metricPath, 0, time.Since(start))
		return &TransportError{Err: err}
	}
	c.metrics.ObserveRequest(method, metricPath, resp.StatusCode, time.Since(start))

	var env envelope
	if len(data) > 0 {
		// A decode failure falls through to status-based mapping below.
		_ = json.Unmarshal(data, &env)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && env.Error == nil {
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	return newAPIError(resp.StatusCode, env.Error)
}

func newAPIError(status int, body *errorBody) *APIError {
	apiErr := &APIError{Status: status, Code: codeForStatus(status)}
	if body != nil {
		if body.Code != "" {
			apiErr.Code = ErrorCode(body.Code)
		}
		apiErr.Message = body.Message
		apiErr.Details = body.Details
		apiErr.Platform = platformFrom(body.Platform)
		if body.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(body.RetryAfter) * time.Second
		}
	}
	return apiErr
}

func codeForStatus(status int) ErrorCode {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusTooManyRequests:
		return CodeRateLimited
	default:
		return CodeInternalError
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) dispatchHooks(err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return
	}

	c.hooksMu.Lock()
	hooks := make([]Hooks, len(c.hooks))
	copy(hooks, c.hooks)
	c.hooksMu.Unlock()

	for _, h := range hooks {
		switch {
		case apiErr.Code == CodeForbidden:
			if h.Forbidden != nil {
				h.Forbidden(apiErr)
			}
		case apiErr.Code == CodeRateLimited:
			if h.RateLimited != nil {
				h.RateLimited(apiErr)
			}
		case apiErr.Platform != "" || apiErr.Code == CodePlatformError ||
			apiErr.Code == CodePlatformTimeout || apiErr.Code == CodePlatformUnavailable:
			if h.PlatformError != nil {
				h.PlatformError(apiErr)
			}
		case apiErr.Status >= 500:
			if h.ServerError != nil {
				h.ServerError(apiErr)
			}
		}
	}
}

func (c *Client) notifySessionInvalidated() {
	c.hooksMu.Lock()
	hooks := make([]Hooks, len(c.hooks))
	copy(hooks, c.hooks)
	c.hooksMu.Unlock()

	for _, h := range hooks {
		if h.SessionInvalidated != nil {
			h.SessionInvalidated()
		}
	}
}
