package rpc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"adsync/internal/backendtest"
)

func newTestClient(t *testing.T, opts Options) (*Client, *backendtest.Backend, func()) {
	t.Helper()
	backend := backendtest.New()
	srv := httptest.NewServer(backend.Handler())
	opts.BaseURL = srv.URL
	client, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client, backend, srv.Close
}

func loggedInClient(t *testing.T, ttl time.Duration) (*Client, *backendtest.Backend, func()) {
	t.Helper()
	client, backend, done := newTestClient(t, Options{})
	uid := backend.CreateUser("user@example.com", "pw")
	access, refresh, err := backend.IssueTokensWithTTL(uid, ttl)
	if err != nil {
		t.Fatalf("IssueTokensWithTTL: %v", err)
	}
	client.SetTokens(TokenState{AccessToken: access, RefreshToken: refresh})
	return client, backend, done
}

func TestClient_LoginAndSession(t *testing.T) {
	client, backend, done := newTestClient(t, Options{})
	defer done()
	backend.CreateUser("user@example.com", "pw")

	ctx := context.Background()
	if err := client.Login(ctx, Credentials{Email: "user@example.com", Password: "pw"}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	ts := client.Tokens()
	if ts.AccessToken == "" || ts.RefreshToken == "" {
		t.Fatalf("expected tokens after login")
	}
	if ts.Expiry.IsZero() {
		t.Fatalf("expected tracked expiry after login")
	}

	info, err := client.Session(ctx)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if info.Email != "user@example.com" {
		t.Fatalf("expected session email, got %q", info.Email)
	}
}

func TestClient_LoginBadPassword(t *testing.T) {
	client, backend, done := newTestClient(t, Options{})
	defer done()
	backend.CreateUser("user@example.com", "pw")

	err := client.Login(context.Background(), Credentials{Email: "user@example.com", Password: "nope"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %s", apiErr.Code)
	}
}

func TestClient_RefreshSingleFlight(t *testing.T) {
	client, backend, done := loggedInClient(t, time.Hour)
	defer done()

	// Hold the refresh in flight so every concurrent trigger joins it.
	backend.DelayNext(http.MethodPost, "/auth/refresh", 1, 300*time.Millisecond)

	const n = 10
	start := make(chan struct{})
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = client.Refresh(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if calls := backend.RefreshCalls(); calls != 1 {
		t.Fatalf("expected 1 refresh call, got %d", calls)
	}
}

func TestClient_Unauthorized_RefreshAndRetryOnce(t *testing.T) {
	client, backend, done := loggedInClient(t, time.Hour)
	defer done()

	backend.RevokeAccessToken(client.Tokens().AccessToken)

	if err := client.Request(context.Background(), http.MethodGet, "/accounts", nil, nil); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls := backend.RefreshCalls(); calls != 1 {
		t.Fatalf("expected 1 refresh call, got %d", calls)
	}
}

func TestClient_Second401PropagatesWithoutFurtherRetry(t *testing.T) {
	client, backend, done := loggedInClient(t, time.Hour)
	defer done()

	invalidated := 0
	client.Subscribe(Hooks{SessionInvalidated: func() { invalidated++ }})

	backend.FailNext(http.MethodGet, "/accounts", 2, backendtest.Failure{
		Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "nope",
	})

	err := client.Request(context.Background(), http.MethodGet, "/accounts", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Unauthorized() {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if calls := backend.RefreshCalls(); calls != 1 {
		t.Fatalf("expected exactly 1 refresh, got %d", calls)
	}
	if invalidated != 1 {
		t.Fatalf("expected 1 session-invalidated signal, got %d", invalidated)
	}

	// Both scripted 401s were consumed by the original call and its single
	// retry; the next request goes straight through.
	if err := client.Request(context.Background(), http.MethodGet, "/accounts", nil, nil); err != nil {
		t.Fatalf("expected clean request after scripted failures, got %v", err)
	}
}

func TestClient_RefreshFailureClearsTokensAndSignals(t *testing.T) {
	client, backend, done := loggedInClient(t, time.Hour)
	defer done()

	invalidated := 0
	client.Subscribe(Hooks{SessionInvalidated: func() { invalidated++ }})

	backend.RevokeAccessToken(client.Tokens().AccessToken)
	backend.FailNext(http.MethodPost, "/auth/refresh", 1, backendtest.Failure{
		Status: http.StatusUnauthorized, Code: "TOKEN_INVALID", Message: "revoked",
	})

	err := client.Request(context.Background(), http.MethodGet, "/accounts", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Unauthorized() {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if invalidated != 1 {
		t.Fatalf("expected session-invalidated signal, got %d", invalidated)
	}
	if ts := client.Tokens(); ts.AccessToken != "" || ts.RefreshToken != "" {
		t.Fatalf("expected cleared token state, got %+v", ts)
	}
}

func TestClient_TransientRefreshFailureKeepsTokens(t *testing.T) {
	client, backend, done := loggedInClient(t, 2*time.Minute)
	defer done()

	backend.FailNext(http.MethodPost, "/auth/refresh", 1, backendtest.Failure{
		Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "boom",
	})

	// The proactive refresh fails on a backend hiccup; the request still
	// goes out with the current, valid token.
	if err := client.Request(context.Background(), http.MethodGet, "/accounts", nil, nil); err != nil {
		t.Fatalf("expected request to succeed past failed refresh, got %v", err)
	}
	if ts := client.Tokens(); ts.AccessToken == "" || ts.RefreshToken == "" {
		t.Fatalf("expected tokens kept after transient refresh failure, got %+v", ts)
	}

	// With the backend healthy again the next trigger refreshes normally,
	// because the refresh token survived the hiccup.
	if err := client.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
}

func TestClient_ProactiveRefreshNearExpiry(t *testing.T) {
	client, backend, done := loggedInClient(t, 2*time.Minute)
	defer done()

	if err := client.Request(context.Background(), http.MethodGet, "/accounts", nil, nil); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if calls := backend.RefreshCalls(); calls != 1 {
		t.Fatalf("expected proactive refresh, got %d calls", calls)
	}

	// The refreshed token is outside the threshold; no further refresh.
	if err := client.Request(context.Background(), http.MethodGet, "/accounts", nil, nil); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if calls := backend.RefreshCalls(); calls != 1 {
		t.Fatalf("expected no second refresh, got %d calls", calls)
	}
}

func TestClient_ExemptPathsSkipProactiveRefresh(t *testing.T) {
	client, backend, done := loggedInClient(t, 2*time.Minute)
	defer done()

	if _, err := client.Session(context.Background()); err != nil {
		t.Fatalf("Session: %v", err)
	}
	if calls := backend.RefreshCalls(); calls != 0 {
		t.Fatalf("expected no refresh for exempt path, got %d", calls)
	}
}

func TestClient_LogoutClearsTokensAndRevokesRefresh(t *testing.T) {
	client, _, done := loggedInClient(t, time.Hour)
	defer done()

	if err := client.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if ts := client.Tokens(); ts.AccessToken != "" || ts.RefreshToken != "" {
		t.Fatalf("expected cleared token state, got %+v", ts)
	}

	if err := client.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh to fail after logout")
	}
}

func TestClient_RateLimitedErrorAndHook(t *testing.T) {
	client, backend, done := loggedInClient(t, time.Hour)
	defer done()

	var hooked *APIError
	client.Subscribe(Hooks{RateLimited: func(e *APIError) { hooked = e }})

	backend.FailNext(http.MethodGet, "/accounts", 1, backendtest.Failure{
		Status: http.StatusTooManyRequests, Code: "RATE_LIMITED",
		Message: "slow down", RetryAfter: 30,
	})

	err := client.Request(context.Background(), http.MethodGet, "/accounts", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != CodeRateLimited || apiErr.RetryAfter != 30*time.Second {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if !apiErr.Retryable() {
		t.Fatalf("expected rate-limited to be retryable")
	}
	if hooked == nil || hooked.Code != CodeRateLimited {
		t.Fatalf("expected rate-limited hook, got %+v", hooked)
	}
}

func TestClient_PlatformErrorHook(t *testing.T) {
	client, backend, done := loggedInClient(t, time.Hour)
	defer done()

	var hooked *APIError
	client.Subscribe(Hooks{PlatformError: func(e *APIError) { hooked = e }})

	backend.FailNext(http.MethodGet, "/accounts", 1, backendtest.Failure{
		Status: http.StatusBadGateway, Code: "PLATFORM_UNAVAILABLE",
		Message: "meta is down", Platform: "meta",
	})

	err := client.Request(context.Background(), http.MethodGet, "/accounts", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Platform != "meta" {
		t.Fatalf("expected platform tag, got %+v", apiErr)
	}
	if hooked == nil {
		t.Fatalf("expected platform-error hook")
	}
}

func TestClient_ValidationDetails(t *testing.T) {
	client, backend, done := loggedInClient(t, time.Hour)
	defer done()

	backend.FailNext(http.MethodGet, "/accounts", 1, backendtest.Failure{
		Status: http.StatusBadRequest, Code: "VALIDATION_ERROR",
		Message: "invalid input", Details: map[string]string{"email": "must be a valid email"},
	})

	err := client.Request(context.Background(), http.MethodGet, "/accounts", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Details["email"] != "must be a valid email" {
		t.Fatalf("expected field detail, got %+v", apiErr.Details)
	}
}

func TestClient_RequestTimeoutIsTransportError(t *testing.T) {
	client, backend, done := newTestClient(t, Options{Timeout: 100 * time.Millisecond})
	defer done()
	uid := backend.CreateUser("user@example.com", "pw")
	access, refresh, err := backend.IssueTokens(uid)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	client.SetTokens(TokenState{AccessToken: access, RefreshToken: refresh})

	backend.DelayNext(http.MethodGet, "/accounts", 1, 500*time.Millisecond)

	reqErr := client.Request(context.Background(), http.MethodGet, "/accounts", nil, nil)
	var transportErr *TransportError
	if !errors.As(reqErr, &transportErr) {
		t.Fatalf("expected TransportError, got %v", reqErr)
	}
	if !transportErr.Timeout {
		t.Fatalf("expected timeout flag, got %+v", transportErr)
	}
}

func TestAPIError_UserMessage(t *testing.T) {
	e := &APIError{Code: CodeRateLimited, RetryAfter: 30 * time.Second}
	msg := e.UserMessage()
	if msg == "" || msg == "Something went wrong" {
		t.Fatalf("expected specific message, got %q", msg)
	}

	e = &APIError{Code: CodePlatformUnavailable, Platform: "tiktok"}
	if got := e.UserMessage(); got == "" {
		t.Fatalf("expected message, got %q", got)
	}
}
