package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"adsync/internal/model"
)

func wsURL(srv *httptest.Server, token string) string {
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	if token != "" {
		endpoint += "?token=" + url.QueryEscape(token)
	}
	return endpoint
}

func dialStream(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, token), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) model.StreamEvent {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read stream frame: %v", err)
	}
	var event model.StreamEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatalf("decode stream frame: %v", err)
	}
	return event
}

func TestStreamRejectsBadToken(t *testing.T) {
	backend := New()
	srv := httptest.NewServer(backend.Handler())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if err == nil {
		t.Fatalf("expected handshake failure without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
	resp.Body.Close()

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "not-a-token"), nil)
	if err == nil {
		t.Fatalf("expected handshake failure with bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
	resp.Body.Close()
}

func TestStreamScopesEventsToUser(t *testing.T) {
	backend := New()
	srv := httptest.NewServer(backend.Handler())
	defer srv.Close()

	uid1 := backend.CreateUser("one@example.com", "pw")
	uid2 := backend.CreateUser("two@example.com", "pw")
	access1, _, err := backend.IssueTokens(uid1)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	access2, _, err := backend.IssueTokens(uid2)
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}

	ws1 := dialStream(t, srv, access1)
	defer ws1.Close()
	ws2 := dialStream(t, srv, access2)
	defer ws2.Close()

	// The first frame on each connection is the subscription ack.
	if ev := readEvent(t, ws1); ev.Type != model.EventConnected {
		t.Fatalf("expected connected ack, got %q", ev.Type)
	}
	if ev := readEvent(t, ws2); ev.Type != model.EventConnected {
		t.Fatalf("expected connected ack, got %q", ev.Type)
	}

	backend.Emit(uid1, model.EventSyncStarted, model.SyncStartedData{
		Platform: model.PlatformMeta, AccountID: "a1",
	})

	ev := readEvent(t, ws1)
	if ev.Type != model.EventSyncStarted {
		t.Fatalf("expected sync started, got %q", ev.Type)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Fatalf("expected populated envelope, got %+v", ev)
	}

	// The other user's connection stays quiet.
	ws2.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, raw, err := ws2.ReadMessage(); err == nil {
		t.Fatalf("expected no frame for other user, got %s", raw)
	}
}
