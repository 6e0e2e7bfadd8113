package backendtest

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"adsync/internal/hub"
	"adsync/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

// serveStream upgrades to a websocket, authenticates via the token query
// parameter, and delivers hub events until the connection drops.
func (b *Backend) serveStream(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Missing authentication token")
		return
	}
	uid, err := b.verifyAccess(tokenString)
	if err != nil {
		fail(c, http.StatusUnauthorized, "TOKEN_INVALID", "Invalid authentication token")
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	writer := &wsWriter{conn: ws}
	sub := &hub.Subscriber{UserID: uid, Writer: writer}
	b.Hub.Register(sub)
	defer func() {
		b.Hub.Unregister(sub)
		_ = ws.Close()
	}()

	// First frame acknowledges the subscription.
	b.Emit(uid, model.EventConnected, gin.H{"userId": uid})

	ws.SetReadLimit(64 * 1024)
	const pongWait = 60 * time.Second
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	defer closeOnce.Do(func() { close(done) })

	go func() {
		ticker := time.NewTicker((pongWait * 9) / 10)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	// The stream is server-to-client; inbound frames are drained only to
	// detect the close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
