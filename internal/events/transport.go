package events

import (
	"context"
	"encoding/json"
	"log"
	"net/url"

	"github.com/gorilla/websocket"

	"adsync/internal/model"
)

// Conn is one live stream connection.
type Conn interface {
	ReadEvent() (model.StreamEvent, error)
	Close() error
}

// Dialer opens stream connections. The websocket implementation is the
// production transport; tests substitute their own.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer dials the backend stream endpoint, authenticating with the
// token query parameter.
type WebsocketDialer struct {
	// URL is the stream endpoint in ws or wss form.
	URL string

	// Token supplies the current access token at dial time, so reconnects
	// after a refresh use fresh credentials.
	Token func() string
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	endpoint := d.URL
	if d.Token != nil {
		if token := d.Token(); token != "" {
			endpoint += "?token=" + url.QueryEscape(token)
		}
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

// ReadEvent blocks for the next stream event. Frames that do not decode as
// an event envelope are skipped; only transport errors end the connection.
func (c *wsConn) ReadEvent() (model.StreamEvent, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return model.StreamEvent{}, err
		}

		var event model.StreamEvent
		if err := json.Unmarshal(data, &event); err != nil || event.Type == "" {
			log.Printf("events: skipping malformed frame: %v", err)
			continue
		}
		return event, nil
	}
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
