package sessionclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"session-service/internal/models"
)

// WebsocketDialer dials the session endpoint with gorilla/websocket,
// passing the access token as the token query parameter.
type WebsocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		Dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		WriteTimeout: 10 * time.Second,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, rawURL, accessToken string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse channel url: %w", err)
	}
	q := u.Query()
	q.Set("token", accessToken)
	u.RawQuery = q.Encode()

	ws, resp, err := d.Dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return &wsConn{ws: ws, writeTimeout: d.WriteTimeout}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

// ReadEvent skips frames that are not session events
func (c *wsConn) ReadEvent() (models.SessionEvent, error) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return models.SessionEvent{}, err
		}
		var ev models.SessionEvent
		if err := json.Unmarshal(raw, &ev); err == nil && ev.Type != "" {
			return ev, nil
		}
	}
}

func (c *wsConn) WriteEvent(ev models.SessionEvent) error {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(ev)
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
