package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"session-service/internal/models"
	"session-service/internal/service"
)

type outbound struct {
	data  []byte
	final bool
}

// Conn is one websocket session channel
type Conn struct {
	id        string
	userID    string
	sessionID string

	hub     *Hub
	ws      *websocket.Conn
	send    chan outbound
	limiter *rate.Limiter
	logger  *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(h *Hub, ws *websocket.Conn, userID, sessionID string) *Conn {
	id := newConnID()
	return &Conn{
		id:        id,
		userID:    userID,
		sessionID: sessionID,
		hub:       h,
		ws:        ws,
		send:      make(chan outbound, h.cfg.SendBuffer),
		limiter:   rate.NewLimiter(rate.Limit(h.cfg.InboundRate), h.cfg.InboundBurst),
		logger:    h.logger.With(zap.String("conn_id", id)),
		done:      make(chan struct{}),
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// enqueue never blocks; a full buffer means the client is not keeping up
// and the connection is dropped.
func (c *Conn) enqueue(data []byte, final bool) {
	select {
	case <-c.done:
	case c.send <- outbound{data: data, final: final}:
	default:
		c.logger.Warn("send buffer full, closing slow connection")
		c.close()
	}
}

func (c *Conn) sendEvent(eventType string, data interface{}) {
	ev, err := models.NewSessionEvent(eventType, data, c.hub.now())
	if err != nil {
		c.logger.Error("failed to encode session event", zap.String("type", eventType), zap.Error(err))
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("failed to encode session event", zap.String("type", eventType), zap.Error(err))
		return
	}
	c.enqueue(raw, eventType == models.ForceLogout)
}

func (c *Conn) writePump() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
			if msg.final {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(c.hub.cfg.WriteTimeout))
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(c.hub.cfg.MaxFrameBytes)
	extend := func() {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	}
	extend()
	c.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		extend()

		if !c.limiter.Allow() {
			c.logger.Warn("inbound frame rate exceeded, dropping frame")
			continue
		}

		var ev models.SessionEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		c.handle(ev)
	}
}

func (c *Conn) handle(ev models.SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.cfg.WriteTimeout)
	defer cancel()

	switch ev.Type {
	case models.Ping:
	case models.SessionStatus:
		sess, err := c.hub.sessions.Status(ctx, c.sessionID)
		if err != nil {
			c.endSession(err)
			return
		}
		c.sendEvent(models.SessionUpdate, models.SessionUpdateData{Session: sess})
	case models.ActivityUpdate:
		sess, err := c.hub.sessions.Touch(ctx, c.sessionID)
		if err != nil {
			c.endSession(err)
			return
		}
		var in models.ActivityData
		if len(ev.Data) > 0 {
			_ = json.Unmarshal(ev.Data, &in)
		}
		out, err := models.NewSessionEvent(models.ActivityUpdate, models.ActivityData{
			Action:    in.Action,
			Page:      in.Page,
			UserID:    c.userID,
			SessionID: c.sessionID,
			At:        sess.LastActivity,
		}, c.hub.now())
		if err != nil {
			return
		}
		if err := c.hub.bus.Publish(ctx, Envelope{UserID: c.userID, ExcludeConn: c.id, Event: out}); err != nil {
			c.logger.Warn("failed to publish activity", zap.Error(err))
		}
	default:
		c.logger.Debug("ignoring unknown frame type", zap.String("type", ev.Type))
	}
}

// endSession tells the client its session is gone and closes the channel.
// Lookup failures other than an invalid session leave the channel open.
func (c *Conn) endSession(err error) {
	var ae *service.AuthError
	if !errors.As(err, &ae) || ae.Status != http.StatusUnauthorized {
		c.logger.Warn("session lookup failed", zap.Error(err))
		return
	}
	c.sendEvent(models.ForceLogout, models.ForceLogoutData{Reason: models.ReasonSessionExpired})
}
