package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"session-service/internal/models"
	"session-service/internal/token"
)

// SessionAPI is what the hub needs from the session service
type SessionAPI interface {
	Authenticate(ctx context.Context, accessToken string) (*token.Claims, *models.Session, error)
	Touch(ctx context.Context, sessionID string) (*models.Session, error)
	Status(ctx context.Context, sessionID string) (*models.Session, error)
}

type Config struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	InboundRate    float64
	InboundBurst   int
	AllowedOrigins []string
	SendBuffer     int
	MaxFrameBytes  int64
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 5
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 4096
	}
	return c
}

// Hub tracks live connections and routes bus envelopes to them.
type Hub struct {
	sessions SessionAPI
	bus      Bus
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.RWMutex
	conns   map[string]*Conn
	stopBus func() error
	closed  bool
	// wg counts connection pumps; Add happens under mu while !closed
	wg sync.WaitGroup
}

func NewHub(sessions SessionAPI, bus Bus, cfg Config, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	h := &Hub{
		sessions: sessions,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.Named("realtime"),
		now:      time.Now,
		conns:    make(map[string]*Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// Start subscribes the hub to the bus.
func (h *Hub) Start(ctx context.Context) error {
	stop, err := h.bus.Subscribe(ctx, h.deliver)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.stopBus = stop
	h.mu.Unlock()
	h.logger.Info("realtime hub started")
	return nil
}

// Close unsubscribes, closes every connection and waits for their pumps.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	stop := h.stopBus
	h.stopBus = nil
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var err error
	if stop != nil {
		err = stop()
	}
	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
	h.logger.Info("realtime hub stopped", zap.Int("closed_connections", len(conns)))
	return err
}

// Count returns the number of live connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeHTTP authenticates the access token from the query string (or a
// bearer header) and upgrades the request to a session channel.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isClosed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	accessToken := r.URL.Query().Get("token")
	if accessToken == "" {
		accessToken = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	claims, sess, err := h.sessions.Authenticate(r.Context(), accessToken)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(h, ws, claims.Subject, sess.SessionID)
	if !h.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	h.logger.Debug("session channel opened",
		zap.String("conn_id", c.id),
		zap.String("user_id", c.userID),
		zap.String("session_id", c.sessionID))

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
		h.unregister(c)
	}()

	c.sendEvent(models.SessionUpdate, models.SessionUpdateData{Session: sess})
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// register adds c and reserves its two pumps, refusing once Close has begun.
func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.wg.Add(2)
	return true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("session channel closed", zap.String("conn_id", c.id))
}

func (h *Hub) deliver(env Envelope) {
	raw, err := json.Marshal(env.Event)
	if err != nil {
		h.logger.Error("failed to encode session event", zap.Error(err))
		return
	}
	final := env.Event.Type == models.ForceLogout

	h.mu.RLock()
	var targets []*Conn
	for _, c := range h.conns {
		if c.id == env.ExcludeConn {
			continue
		}
		switch {
		case env.SessionID != "":
			if c.sessionID != env.SessionID {
				continue
			}
		case env.UserID != "":
			if c.userID != env.UserID {
				continue
			}
		default:
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(raw, final)
	}
}

func newConnID() string {
	return uuid.New().String()
}
