package sessionclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-service/internal/models"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrNoToken      = errors.New("no access token")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is one open duplex connection to the session endpoint
type Conn interface {
	ReadEvent() (models.SessionEvent, error)
	WriteEvent(ev models.SessionEvent) error
	Close() error
}

// Dialer opens a Conn authenticated by an access token
type Dialer interface {
	Dial(ctx context.Context, url, accessToken string) (Conn, error)
}

type ChannelConfig struct {
	URL            string
	BaseDelay      time.Duration
	MaxAttempts    int
	PingInterval   time.Duration
	StatusInterval time.Duration
	DialTimeout    time.Duration
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 60 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Listener receives events after the channel's own handling
type Listener func(ev models.SessionEvent)

// Channel keeps a reconnecting session channel open. Inbound events are
// handled in arrival order on a single reader goroutine.
type Channel struct {
	cfg      ChannelConfig
	dialer   Dialer
	storage  CredentialStore
	notifier *Notifier
	logger   *zap.Logger

	// OnForceLogout runs after local credentials are cleared
	onForceLogout func(reason string)

	schedule Scheduler
	every    Ticker
	now      func() time.Time

	mu          sync.Mutex
	state       State
	conn        Conn
	attempts    int
	exhausted   bool
	intentional bool
	// gen advances on every dial and on Disconnect; a dial whose
	// generation is no longer current discards its result
	gen         uint64
	stopTimers  []func()
	cancelRetry func()

	writeMu sync.Mutex

	lmu       sync.RWMutex
	nextID    int
	listeners map[string]map[int]Listener
}

type ChannelOption func(*Channel)

// WithScheduler replaces the timer primitives, for tests
func WithScheduler(schedule Scheduler, every Ticker) ChannelOption {
	return func(c *Channel) {
		c.schedule = schedule
		c.every = every
	}
}

func WithForceLogoutHandler(fn func(reason string)) ChannelOption {
	return func(c *Channel) { c.onForceLogout = fn }
}

func NewChannel(cfg ChannelConfig, dialer Dialer, storage CredentialStore, notifier *Notifier, logger *zap.Logger, opts ...ChannelOption) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		cfg:       cfg.withDefaults(),
		dialer:    dialer,
		storage:   storage,
		notifier:  notifier,
		logger:    logger.Named("channel"),
		schedule:  realScheduler,
		every:     realTicker,
		now:       time.Now,
		listeners: make(map[string]map[int]Listener),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Exhausted reports that reconnection gave up
func (c *Channel) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// Connect dials the endpoint and returns once it is open or has failed. A
// failure enters the reconnect path.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.intentional = false
	c.exhausted = false
	c.attempts = 0
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *Channel) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.intentional || c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.cancelRetry = nil
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	tok := c.storage.AccessToken()
	var conn Conn
	err := ErrNoToken
	if tok != "" {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, err = c.dialer.Dial(dctx, c.cfg.URL, tok)
		cancel()
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		c.logger.Debug("discarding superseded dial")
		return nil
	}
	if err != nil {
		c.state = Disconnected
		c.mu.Unlock()
		c.logger.Debug("connect failed", zap.Error(err))
		c.scheduleReconnect()
		return fmt.Errorf("connect session channel: %w", err)
	}
	if c.intentional {
		c.state = Disconnected
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.state = Connected
	c.conn = conn
	c.attempts = 0
	c.stopTimers = []func(){
		c.every(c.cfg.PingInterval, c.ping),
		c.every(c.cfg.StatusInterval, c.RequestSessionStatus),
	}
	c.mu.Unlock()

	c.logger.Info("session channel connected")
	go c.readLoop(conn)
	return nil
}

// scheduleReconnect waits BackoffDelay(base, n) before attempt n and gives
// up after MaxAttempts.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.intentional || c.cancelRetry != nil {
		return
	}
	c.attempts++
	if c.attempts > c.cfg.MaxAttempts {
		c.exhausted = true
		c.logger.Warn("session channel disconnected, giving up", zap.Int("attempts", c.cfg.MaxAttempts))
		return
	}
	delay := BackoffDelay(c.cfg.BaseDelay, c.attempts)
	c.logger.Debug("scheduling reconnect", zap.Int("attempt", c.attempts), zap.Duration("delay", delay))
	c.cancelRetry = c.schedule(delay, func() {
		_ = c.dial(context.Background())
	})
}

func (c *Channel) readLoop(conn Conn) {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.dispatch(ev)
	}
}

func (c *Channel) handleClose(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	stops := c.stopTimers
	c.stopTimers = nil
	intentional := c.intentional
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	_ = conn.Close()
	if intentional {
		return
	}
	c.logger.Info("session channel closed", zap.Error(err))
	c.scheduleReconnect()
}

// Disconnect stops timers and closes the channel without reconnecting.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	c.state = Disconnected
	c.gen++
	conn := c.conn
	c.conn = nil
	stops := c.stopTimers
	c.stopTimers = nil
	cancel := c.cancelRetry
	c.cancelRetry = nil
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) dispatch(ev models.SessionEvent) {
	switch ev.Type {
	case models.ForceLogout:
		var data models.ForceLogoutData
		_ = json.Unmarshal(ev.Data, &data)
		c.storage.Clear()
		c.Disconnect()
		if data.Reason == models.ReasonSessionExpired {
			c.notifier.ShowSessionExpired()
		}
		if c.onForceLogout != nil {
			c.onForceLogout(data.Reason)
		}
	case models.SessionWarning:
		var data models.SessionWarningData
		_ = json.Unmarshal(ev.Data, &data)
		c.notifier.ShowSessionWarning(data.Message, data.SecondsRemaining)
	case models.SessionUpdate:
		var data models.SessionUpdateData
		if err := json.Unmarshal(ev.Data, &data); err == nil && data.Session != nil {
			c.storage.SetSession(data.Session)
		}
	case models.ActivityUpdate:
	}
	c.emit(ev)
}

// AddListener subscribes fn to one event type and returns its remover
func (c *Channel) AddListener(eventType string, fn Listener) func() {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	id := c.nextID
	c.nextID++
	if c.listeners[eventType] == nil {
		c.listeners[eventType] = make(map[int]Listener)
	}
	c.listeners[eventType][id] = fn
	return func() {
		c.lmu.Lock()
		delete(c.listeners[eventType], id)
		c.lmu.Unlock()
	}
}

func (c *Channel) emit(ev models.SessionEvent) {
	c.lmu.RLock()
	fns := make([]Listener, 0, len(c.listeners[ev.Type]))
	for _, fn := range c.listeners[ev.Type] {
		fns = append(fns, fn)
	}
	c.lmu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Channel) send(eventType string, data interface{}) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	ev, err := models.NewSessionEvent(eventType, data, c.now())
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteEvent(ev)
}

func (c *Channel) ping() {
	if err := c.send(models.Ping, nil); err != nil {
		c.logger.Debug("ping failed", zap.Error(err))
	}
}

// UpdateActivity reports activity; a no-op unless connected.
func (c *Channel) UpdateActivity(action, page string) {
	if action == "" && page == "" {
		return
	}
	if err := c.send(models.ActivityUpdate, models.ActivityData{Action: action, Page: page, At: c.now().UTC()}); err != nil {
		c.logger.Debug("activity not sent", zap.Error(err))
	}
}

// RequestSessionStatus asks for a session snapshot; a no-op unless connected.
func (c *Channel) RequestSessionStatus() {
	if err := c.send(models.SessionStatus, nil); err != nil {
		c.logger.Debug("status request not sent", zap.Error(err))
	}
}
