package sessionclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BroadcastChannel is a best-effort fan-out primitive shared by sibling
// client contexts of the same user.
type BroadcastChannel interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handler func([]byte)) (func() error, error)
}

type crossMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Origin    string          `json:"origin"`
	Timestamp time.Time       `json:"timestamp"`
}

// CrossContext syncs session events between sibling contexts. With no
// broadcast channel every operation is a no-op.
type CrossContext struct {
	ch     BroadcastChannel
	origin string
	logger *zap.Logger

	mu        sync.RWMutex
	nextID    int
	listeners map[string]map[int]func(json.RawMessage)
	stop      func() error
}

func NewCrossContext(ch BroadcastChannel, logger *zap.Logger) *CrossContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrossContext{
		ch:        ch,
		origin:    uuid.New().String(),
		logger:    logger,
		listeners: make(map[string]map[int]func(json.RawMessage)),
	}
}

// Origin identifies this context on the channel
func (c *CrossContext) Origin() string {
	return c.origin
}

// Start subscribes to the channel. A subscribe failure degrades to a no-op.
func (c *CrossContext) Start(ctx context.Context) {
	if c.ch == nil {
		return
	}
	stop, err := c.ch.Subscribe(ctx, c.receive)
	if err != nil {
		c.logger.Warn("cross-context sync unavailable", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.stop = stop
	c.mu.Unlock()
}

func (c *CrossContext) Close() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		_ = stop()
	}
}

// SendMessage broadcasts to sibling contexts. Delivery is best effort.
func (c *CrossContext) SendMessage(msgType string, data interface{}) {
	if c == nil || c.ch == nil {
		return
	}
	msg := crossMessage{Type: msgType, Origin: c.origin, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			c.logger.Debug("cross-context encode failed", zap.Error(err))
			return
		}
		msg.Data = raw
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.ch.Publish(context.Background(), payload); err != nil {
		c.logger.Debug("cross-context send failed", zap.String("type", msgType), zap.Error(err))
	}
}

// AddListener registers fn for msgType and returns its remover
func (c *CrossContext) AddListener(msgType string, fn func(data json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.listeners[msgType] == nil {
		c.listeners[msgType] = make(map[int]func(json.RawMessage))
	}
	c.listeners[msgType][id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners[msgType], id)
		c.mu.Unlock()
	}
}

func (c *CrossContext) receive(payload []byte) {
	var msg crossMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if msg.Origin == c.origin {
		return
	}
	c.mu.RLock()
	fns := make([]func(json.RawMessage), 0, len(c.listeners[msg.Type]))
	for _, fn := range c.listeners[msg.Type] {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(msg.Data)
	}
}

// LocalHub is an in-process BroadcastChannel shared by contexts that live
// in the same process.
type LocalHub struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func([]byte)
}

func NewLocalHub() *LocalHub {
	return &LocalHub{handlers: make(map[int]func([]byte))}
}

func (h *LocalHub) Publish(_ context.Context, payload []byte) error {
	h.mu.RLock()
	hs := make([]func([]byte), 0, len(h.handlers))
	for _, fn := range h.handlers {
		hs = append(hs, fn)
	}
	h.mu.RUnlock()
	for _, fn := range hs {
		fn(payload)
	}
	return nil
}

func (h *LocalHub) Subscribe(_ context.Context, handler func([]byte)) (func() error, error) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.handlers[id] = handler
	h.mu.Unlock()
	return func() error {
		h.mu.Lock()
		delete(h.handlers, id)
		h.mu.Unlock()
		return nil
	}, nil
}
