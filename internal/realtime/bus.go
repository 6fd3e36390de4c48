// Package realtime is the server side of the session channel: a hub of
// websocket connections fed by an event bus so any node can reach any
// connection.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"session-service/internal/models"
)

// Envelope addresses one event. SessionID takes precedence over UserID;
// ExcludeConn skips the originating connection on fan-out.
type Envelope struct {
	SessionID   string              `json:"sessionId,omitempty"`
	UserID      string              `json:"userId,omitempty"`
	ExcludeConn string              `json:"excludeConn,omitempty"`
	Event       models.SessionEvent `json:"event"`
}

// Bus carries envelopes between publishers and hubs.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, handler func(Envelope)) (func() error, error)
}

// MemoryBus delivers envelopes synchronously within the process
type MemoryBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Envelope)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]func(Envelope))}
}

func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	hs := make([]func(Envelope), 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(env)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, handler func(Envelope)) (func() error, error) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() error {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
		return nil
	}, nil
}

// Broadcaster moves raw payloads between processes, e.g. a Redis channel.
type Broadcaster interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handler func([]byte)) (func() error, error)
}

// BroadcastBus encodes envelopes as JSON over a Broadcaster
type BroadcastBus struct {
	b      Broadcaster
	logger *zap.Logger
}

func NewBroadcastBus(b Broadcaster, logger *zap.Logger) *BroadcastBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BroadcastBus{b: b, logger: logger}
}

func (b *BroadcastBus) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return b.b.Publish(ctx, raw)
}

func (b *BroadcastBus) Subscribe(ctx context.Context, handler func(Envelope)) (func() error, error) {
	return b.b.Subscribe(ctx, func(raw []byte) {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			b.logger.Warn("dropping malformed envelope", zap.Error(err))
			return
		}
		handler(env)
	})
}

// Publisher addresses session events onto a Bus
type Publisher struct {
	bus Bus
}

func NewPublisher(bus Bus) *Publisher {
	return &Publisher{bus: bus}
}

func (p *Publisher) PublishToSession(ctx context.Context, sessionID string, ev models.SessionEvent) error {
	return p.bus.Publish(ctx, Envelope{SessionID: sessionID, Event: ev})
}

func (p *Publisher) PublishToUser(ctx context.Context, userID string, ev models.SessionEvent) error {
	return p.bus.Publish(ctx, Envelope{UserID: userID, Event: ev})
}
