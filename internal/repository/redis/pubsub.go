package redis

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"session-service/internal/client"
)

// PubSub publishes and receives raw payloads on one Redis channel
type PubSub struct {
	client  *client.RedisClient
	channel string
	logger  *zap.Logger
}

func NewPubSub(c *client.RedisClient, channel string, logger *zap.Logger) *PubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSub{client: c, channel: channel, logger: logger}
}

func (p *PubSub) Publish(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.channel, payload); err != nil {
		p.logger.Error("Failed to publish", zap.String("channel", p.channel), zap.Error(err))
		return fmt.Errorf("failed to publish on %s: %w", p.channel, err)
	}
	return nil
}

// Subscribe delivers every payload to handler on a dedicated goroutine until
// the returned stop function is called or ctx is cancelled.
func (p *PubSub) Subscribe(ctx context.Context, handler func([]byte)) (func() error, error) {
	sub := p.client.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", p.channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	var once sync.Once
	var closeErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			closeErr = sub.Close()
			<-done
		})
		return closeErr
	}
	return stop, nil
}
