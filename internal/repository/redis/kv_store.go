package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"session-service/internal/client"
	"session-service/internal/store"
)

const (
	defaultKeyPrefix = "session_service:"
	opTimeout        = 5 * time.Second
)

// fixedWindowScript increments a counter and starts its window on the first hit
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// KVStore implements store.KV on Redis; expiry is enforced by Redis itself.
type KVStore struct {
	client *client.RedisClient
	prefix string
	logger *zap.Logger
}

func NewKVStore(c *client.RedisClient, prefix string, logger *zap.Logger) *KVStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVStore{client: c, prefix: prefix, logger: logger}
}

func (s *KVStore) key(k string) string {
	return s.prefix + k
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", store.ErrUnavailable, op, err)
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := s.client.GetBytes(ctx, s.key(key))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, false, nil
		}
		s.logger.Error("kv get failed", zap.String("key", key), zap.Error(err))
		return nil, false, unavailable("get", err)
	}
	return val, true, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl); err != nil {
		s.logger.Error("kv set failed", zap.String("key", key), zap.Duration("ttl", ttl), zap.Error(err))
		return unavailable("set", err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, keys ...string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...); err != nil {
		s.logger.Error("kv delete failed", zap.Strings("keys", keys), zap.Error(err))
		return unavailable("del", err)
	}
	return nil
}

func (s *KVStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.client.RunScript(ctx, fixedWindowScript, []string{s.key(key)}, window.Milliseconds())
	if err != nil {
		s.logger.Error("kv incr failed", zap.String("key", key), zap.Error(err))
		return 0, 0, unavailable("incr", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected incr script result %T", res)
	}
	count, _ := vals[0].(int64)
	pttl, _ := vals[1].(int64)

	var ttl time.Duration
	if pttl > 0 {
		ttl = time.Duration(pttl) * time.Millisecond
	}
	return count, ttl, nil
}

func (s *KVStore) Ping(ctx context.Context) error {
	if err := s.client.Client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

var _ store.KV = (*KVStore)(nil)
