package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"session-service/internal/client"
	"session-service/internal/models"
	"session-service/internal/repository"
)

const (
	sessionDataPrefix  = "session_data:"
	userSessionsPrefix = "user_sessions:"
	activeSessionsKey  = "active_sessions"

	// sessions outlive expiresAt briefly so the monitor can announce expiry
	sessionExpiryGrace = 5 * time.Minute
)

// SessionCache implements repository.SessionStore on Redis
type SessionCache struct {
	client *client.RedisClient
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

func NewSessionCache(c *client.RedisClient, prefix string, logger *zap.Logger) *SessionCache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionCache{client: c, prefix: prefix, logger: logger, now: time.Now}
}

func (c *SessionCache) dataKey(id string) string {
	return c.prefix + sessionDataPrefix + id
}

func (c *SessionCache) userKey(userID string) string {
	return c.prefix + userSessionsPrefix + userID
}

func (c *SessionCache) activeKey() string {
	return c.prefix + activeSessionsKey
}

func (c *SessionCache) ttlFor(s *models.Session) time.Duration {
	ttl := s.ExpiresAt.Sub(c.now()) + sessionExpiryGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (c *SessionCache) CreateSession(ctx context.Context, session *models.Session) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := c.ttlFor(session)

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.dataKey(session.SessionID), payload, ttl)
	pipe.SAdd(ctx, c.userKey(session.UserID), session.SessionID)
	pipe.Expire(ctx, c.userKey(session.UserID), ttl)
	pipe.SAdd(ctx, c.activeKey(), session.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Failed to create session",
			zap.String("user_id", session.UserID),
			zap.String("session_id", session.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	c.logger.Debug("Session created",
		zap.String("user_id", session.UserID),
		zap.String("session_id", session.SessionID),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *SessionCache) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.client.GetBytes(ctx, c.dataKey(sessionID))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, repository.ErrSessionNotFound
		}
		c.logger.Error("Failed to get session", zap.String("session_id", sessionID), zap.Error(err))
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

func (c *SessionCache) UpdateSession(ctx context.Context, session *models.Session) error {
	if _, err := c.GetSession(ctx, session.SessionID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := c.ttlFor(session)

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.dataKey(session.SessionID), payload, ttl)
	pipe.Expire(ctx, c.userKey(session.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Failed to update session", zap.String("session_id", session.SessionID), zap.Error(err))
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (c *SessionCache) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := c.GetSession(ctx, sessionID)
	if err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.dataKey(sessionID))
	pipe.SRem(ctx, c.activeKey(), sessionID)
	if sess != nil {
		pipe.SRem(ctx, c.userKey(sess.UserID), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Failed to delete session", zap.String("session_id", sessionID), zap.Error(err))
		return fmt.Errorf("failed to delete session: %w", err)
	}

	c.logger.Info("Session invalidated", zap.String("session_id", sessionID))
	return nil
}

func (c *SessionCache) ListUserSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	ids, err := c.client.SMembers(ctx, c.userKey(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	return c.load(ctx, c.userKey(userID), ids)
}

func (c *SessionCache) ListActiveSessions(ctx context.Context) ([]*models.Session, error) {
	ids, err := c.client.SMembers(ctx, c.activeKey())
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	sessions, err := c.load(ctx, c.activeKey(), ids)
	if err != nil {
		return nil, err
	}
	out := sessions[:0]
	for _, s := range sessions {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

// load resolves ids and prunes ones whose data key has already expired
func (c *SessionCache) load(ctx context.Context, setKey string, ids []string) ([]*models.Session, error) {
	out := make([]*models.Session, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		sess, err := c.GetSession(ctx, id)
		if errors.Is(err, repository.ErrSessionNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		if err := c.client.SRem(ctx, setKey, stale...); err != nil {
			c.logger.Warn("Failed to prune stale session ids", zap.Int("count", len(stale)), zap.Error(err))
		}
	}
	return out, nil
}

var _ repository.SessionStore = (*SessionCache)(nil)
