// Package csrf issues and validates short-lived anti-forgery tokens bound to
// a session identifier.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"session-service/internal/models"
	"session-service/internal/store"
)

const (
	keyPrefix  = "csrf:"
	tokenBytes = 32
	DefaultTTL = time.Hour
)

type Store struct {
	kv     store.KV
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(kv store.KV, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: kv, ttl: ttl, logger: logger, now: time.Now}
}

func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Issue creates a token for sessionID, replacing any previous one.
func (s *Store) Issue(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("csrf: empty session id")
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("csrf: generate token: %w", err)
	}
	entry := models.CsrfEntry{
		SessionID: sessionID,
		Token:     hex.EncodeToString(buf),
		ExpiresAt: s.now().Add(s.ttl),
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("csrf: encode entry: %w", err)
	}
	if err := s.kv.Set(ctx, keyPrefix+sessionID, raw, s.ttl); err != nil {
		return "", fmt.Errorf("csrf: store entry: %w", err)
	}
	return entry.Token, nil
}

// Validate fails closed: any missing, expired, unreadable or mismatched
// entry returns false.
func (s *Store) Validate(ctx context.Context, sessionID, token string) bool {
	if sessionID == "" || token == "" {
		return false
	}

	raw, ok, err := s.kv.Get(ctx, keyPrefix+sessionID)
	if err != nil {
		s.logger.Warn("csrf store unavailable, rejecting token", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	var entry models.CsrfEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return false
	}
	if entry.SessionID != sessionID || !s.now().Before(entry.ExpiresAt) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(entry.Token), []byte(token)) == 1
}
