// Package repository declares the record stores consumed by the auth
// pipeline and the realtime session layer.
package repository

import (
	"context"
	"errors"
	"time"

	"session-service/internal/models"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// AccountStore persists login principals keyed by normalized email
type AccountStore interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	GetAccountByID(ctx context.Context, userID string) (*models.Account, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	HealthCheck(ctx context.Context) error
}

// SessionStore persists server-side sessions
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListUserSessions(ctx context.Context, userID string) ([]*models.Session, error)
	ListActiveSessions(ctx context.Context) ([]*models.Session, error)
}
