package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"session-service/internal/models"
	"session-service/internal/repository"
)

// AccountStore keeps accounts in process memory
type AccountStore struct {
	mu      sync.RWMutex
	byID    map[string]*models.Account
	byEmail map[string]string
}

func NewAccountStore() *AccountStore {
	return &AccountStore{
		byID:    make(map[string]*models.Account),
		byEmail: make(map[string]string),
	}
}

func (s *AccountStore) CreateAccount(_ context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[account.Email]; ok {
		return fmt.Errorf("%w: %s", repository.ErrAccountExists, account.Email)
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	cp := *account
	s.byID[cp.ID] = &cp
	s.byEmail[cp.Email] = cp.ID
	return nil
}

func (s *AccountStore) GetAccountByEmail(_ context.Context, email string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[email]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *AccountStore) GetAccountByID(_ context.Context, userID string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[userID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *AccountStore) UpdateLastLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[userID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	t := at.UTC()
	a.LastLogin = &t
	a.UpdatedAt = &t
	return nil
}

func (s *AccountStore) HealthCheck(context.Context) error {
	return nil
}

var _ repository.AccountStore = (*AccountStore)(nil)
