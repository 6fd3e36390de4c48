package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-service/internal/bucketing"
	"session-service/internal/models"
	"session-service/internal/repository"
)

// AccountStore implements repository.AccountStore on ScyllaDB
type AccountStore struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
	logger  *zap.Logger
}

func NewAccountStore(client *ScyllaClient, buckets *bucketing.BucketingManager, logger *zap.Logger) *AccountStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountStore{client: client, buckets: buckets, logger: logger}
}

// CreateAccount claims the email with a lightweight transaction before
// writing the account row, releasing the claim if that write fails.
func (s *AccountStore) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	account.UserBucket = s.buckets.UserBucket(account.ID)
	st := s.client.Statements

	applied, err := s.client.Query(ctx, st.ClaimEmail,
		account.Email, account.UserBucket, account.ID, account.CreatedAt,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("claim email: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: %s", repository.ErrAccountExists, account.Email)
	}

	err = s.client.Query(ctx, st.CreateAccount,
		account.UserBucket, account.ID, account.Email, account.PasswordHash,
		account.FirstName, account.LastName, account.Role, account.IsActive,
		account.EmailVerified, account.CreatedAt,
	).Exec()
	if err != nil {
		if relErr := s.client.Query(ctx, st.ReleaseEmail, account.Email).Exec(); relErr != nil {
			s.logger.Error("Failed to release email claim", zap.String("user_id", account.ID), zap.Error(relErr))
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	s.logger.Info("Account created",
		zap.String("user_id", account.ID),
		zap.Int("user_bucket", account.UserBucket),
		zap.String("role", account.Role))
	return nil
}

func (s *AccountStore) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var bucket int
	var userID string
	err := s.client.ScanWithRetry(s.client.Query(ctx, s.client.Statements.GetEmailMapping, email), &bucket, &userID)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}
	return s.getAccount(ctx, bucket, userID)
}

func (s *AccountStore) GetAccountByID(ctx context.Context, userID string) (*models.Account, error) {
	return s.getAccount(ctx, s.buckets.UserBucket(userID), userID)
}

func (s *AccountStore) getAccount(ctx context.Context, bucket int, userID string) (*models.Account, error) {
	a := &models.Account{}
	q := s.client.Query(ctx, s.client.Statements.GetAccountByID, bucket, userID)
	err := s.client.ScanWithRetry(q,
		&a.UserBucket, &a.ID, &a.Email, &a.PasswordHash, &a.FirstName, &a.LastName,
		&a.Role, &a.IsActive, &a.EmailVerified, &a.CreatedAt, &a.UpdatedAt, &a.LastLogin)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrAccountNotFound
	}
	if err != nil {
		s.logger.Error("Failed to get account", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	at = at.UTC()
	err := s.client.Query(ctx, s.client.Statements.UpdateLastLogin,
		at, at, s.buckets.UserBucket(userID), userID,
	).Exec()
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

func (s *AccountStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

var _ repository.AccountStore = (*AccountStore)(nil)
