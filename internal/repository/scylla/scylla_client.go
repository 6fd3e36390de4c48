package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"session-service/internal/config"
)

// Schema creates the account tables. Accounts are partitioned by a murmur3
// bucket of the account id; the email table is the uniqueness guard.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
        user_bucket int,
        user_id text,
        email text,
        password_hash text,
        first_name text,
        last_name text,
        role text,
        is_active boolean,
        email_verified boolean,
        created_at timestamp,
        updated_at timestamp,
        last_login timestamp,
        PRIMARY KEY ((user_bucket), user_id)
    )`,
	`CREATE TABLE IF NOT EXISTS accounts_by_email (
        email text PRIMARY KEY,
        user_bucket int,
        user_id text,
        created_at timestamp
    )`,
}

// Statements are the CQL strings the account store binds per call
type Statements struct {
	ClaimEmail      string
	ReleaseEmail    string
	CreateAccount   string
	GetEmailMapping string
	GetAccountByID  string
	UpdateLastLogin string
}

var accountStatements = Statements{
	ClaimEmail: `
        INSERT INTO accounts_by_email (email, user_bucket, user_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`,
	ReleaseEmail: `DELETE FROM accounts_by_email WHERE email = ?`,
	CreateAccount: `
        INSERT INTO accounts (
            user_bucket, user_id, email, password_hash, first_name, last_name,
            role, is_active, email_verified, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	GetEmailMapping: `SELECT user_bucket, user_id FROM accounts_by_email WHERE email = ?`,
	GetAccountByID: `
        SELECT user_bucket, user_id, email, password_hash, first_name, last_name,
            role, is_active, email_verified, created_at, updated_at, last_login
        FROM accounts WHERE user_bucket = ? AND user_id = ?`,
	UpdateLastLogin: `
        UPDATE accounts SET last_login = ?, updated_at = ?
        WHERE user_bucket = ? AND user_id = ?`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	Statements Statements
	logger     *zap.Logger
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	scyllaConfig := cfg.Scylla

	consistency, err := parseConsistency(scyllaConfig.Consistency)
	if err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = consistency
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.CAPath != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			EnableHostVerification: cfg.IsProduction(),
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace),
		zap.String("consistency", consistency.String()))

	return &ScyllaClient{Session: session, Statements: accountStatements, logger: logger}, nil
}

func parseConsistency(name string) (gocql.Consistency, error) {
	if name == "" {
		return gocql.LocalQuorum, nil
	}
	c, err := gocql.ParseConsistencyWrapper(name)
	if err != nil {
		return 0, fmt.Errorf("scylla consistency %q: %w", name, err)
	}
	return c, nil
}

// EnsureSchema applies Schema. Used in development where no migration
// tooling runs ahead of the service.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		s.logger.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var clusterName string
	if err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	s.logger.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ScanWithRetry retries transient read failures; gocql.ErrNotFound is
// returned immediately.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
