package client

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"session-service/internal/config"
	"session-service/internal/util"
)

type PostgresClient struct {
	DB *sql.DB
}

func NewPostgresClient(cfg *config.Config, logger *zap.Logger) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info("PostgreSQL client initialized")
	return &PostgresClient{DB: db}, nil
}

func (p *PostgresClient) HealthCheck(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

func (p *PostgresClient) Close() error {
	if p.DB != nil {
		if err := p.DB.Close(); err != nil {
			util.Error("Failed to close PostgreSQL connection", zap.Error(err))
			return err
		}
		util.Info("PostgreSQL connection closed")
	}
	return nil
}
