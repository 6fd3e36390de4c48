package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"session-service/internal/config"
	"session-service/internal/util"
)

const (
	clickhouseNativePort = "9000"
	clickhouseSecurePort = "9440"
)

// ClickHouseClient holds the connection used by the audit sink.
type ClickHouseClient struct {
	conn     driver.Conn
	database string
	eventTTL time.Duration
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewClickHouseClient opens and pings a native-protocol connection. TLS is
// used in production and for https:// or clickhouses:// URLs.
func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse
	addr, secure, err := clickhouseAddr(chConfig.URL)
	if err != nil {
		return nil, err
	}

	opts := &ch.Options{
		Addr: []string{addr},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	if cfg.IsProduction() || secure {
		host, _, _ := net.SplitHostPort(addr)
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
		if chConfig.CAFile != "" {
			pem, err := os.ReadFile(chConfig.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", chConfig.CAFile)
			}
			tlsConfig.RootCAs = pool
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("ClickHouse client initialized",
		zap.String("address", addr),
		zap.String("database", chConfig.Database),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)

	return &ClickHouseClient{
		conn:     conn,
		database: chConfig.Database,
		eventTTL: chConfig.TTL,
		logger:   logger,
	}, nil
}

// SecurityEventsDDL is the audit table, partitioned by day and ordered so
// that one identity's events sit together within a bucket.
func SecurityEventsDDL(ttl time.Duration) string {
	ddl := `CREATE TABLE IF NOT EXISTS security_events (
	event_id    String,
	event_bucket UInt16,
	event_date  Date,
	event_time  DateTime64(3, 'UTC'),
	event_type  LowCardinality(String),
	outcome     LowCardinality(String),
	reason      String,
	identity    String,
	user_id     String,
	session_id  String,
	ip_address  String,
	user_agent  String,
	status_code UInt16,
	flags       Array(String),
	details     Map(String, String)
) ENGINE = MergeTree
PARTITION BY event_date
ORDER BY (event_bucket, identity, event_time)`
	if days := int(ttl.Hours() / 24); days > 0 {
		ddl += fmt.Sprintf("\nTTL event_date + INTERVAL %d DAY", days)
	}
	return ddl
}

// EnsureSchema creates the audit table when missing.
func (c *ClickHouseClient) EnsureSchema(ctx context.Context) error {
	if err := c.Exec(ctx, SecurityEventsDDL(c.eventTTL)); err != nil {
		return fmt.Errorf("failed to create security_events in %s: %w", c.database, err)
	}
	return nil
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Exec(ctx, query, args...)
}

// BatchInsert appends every row to one batch and sends it
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	return batch.Send()
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		util.Error("Failed to close ClickHouse connection", util.ErrorField(err))
		return err
	}
	c.conn = nil
	util.Info("ClickHouse connection closed")
	return nil
}

// clickhouseAddr turns a configured URL or bare host into host:port and
// reports whether the scheme asks for TLS.
func clickhouseAddr(raw string) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("clickhouse url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "clickhouse://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("invalid clickhouse url: %w", err)
	}
	if u.Hostname() == "" {
		return "", false, fmt.Errorf("invalid clickhouse url %q: missing host", raw)
	}
	secure := u.Scheme == "https" || u.Scheme == "clickhouses"
	port := u.Port()
	if port == "" {
		port = clickhouseNativePort
		if secure {
			port = clickhouseSecurePort
		}
	}
	return net.JoinHostPort(u.Hostname(), port), secure, nil
}
