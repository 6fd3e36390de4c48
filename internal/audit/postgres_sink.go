package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"session-service/internal/models"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var postgresColumns = []string{
	"event_id", "event_time", "event_date", "event_bucket", "event_type",
	"outcome", "reason", "identity", "user_id", "session_id",
	"ip_address", "user_agent", "status_code", "flags", "details",
}

// PostgresSink appends events to the security_events table.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, e models.SecurityEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil || e.Details == nil {
		details = []byte("{}")
	}

	query, args, err := psq.Insert("security_events").
		Columns(postgresColumns...).
		Values(
			e.EventID, e.EventTime, e.EventDate, e.EventBucket, e.EventType,
			e.Outcome, e.Reason, e.Identity, e.UserID, e.SessionID,
			e.IPAddress, e.UserAgent, e.StatusCode, pq.Array(e.Flags), details,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building security event insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}
