package audit

import (
	"context"

	"session-service/internal/models"
)

// BatchInserter is satisfied by client.ClickHouseClient.
type BatchInserter interface {
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

const clickhouseInsert = `INSERT INTO security_events (
	event_id, event_bucket, event_date, event_time, event_type, outcome, reason,
	identity, user_id, session_id, ip_address, user_agent, status_code, flags, details)`

type ClickHouseSink struct {
	conn BatchInserter
}

func NewClickHouseSink(conn BatchInserter) *ClickHouseSink {
	return &ClickHouseSink{conn: conn}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, e models.SecurityEvent) error {
	flags := e.Flags
	if flags == nil {
		flags = []string{}
	}
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	return s.conn.BatchInsert(ctx, clickhouseInsert, [][]interface{}{{
		e.EventID, uint16(e.EventBucket), e.EventTime, e.EventTime, e.EventType, e.Outcome, e.Reason,
		e.Identity, e.UserID, e.SessionID, e.IPAddress, e.UserAgent, uint16(e.StatusCode), flags, details,
	}})
}
