package models

import "time"

const (
	EventLoginSuccess     = "login_success"
	EventLoginFailure     = "login_failure"
	EventRegisterSuccess  = "register_success"
	EventRegisterFailure  = "register_failure"
	EventLogout           = "logout"
	EventTokenRefresh     = "token_refresh"
	EventRefreshFailure   = "token_refresh_failure"
	EventSessionTerminate = "session_terminated"
)

// SecurityEvent is one append-only audit record
type SecurityEvent struct {
	EventID     string            `db:"event_id" json:"eventId"`
	EventBucket int               `db:"event_bucket" json:"eventBucket"`
	EventDate   string            `db:"event_date" json:"eventDate"`
	EventTime   time.Time         `db:"event_time" json:"eventTime"`
	EventType   string            `db:"event_type" json:"eventType"`
	Outcome     string            `db:"outcome" json:"outcome"`
	Reason      string            `db:"reason" json:"reason,omitempty"`
	Identity    string            `db:"identity" json:"identity,omitempty"`
	UserID      string            `db:"user_id" json:"userId,omitempty"`
	SessionID   string            `db:"session_id" json:"sessionId,omitempty"`
	IPAddress   string            `db:"ip_address" json:"ipAddress,omitempty"`
	UserAgent   string            `db:"user_agent" json:"userAgent,omitempty"`
	StatusCode  int               `db:"status_code" json:"statusCode"`
	Flags       []string          `db:"flags" json:"flags,omitempty"`
	Details     map[string]string `db:"details" json:"details,omitempty"`
}
