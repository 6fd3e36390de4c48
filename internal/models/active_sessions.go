package models

import "time"

type DeviceInfo struct {
	UserAgent string `json:"userAgent,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// Session is the server-side record created on login
type Session struct {
	SessionID    string     `db:"session_id" json:"sessionId"`
	UserID       string     `db:"user_id" json:"userId"`
	IsActive     bool       `db:"is_active" json:"isActive"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	LastActivity time.Time  `db:"last_activity" json:"lastActivity"`
	ExpiresAt    time.Time  `db:"expires_at" json:"expiresAt"`
	DeviceInfo   DeviceInfo `db:"device_info" json:"deviceInfo"`
	// WarningSent is set once the expiry warning has been pushed
	WarningSent bool `db:"warning_sent" json:"-"`
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SecondsRemaining rounds up so a live session never reports zero
func (s *Session) SecondsRemaining(now time.Time) int {
	d := s.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
