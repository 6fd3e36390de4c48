package models

import (
	"encoding/json"
	"time"
)

const (
	SessionUpdate  = "session_update"
	ForceLogout    = "force_logout"
	SessionWarning = "session_warning"
	ActivityUpdate = "activity_update"

	// client to server only
	Ping          = "ping"
	SessionStatus = "session_status"
)

const (
	ReasonLogout            = "logout"
	ReasonSessionExpired    = "session_expired"
	ReasonSessionTerminated = "session_terminated"
)

// SessionEvent is the transient frame exchanged on the realtime channel
type SessionEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewSessionEvent marshals data into an event stamped with now
func NewSessionEvent(eventType string, data interface{}, now time.Time) (SessionEvent, error) {
	ev := SessionEvent{Type: eventType, Timestamp: now.UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ev, err
		}
		ev.Data = raw
	}
	return ev, nil
}

type ForceLogoutData struct {
	Reason string `json:"reason"`
}

type SessionWarningData struct {
	Message          string `json:"message"`
	SecondsRemaining int    `json:"secondsRemaining"`
}

type ActivityData struct {
	Action    string    `json:"action,omitempty"`
	Page      string    `json:"page,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

type SessionUpdateData struct {
	Session *Session `json:"session"`
}
