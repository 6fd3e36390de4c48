package audit

import (
	"strings"
	"time"

	"session-service/internal/bucketing"
	"session-service/internal/models"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event builds one security event.
type Event struct {
	models.SecurityEvent
}

// NewEvent creates a new audit event of the given type.
func NewEvent(eventType string) *Event {
	return &Event{SecurityEvent: models.SecurityEvent{EventType: eventType}}
}

// WithIdentity records the normalized identity and, when known, the user id.
func (e *Event) WithIdentity(identity, userID string) *Event {
	e.Identity = identity
	if userID != "" {
		e.UserID = userID
	}
	return e
}

func (e *Event) WithRequest(ip, userAgent string) *Event {
	e.IPAddress = ip
	e.UserAgent = userAgent
	return e
}

func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithResult sets the HTTP status, outcome and a machine-readable reason.
func (e *Event) WithResult(status int, outcome, reason string) *Event {
	e.StatusCode = status
	e.Outcome = outcome
	e.Reason = reason
	return e
}

// WithFlags appends advisory annotations such as suspicious-activity hits.
func (e *Event) WithFlags(flags ...string) *Event {
	e.Flags = append(e.Flags, flags...)
	return e
}

func (e *Event) WithDetail(key, value string) *Event {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"accesstoken":   true,
	"refreshtoken":  true,
	"authorization": true,
	"csrftoken":     true,
}

// SanitizeDetails redacts values whose keys look like credentials.
func SanitizeDetails(details map[string]string) map[string]string {
	if details == nil {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		norm := strings.ReplaceAll(strings.ToLower(k), "_", "")
		norm = strings.ReplaceAll(norm, "-", "")
		if sensitiveKeys[norm] {
			out[k] = "[REDACTED]"
		} else {
			out[k] = v
		}
	}
	return out
}

func (e *Event) finalize(id string, bucket int, now time.Time) models.SecurityEvent {
	ev := e.SecurityEvent
	if ev.EventID == "" {
		ev.EventID = id
	}
	if ev.EventTime.IsZero() {
		ev.EventTime = now.UTC()
	}
	ev.EventDate = bucketing.DateBucket(ev.EventTime)
	ev.EventBucket = bucket
	ev.Details = SanitizeDetails(ev.Details)
	return ev
}
