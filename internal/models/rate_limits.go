package models

import "time"

// LockoutRecord tracks consecutive authentication failures for one identity
type LockoutRecord struct {
	Identity    string     `json:"identity"`
	Attempts    int        `json:"attempts"`
	LockedUntil *time.Time `json:"lockedUntil,omitempty"`
	LastAttempt time.Time  `json:"lastAttempt"`
}

// CsrfEntry binds an anti-forgery token to one session id
type CsrfEntry struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}
