package util

import (
	"html"
	"net/mail"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// NormalizeEmail lowercases and trims an email address
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsValidEmail reports whether s parses as a bare address
func IsValidEmail(s string) bool {
	if s == "" || len(s) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Address == s && strings.Contains(s[strings.LastIndex(s, "@")+1:], ".")
}

// EmailDomain returns the lowercase domain part of an address
func EmailDomain(s string) string {
	i := strings.LastIndex(s, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(s[i+1:])
}

var suspiciousMarkers = []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}

// ContainsSuspicious flags markup and template injection markers
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range suspiciousMarkers {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
