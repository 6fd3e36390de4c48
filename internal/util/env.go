package util

import (
	"os"
	"strings"
)

// GetEnv returns the variable or a fallback when unset
func GetEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// MaskIdentity hides most of the local part of an email for logging
func MaskIdentity(identity string) string {
	at := strings.LastIndex(identity, "@")
	if at <= 0 {
		if len(identity) <= 1 {
			return "***"
		}
		return identity[:1] + "***"
	}
	return identity[:1] + "***" + identity[at:]
}
