package service

import (
	"strconv"
	"unicode"
)

// PasswordPolicy bounds and scores passwords on registration.
type PasswordPolicy struct {
	MinLength int
	MaxLength int
	MinScore  int
}

// PasswordStrength is the result of scoring. Errors are hard failures;
// Suggestions list the categories that did not contribute to Score.
type PasswordStrength struct {
	Score       int      `json:"score"`
	Errors      []string `json:"errors,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (s PasswordStrength) Passes(minScore int) bool {
	return len(s.Errors) == 0 && s.Score >= minScore
}

const pointsPerCategory = 20

// Score awards points for length, upper, lower, digit and special
// characters, for a score out of 100.
func (p PasswordPolicy) Score(password string) PasswordStrength {
	minLen, maxLen := p.MinLength, p.MaxLength
	if minLen <= 0 {
		minLen = 8
	}
	if maxLen <= 0 {
		maxLen = 128
	}

	var out PasswordStrength
	n := len([]rune(password))
	if n < minLen {
		out.Errors = append(out.Errors, "Password must be at least "+strconv.Itoa(minLen)+" characters")
	}
	if n > maxLen {
		out.Errors = append(out.Errors, "Password must be at most "+strconv.Itoa(maxLen)+" characters")
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}

	checks := []struct {
		ok         bool
		suggestion string
	}{
		{n >= minLen, "Use a longer password"},
		{upper, "Add uppercase letters"},
		{lower, "Add lowercase letters"},
		{digit, "Add numbers"},
		{special, "Add special characters"},
	}
	for _, c := range checks {
		if c.ok {
			out.Score += pointsPerCategory
		} else {
			out.Suggestions = append(out.Suggestions, c.suggestion)
		}
	}
	return out
}
