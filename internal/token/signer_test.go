package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSecret  = []byte(strings.Repeat("k", 32))
	testSubject = Subject{UserID: "u1", SessionID: "s1", Email: "a@x.com", Role: "user"}
)

func newSigner(t *testing.T, now *time.Time) *Signer {
	t.Helper()
	s, err := NewSigner(testSecret, Config{Issuer: "session-service", AccessTTL: 15 * time.Minute, RefreshTTL: time.Hour})
	require.NoError(t, err)
	return s.WithClock(func() time.Time { return *now })
}

func TestIssueAndVerify(t *testing.T) {
	now := time.Now()
	s := newSigner(t, &now)

	access, exp, err := s.IssueAccess(testSubject)
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), exp)

	claims, err := s.Verify(access, TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "s1", claims.SessionID)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, "user", claims.Role)
}

func TestVerifyRejectsWrongType(t *testing.T) {
	now := time.Now()
	s := newSigner(t, &now)

	refresh, _, err := s.IssueRefresh(testSubject, 0)
	require.NoError(t, err)

	_, err = s.Verify(refresh, TypeAccess)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	_, err = s.Verify(refresh, TypeRefresh)
	assert.NoError(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Now()
	s := newSigner(t, &now)

	access, _, err := s.IssueAccess(testSubject)
	require.NoError(t, err)

	now = now.Add(16 * time.Minute)
	_, err = s.Verify(access, TypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	now := time.Now()
	s := newSigner(t, &now)
	other, err := NewSigner([]byte(strings.Repeat("z", 32)), Config{Issuer: "session-service"})
	require.NoError(t, err)

	tok, _, err := other.IssueAccess(testSubject)
	require.NoError(t, err)

	_, err = s.Verify(tok, TypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify("not-a-jwt", TypeAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewSignerRequiresSecret(t *testing.T) {
	_, err := NewSigner(nil, Config{})
	assert.Error(t, err)
}
