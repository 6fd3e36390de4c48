// Package token signs and verifies the access and refresh tokens handed out
// on login.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrWrongTokenType = errors.New("wrong token type")
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims carried by both token types.
type Claims struct {
	SessionID string `json:"sid"`
	Type      string `json:"typ"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Subject identifies who a token is issued to.
type Subject struct {
	UserID    string
	SessionID string
	Email     string
	Role      string
}

type Config struct {
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type Signer struct {
	secret []byte
	cfg    Config
	now    func() time.Time
}

func NewSigner(secret []byte, cfg Config) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: empty signing secret")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &Signer{secret: secret, cfg: cfg, now: time.Now}, nil
}

func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

func (s *Signer) AccessTTL() time.Duration {
	return s.cfg.AccessTTL
}

// IssueAccess returns a signed access token and its expiry.
func (s *Signer) IssueAccess(sub Subject) (string, time.Time, error) {
	return s.issue(sub, TypeAccess, s.cfg.AccessTTL)
}

// IssueRefresh returns a signed refresh token; ttl <= 0 uses the default.
func (s *Signer) IssueRefresh(sub Subject, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = s.cfg.RefreshTTL
	}
	return s.issue(sub, TypeRefresh, ttl)
}

func (s *Signer) issue(sub Subject, typ string, ttl time.Duration) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(ttl)
	claims := Claims{
		SessionID: sub.SessionID,
		Type:      typ,
		Email:     sub.Email,
		Role:      sub.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.cfg.Issuer,
			Subject:   sub.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, exp, nil
}

// Verify parses tokenString and checks signature, expiry, issuer and type.
func (s *Signer) Verify(tokenString, expectedType string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != expectedType {
		return nil, ErrWrongTokenType
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing subject or session", ErrInvalidToken)
	}
	return claims, nil
}
