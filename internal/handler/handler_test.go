package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/audit"
	"session-service/internal/csrf"
	"session-service/internal/hashing"
	"session-service/internal/lockout"
	"session-service/internal/models"
	"session-service/internal/ratelimit"
	"session-service/internal/repository/memory"
	"session-service/internal/service"
	"session-service/internal/store"
	"session-service/internal/token"
)

const (
	testEmail    = "a@x.com"
	testPassword = "CorrectPass1!"
)

type staticHealth map[string]error

func (s staticHealth) HealthCheck(context.Context) map[string]error { return s }

type testServer struct {
	router http.Handler
	sink   *audit.MemorySink
}

func newTestServer(t *testing.T, enforceCSRF bool, health HealthChecker) *testServer {
	t.Helper()
	kv := store.NewMemoryKV(nil)
	hasher, err := hashing.NewHasher(hashing.Options{Memory: 1024, Iterations: 1, Parallelism: 1, Peppers: map[int]string{1: "pepper"}})
	require.NoError(t, err)
	signer, err := token.NewSigner([]byte("0123456789abcdef0123456789abcdef"), token.Config{Issuer: "session-service"})
	require.NoError(t, err)

	accounts := memory.NewAccountStore()
	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	require.NoError(t, accounts.CreateAccount(context.Background(), &models.Account{
		Email: testEmail, PasswordHash: hash, Role: models.RoleUser, IsActive: true, EmailVerified: true,
	}))

	sink := audit.NewMemorySink()
	csrfStore := csrf.NewStore(kv, time.Hour, nil)
	deps := service.Deps{
		Limiter:  ratelimit.New(kv, ratelimit.Config{Max: 3, Window: time.Minute}, nil),
		Lockout:  lockout.NewTracker(kv, lockout.Config{MaxAttempts: 5, Duration: 15 * time.Minute, Window: time.Hour}, nil),
		CSRF:     csrfStore,
		Accounts: accounts,
		Sessions: memory.NewSessionStore(),
		Hasher:   hasher,
		Signer:   signer,
		Audit:    audit.NewRecorder(sink, nil, nil),
	}
	opts := service.Options{EnforceCSRF: enforceCSRF, Password: service.PasswordPolicy{MinScore: 80}}
	ah := NewAuthHandler(service.NewAuthService(deps, opts), service.NewSessionService(deps, opts), csrfStore, CookieConfig{}, nil)
	return &testServer{router: NewRouter(RouterOptions{}, ah, nil, health, nil), sink: sink}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func cookieByName(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLogin_SetsCookies(t *testing.T) {
	s := newTestServer(t, false, nil)

	rec := s.do(t, http.MethodPost, "/auth/login", service.LoginRequest{Email: testEmail, Password: testPassword}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for _, name := range []string{cookieAccessToken, cookieRefreshToken} {
		c := cookieByName(rec, name)
		require.NotNil(t, c, name)
		assert.True(t, c.HttpOnly)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	}
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))

	resp := decodeResponse(t, rec)
	assert.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.NotEmpty(t, data["accessToken"])
	assert.NotEmpty(t, data["sessionId"])
	user := data["user"].(map[string]interface{})
	assert.NotContains(t, user, "passwordHash")
	assert.Len(t, s.sink.Events(), 1)
}

func TestLogin_UnknownAndWrongAreIdentical(t *testing.T) {
	s := newTestServer(t, false, nil)

	unknown := s.do(t, http.MethodPost, "/auth/login", service.LoginRequest{Email: "nobody@x.com", Password: testPassword}, nil)
	wrong := s.do(t, http.MethodPost, "/auth/login", service.LoginRequest{Email: testEmail, Password: "WrongPass1!"}, nil)

	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, unknown.Code, wrong.Code)
	assert.JSONEq(t, unknown.Body.String(), wrong.Body.String())
}

func TestLogin_MalformedBodyIsAuditedValidationError(t *testing.T) {
	s := newTestServer(t, false, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Contains(t, resp.Errors, "email")
	assert.Len(t, s.sink.Events(), 1)
}

func TestLogin_RateLimitedHasRetryAfter(t *testing.T) {
	s := newTestServer(t, false, nil)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		rec = s.do(t, http.MethodPost, "/auth/login", service.LoginRequest{Email: testEmail, Password: "WrongPass1!"}, nil)
	}
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestLogin_DistinctEmailsFromOneOriginAreLimited(t *testing.T) {
	s := newTestServer(t, false, nil)

	codes := make(map[int]int)
	for i := 0; i < 6; i++ {
		rec := s.do(t, http.MethodPost, "/auth/login",
			service.LoginRequest{Email: fmt.Sprintf("spray%d@x.com", i), Password: "WrongPass1!"}, nil)
		codes[rec.Code]++
	}
	assert.Equal(t, map[int]int{http.StatusUnauthorized: 3, http.StatusTooManyRequests: 3}, codes)
	assert.Len(t, s.sink.Events(), 6)
}

func TestLogin_CSRFEnforced(t *testing.T) {
	s := newTestServer(t, true, nil)

	rec := s.do(t, http.MethodPost, "/auth/login", service.LoginRequest{Email: testEmail, Password: testPassword}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	tokRec := s.do(t, http.MethodGet, "/auth/csrf-token", nil, nil)
	require.Equal(t, http.StatusOK, tokRec.Code)
	sid := cookieByName(tokRec, cookieSessionID)
	require.NotNil(t, sid)
	tok := decodeResponse(t, tokRec).Data.(map[string]interface{})["csrfToken"].(string)

	rec = s.do(t, http.MethodPost, "/auth/login", service.LoginRequest{Email: testEmail, Password: testPassword}, func(r *http.Request) {
		r.AddCookie(sid)
		r.Header.Set(headerCSRFToken, tok)
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSessionAndLogout(t *testing.T) {
	s := newTestServer(t, false, nil)

	login := s.do(t, http.MethodPost, "/auth/login", service.LoginRequest{Email: testEmail, Password: testPassword}, nil)
	require.Equal(t, http.StatusOK, login.Code)
	access := cookieByName(login, cookieAccessToken)
	require.NotNil(t, access)

	rec := s.do(t, http.MethodGet, "/auth/session", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+access.Value)
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/auth/logout", nil, func(r *http.Request) { r.AddCookie(access) })
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := cookieByName(rec, cookieAccessToken)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)

	rec = s.do(t, http.MethodGet, "/auth/session", nil, func(r *http.Request) { r.AddCookie(access) })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, false, staticHealth{"redis": nil, "kafka": errors.New("down")})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, nil).Code)

	rec := s.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	data := decodeResponse(t, rec).Data.(map[string]interface{})
	assert.Equal(t, "ok", data["redis"])
	assert.Equal(t, "down", data["kafka"])
}
