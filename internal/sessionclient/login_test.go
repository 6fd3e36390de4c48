package sessionclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/audit"
	"session-service/internal/csrf"
	"session-service/internal/handler"
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
	serverEmail    = "a@x.com"
	serverPassword = "CorrectPass1!"
)

// newAuthServer runs the real auth routes over in-memory stores.
func newAuthServer(t *testing.T, enforceCSRF bool) *httptest.Server {
	t.Helper()
	kv := store.NewMemoryKV(nil)
	hasher, err := hashing.NewHasher(hashing.Options{Memory: 1024, Iterations: 1, Parallelism: 1, Peppers: map[int]string{1: "pepper"}})
	require.NoError(t, err)
	signer, err := token.NewSigner([]byte("0123456789abcdef0123456789abcdef"), token.Config{Issuer: "session-service"})
	require.NoError(t, err)

	accounts := memory.NewAccountStore()
	hash, err := hasher.Hash(serverPassword)
	require.NoError(t, err)
	require.NoError(t, accounts.CreateAccount(context.Background(), &models.Account{
		Email: serverEmail, PasswordHash: hash, Role: models.RoleUser, IsActive: true, EmailVerified: true,
	}))

	csrfStore := csrf.NewStore(kv, time.Hour, nil)
	deps := service.Deps{
		Limiter:  ratelimit.New(kv, ratelimit.Config{Max: 10, Window: time.Minute}, nil),
		Lockout:  lockout.NewTracker(kv, lockout.Config{MaxAttempts: 5, Duration: 15 * time.Minute, Window: time.Hour}, nil),
		CSRF:     csrfStore,
		Accounts: accounts,
		Sessions: memory.NewSessionStore(),
		Hasher:   hasher,
		Signer:   signer,
		Audit:    audit.NewRecorder(audit.NewMemorySink(), nil, nil),
	}
	opts := service.Options{EnforceCSRF: enforceCSRF, Password: service.PasswordPolicy{MinScore: 80}}
	ah := handler.NewAuthHandler(service.NewAuthService(deps, opts), service.NewSessionService(deps, opts), csrfStore, handler.CookieConfig{}, nil)

	srv := httptest.NewServer(handler.NewRouter(handler.RouterOptions{}, ah, nil, nil, nil))
	t.Cleanup(srv.Close)
	return srv
}

func TestManager_LoginWithCSRFEnforced(t *testing.T) {
	srv := newAuthServer(t, true)
	m := NewManager(ManagerConfig{BaseURL: srv.URL}, ManagerDeps{}, nil)

	user, err := m.Login(context.Background(), serverEmail, serverPassword, false)
	require.NoError(t, err)
	assert.Equal(t, serverEmail, user.Email)
	assert.NotEmpty(t, m.Storage().AccessToken())
	assert.NotEmpty(t, m.Storage().RefreshToken())

	_, err = m.Login(context.Background(), serverEmail, "WrongPass1!", false)
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.Contains(t, err.Error(), "401", "a fresh token is fetched for every attempt")
}

func TestManager_LoginWithoutCSRFEnforcement(t *testing.T) {
	srv := newAuthServer(t, false)
	m := NewManager(ManagerConfig{BaseURL: srv.URL}, ManagerDeps{}, nil)

	_, err := m.Login(context.Background(), serverEmail, serverPassword, true)
	require.NoError(t, err)
	assert.NotEmpty(t, m.Storage().AccessToken())
}
