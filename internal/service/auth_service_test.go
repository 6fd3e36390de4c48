package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/audit"
	"session-service/internal/csrf"
	"session-service/internal/hashing"
	"session-service/internal/lockout"
	"session-service/internal/models"
	"session-service/internal/policy"
	"session-service/internal/ratelimit"
	"session-service/internal/repository/memory"
	"session-service/internal/store"
	"session-service/internal/token"
)

const (
	testEmail    = "a@x.com"
	testPassword = "CorrectPass1!"
	testIP       = "203.0.113.7"
	testUA       = "Mozilla/5.0 (X11; Linux x86_64)"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]models.SessionEvent
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[string][]models.SessionEvent)}
}

func (p *recordingPublisher) PublishToSession(_ context.Context, sessionID string, ev models.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[sessionID] = append(p.events[sessionID], ev)
	return nil
}

func (p *recordingPublisher) PublishToUser(_ context.Context, userID string, ev models.SessionEvent) error {
	return p.PublishToSession(context.Background(), "user:"+userID, ev)
}

func (p *recordingPublisher) forSession(id string) []models.SessionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.SessionEvent(nil), p.events[id]...)
}

type downKV struct{ store.KV }

func (downKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, store.ErrUnavailable
}

func (downKV) Set(context.Context, string, []byte, time.Duration) error {
	return store.ErrUnavailable
}

func (downKV) Delete(context.Context, ...string) error { return store.ErrUnavailable }

func (downKV) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, store.ErrUnavailable
}

type fixture struct {
	clock    *clock
	kv       store.KV
	accounts *memory.AccountStore
	sessions *memory.SessionStore
	sink     *audit.MemorySink
	events   *recordingPublisher
	csrf     *csrf.Store
	lockout  *lockout.Tracker
	hasher   *hashing.Hasher
	auth     *AuthService
	session  *SessionService
}

type fixtureOption func(*Options, *fixture)

func withCSRF() fixtureOption {
	return func(o *Options, _ *fixture) { o.EnforceCSRF = true }
}

func withKV(kv store.KV) fixtureOption {
	return func(_ *Options, f *fixture) { f.kv = kv }
}

func newFixture(t *testing.T, options ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{clock: &clock{t: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}}
	opts := Options{
		SessionTTL:          time.Hour,
		RememberMeTTL:       24 * time.Hour,
		Password:            PasswordPolicy{MinLength: 8, MaxLength: 128, MinScore: 80},
		ElevatedRoles:       []string{models.RoleAdmin, models.RoleManager},
		ElevatedRoleDomains: []string{"corp.example"},
	}
	f.kv = store.NewMemoryKV(f.clock.now)
	for _, o := range options {
		o(&opts, f)
	}

	hasher, err := hashing.NewHasher(hashing.Options{Memory: 1024, Iterations: 1, Parallelism: 1, Peppers: map[int]string{1: "pepper"}})
	require.NoError(t, err)
	signer, err := token.NewSigner([]byte("0123456789abcdef0123456789abcdef"), token.Config{Issuer: "session-service", AccessTTL: 15 * time.Minute, RefreshTTL: time.Hour})
	require.NoError(t, err)
	signer.WithClock(f.clock.now)

	f.hasher = hasher
	f.accounts = memory.NewAccountStore()
	f.sessions = memory.NewSessionStore()
	f.sink = audit.NewMemorySink()
	f.events = newRecordingPublisher()
	f.csrf = csrf.NewStore(f.kv, time.Hour, nil).WithClock(f.clock.now)
	f.lockout = lockout.NewTracker(f.kv, lockout.Config{MaxAttempts: 5, Duration: 15 * time.Minute, Window: time.Hour}, nil).WithClock(f.clock.now)

	deps := Deps{
		Limiter:  ratelimit.New(f.kv, ratelimit.Config{Max: 10, Window: 15 * time.Minute}, nil).WithClock(f.clock.now),
		Lockout:  f.lockout,
		CSRF:     f.csrf,
		Accounts: f.accounts,
		Sessions: f.sessions,
		Hasher:   hasher,
		Signer:   signer,
		Screener: policy.DefaultRules(),
		Audit:    audit.NewRecorder(f.sink, nil, nil),
		Events:   f.events,
	}
	f.auth = NewAuthService(deps, opts).WithClock(f.clock.now)
	f.session = NewSessionService(deps, opts).WithClock(f.clock.now)
	return f
}

func (f *fixture) seedAccount(t *testing.T, mutate func(*models.Account)) *models.Account {
	t.Helper()
	hash, err := f.hasher.Hash(testPassword)
	require.NoError(t, err)
	acc := &models.Account{
		Email:         testEmail,
		PasswordHash:  hash,
		FirstName:     "Ada",
		LastName:      "Lovelace",
		Role:          models.RoleUser,
		IsActive:      true,
		EmailVerified: true,
	}
	if mutate != nil {
		mutate(acc)
	}
	require.NoError(t, f.accounts.CreateAccount(context.Background(), acc))
	return acc
}

func meta() RequestMeta {
	return RequestMeta{IPAddress: testIP, UserAgent: testUA}
}

func asAuth(t *testing.T, err error) *AuthError {
	t.Helper()
	var ae *AuthError
	require.True(t, errors.As(err, &ae), "expected *AuthError, got %T", err)
	return ae
}

func TestLogin_HappyPath(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, nil)

	res, err := f.auth.Login(context.Background(), meta(), LoginRequest{Email: "  A@X.com ", Password: testPassword})
	require.NoError(t, err)

	assert.Equal(t, acc.ID, res.User.ID)
	assert.Empty(t, res.User.PasswordHash)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, 900, res.ExpiresIn)
	require.NotNil(t, res.User.LastLogin)

	sess, err := f.sessions.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, sess.UserID)
	assert.Equal(t, f.clock.now().Add(time.Hour), sess.ExpiresAt)

	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventLoginSuccess, events[0].EventType)
	assert.Equal(t, audit.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, http.StatusOK, events[0].StatusCode)
	assert.Equal(t, res.SessionID, events[0].SessionID)
}

func TestLogin_RememberMeExtendsSession(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)

	res, err := f.auth.Login(context.Background(), meta(), LoginRequest{Email: testEmail, Password: testPassword, RememberMe: true})
	require.NoError(t, err)

	sess, err := f.sessions.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.now().Add(24*time.Hour), sess.ExpiresAt)
	assert.Equal(t, f.clock.now().Add(24*time.Hour), res.RefreshExpiresAt)
}

func TestLogin_AntiEnumeration(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)
	ctx := context.Background()

	_, errUnknown := f.auth.Login(ctx, meta(), LoginRequest{Email: "nobody@x.com", Password: testPassword})
	_, errWrong := f.auth.Login(ctx, meta(), LoginRequest{Email: testEmail, Password: "WrongPass1!"})

	unknown, wrong := asAuth(t, errUnknown), asAuth(t, errWrong)
	assert.Equal(t, http.StatusUnauthorized, unknown.Status)
	assert.Equal(t, unknown.Status, wrong.Status)
	assert.Equal(t, unknown.Code, wrong.Code)
	assert.Equal(t, unknown.Message, wrong.Message)
	assert.Equal(t, MsgInvalidCredentials, wrong.Message)

	events := f.sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "unknown_identity", events[0].Reason)
	assert.Equal(t, "invalid_password", events[1].Reason)
}

func TestLogin_AccountStatusIsGeneric(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Account)
		opt    fixtureOption
		reason string
	}{
		{"deactivated", func(a *models.Account) { a.IsActive = false }, nil, "account_deactivated"},
		{"unverified", func(a *models.Account) { a.EmailVerified = false }, func(o *Options, _ *fixture) { o.RequireEmailVerification = true }, "email_unverified"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []fixtureOption
			if tt.opt != nil {
				opts = append(opts, tt.opt)
			}
			f := newFixture(t, opts...)
			f.seedAccount(t, tt.mutate)

			_, err := f.auth.Login(context.Background(), meta(), LoginRequest{Email: testEmail, Password: testPassword})
			ae := asAuth(t, err)
			assert.Equal(t, http.StatusUnauthorized, ae.Status)
			assert.Equal(t, MsgInvalidCredentials, ae.Message)

			events := f.sink.Events()
			require.Len(t, events, 1)
			assert.Equal(t, tt.reason, events[0].Reason)
		})
	}
}

func TestLogin_LockoutThenRetry(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.auth.Login(ctx, meta(), LoginRequest{Email: testEmail, Password: "WrongPass1!"})
		assert.Equal(t, http.StatusUnauthorized, asAuth(t, err).Status)
	}

	_, err := f.auth.Login(ctx, meta(), LoginRequest{Email: testEmail, Password: testPassword})
	ae := asAuth(t, err)
	require.Equal(t, http.StatusLocked, ae.Status)
	assert.Greater(t, ae.RetryAfter, 0)

	f.clock.advance(time.Duration(ae.RetryAfter+1) * time.Second)

	_, err = f.auth.Login(ctx, meta(), LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	assert.Len(t, f.sink.Events(), 7)
}

func TestLogin_SuccessResetsFailures(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = f.auth.Login(ctx, meta(), LoginRequest{Email: testEmail, Password: "WrongPass1!"})
	}
	_, err := f.auth.Login(ctx, meta(), LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	assert.False(t, f.lockout.CheckLockout(ctx, testEmail).IsLocked)

	_, err = f.auth.Login(ctx, meta(), LoginRequest{Email: testEmail, Password: "WrongPass1!"})
	assert.Equal(t, http.StatusUnauthorized, asAuth(t, err).Status)
	assert.False(t, f.lockout.CheckLockout(ctx, testEmail).IsLocked)
}

func TestLogin_RateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var last error
	for i := 0; i < 11; i++ {
		_, last = f.auth.Login(ctx, meta(), LoginRequest{Email: "x" + testEmail, Password: "p"})
	}
	ae := asAuth(t, last)
	assert.Equal(t, http.StatusTooManyRequests, ae.Status)
	assert.Greater(t, ae.RetryAfter, 0)
	require.NotNil(t, ae.RateLimit)
	assert.False(t, ae.RateLimit.Allowed)
	assert.Len(t, f.sink.Events(), 11)
}

func TestLogin_RateLimitedPerOriginAndIdentity(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.auth.Login(ctx, meta(), LoginRequest{Email: fmt.Sprintf("user%d@x.com", i), Password: "p"})
		require.Equal(t, http.StatusUnauthorized, asAuth(t, err).Status)
	}
	_, err := f.auth.Login(ctx, meta(), LoginRequest{Email: "fresh@x.com", Password: "p"})
	assert.Equal(t, http.StatusTooManyRequests, asAuth(t, err).Status, "distinct identities share the origin bucket")

	for i := 0; i < 10; i++ {
		m := meta()
		m.IPAddress = fmt.Sprintf("198.51.100.%d", i)
		_, _ = f.auth.Login(ctx, m, LoginRequest{Email: "target@x.com", Password: "p"})
	}
	m := meta()
	m.IPAddress = "198.51.100.200"
	_, err = f.auth.Login(ctx, m, LoginRequest{Email: "target@x.com", Password: "p"})
	assert.Equal(t, http.StatusTooManyRequests, asAuth(t, err).Status, "one identity is limited across origins")
}

func TestLogin_SuccessResetsOnlyIdentityBucket(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = f.auth.Login(ctx, meta(), LoginRequest{Email: testEmail, Password: "WrongPass1!"})
	}
	res, err := f.auth.Login(ctx, meta(), LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	assert.Equal(t, 5, res.RateLimit.Remaining)

	other := ratelimit.New(f.kv, ratelimit.Config{Max: 10, Window: 15 * time.Minute}, nil)
	assert.Equal(t, 4, other.Check(ctx, ratelimit.KeyFor("login", testIP, "")).Remaining,
		"origin counter keeps the five earlier attempts")
	assert.Equal(t, 9, other.Check(ctx, ratelimit.KeyFor("login", "", testEmail)).Remaining)
}

func TestLogin_CSRF(t *testing.T) {
	f := newFixture(t, withCSRF())
	f.seedAccount(t, nil)
	ctx := context.Background()

	_, err := f.auth.Login(ctx, meta(), LoginRequest{Email: testEmail, Password: testPassword})
	assert.Equal(t, http.StatusForbidden, asAuth(t, err).Status)

	tok, err := f.csrf.Issue(ctx, "browser-1")
	require.NoError(t, err)

	m := meta()
	m.CSRFSessionID, m.CSRFToken = "browser-2", tok
	_, err = f.auth.Login(ctx, m, LoginRequest{Email: testEmail, Password: testPassword})
	assert.Equal(t, http.StatusForbidden, asAuth(t, err).Status)

	m.CSRFSessionID = "browser-1"
	_, err = f.auth.Login(ctx, m, LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
}

func TestLogin_ValidationFields(t *testing.T) {
	f := newFixture(t)

	_, err := f.auth.Login(context.Background(), meta(), LoginRequest{Email: "not-an-email"})
	ae := asAuth(t, err)
	assert.Equal(t, http.StatusBadRequest, ae.Status)
	assert.Contains(t, ae.Fields, "email")
	assert.Contains(t, ae.Fields, "password")
	assert.Len(t, f.sink.Events(), 1)
}

func TestLogin_SuspiciousActivityOnlyAnnotates(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)

	m := meta()
	m.UserAgent = "curl/8.0"
	_, err := f.auth.Login(context.Background(), m, LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)

	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Flags, "suspicious_user_agent")
}

func TestLogin_DegradedStoresFailOpen(t *testing.T) {
	f := newFixture(t, withKV(downKV{}))
	f.seedAccount(t, nil)

	res, err := f.auth.Login(context.Background(), meta(), LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	assert.True(t, res.RateLimit.Degraded)

	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Flags, flagRateLimitDegraded)
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.auth.Register(ctx, meta(), RegisterRequest{
		Email: "New@X.com", Password: testPassword, FirstName: "Grace", LastName: "Hopper", Role: models.RoleAdmin,
	})
	require.NoError(t, err)
	assert.Equal(t, "new@x.com", res.User.Email)
	assert.Equal(t, models.RoleUser, res.User.Role, "elevated role from unlisted domain is downgraded")
	assert.Equal(t, 100, res.PasswordScore)

	res, err = f.auth.Register(ctx, meta(), RegisterRequest{
		Email: "boss@corp.example", Password: testPassword, FirstName: "Boss", LastName: "Person", Role: models.RoleManager,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleManager, res.User.Role)

	_, err = f.auth.Register(ctx, meta(), RegisterRequest{
		Email: "new@x.com", Password: testPassword, FirstName: "Grace", LastName: "Hopper",
	})
	assert.Equal(t, http.StatusConflict, asAuth(t, err).Status)

	_, err = f.auth.Register(ctx, meta(), RegisterRequest{
		Email: "weak@x.com", Password: "alllowercase", FirstName: "W", LastName: "K",
	})
	ae := asAuth(t, err)
	assert.Equal(t, http.StatusBadRequest, ae.Status)
	assert.Contains(t, ae.Fields, "password")

	events := f.sink.Events()
	require.Len(t, events, 4)
	assert.Equal(t, models.EventRegisterSuccess, events[0].EventType)
	assert.Equal(t, models.RoleAdmin, events[0].Details["requested_role"])
	assert.Equal(t, models.EventRegisterFailure, events[3].EventType)
}

func TestPasswordPolicy_Score(t *testing.T) {
	p := PasswordPolicy{MinLength: 8, MaxLength: 16, MinScore: 80}

	tests := []struct {
		password string
		score    int
		passes   bool
	}{
		{"CorrectPass1!", 100, true},
		{"correctpass1!", 80, true},
		{"short1!", 60, false},
		{"abcdefgh", 40, false},
		{"Aa1!Aa1!Aa1!Aa1!Aa1!", 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			s := p.Score(tt.password)
			assert.Equal(t, tt.score, s.Score)
			assert.Equal(t, tt.passes, s.Passes(p.MinScore))
		})
	}
}
