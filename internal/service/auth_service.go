package service

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-service/internal/audit"
	"session-service/internal/csrf"
	"session-service/internal/hashing"
	"session-service/internal/lockout"
	"session-service/internal/models"
	"session-service/internal/policy"
	"session-service/internal/ratelimit"
	"session-service/internal/repository"
	"session-service/internal/token"
	"session-service/internal/util"
)

const flagRateLimitDegraded = "rate_limit_degraded"

// EventPublisher delivers session events to realtime connections
type EventPublisher interface {
	PublishToSession(ctx context.Context, sessionID string, ev models.SessionEvent) error
	PublishToUser(ctx context.Context, userID string, ev models.SessionEvent) error
}

type noopPublisher struct{}

func (noopPublisher) PublishToSession(context.Context, string, models.SessionEvent) error { return nil }
func (noopPublisher) PublishToUser(context.Context, string, models.SessionEvent) error    { return nil }

// Deps are the collaborators shared by the auth and session services
type Deps struct {
	Limiter  *ratelimit.Limiter
	Lockout  *lockout.Tracker
	CSRF     *csrf.Store
	Accounts repository.AccountStore
	Sessions repository.SessionStore
	Hasher   *hashing.Hasher
	Signer   *token.Signer
	Screener policy.Screener
	Audit    *audit.Recorder
	Events   EventPublisher
	Logger   *zap.Logger
}

// Options are the behavioural toggles of the pipelines
type Options struct {
	EnforceCSRF              bool
	RequireEmailVerification bool
	SessionTTL               time.Duration
	RememberMeTTL            time.Duration
	Password                 PasswordPolicy
	ElevatedRoles            []string
	ElevatedRoleDomains      []string
}

// RequestMeta carries the transport facts a pipeline needs
type RequestMeta struct {
	IPAddress string
	UserAgent string
	// CSRFSessionID is the sessionId cookie the CSRF token is bound to
	CSRFSessionID string
	CSRFToken     string
}

type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe,omitempty"`
}

type LoginResult struct {
	User             *models.Account   `json:"user"`
	AccessToken      string            `json:"accessToken"`
	RefreshToken     string            `json:"refreshToken"`
	SessionID        string            `json:"sessionId"`
	ExpiresIn        int               `json:"expiresIn"`
	AccessExpiresAt  time.Time         `json:"-"`
	RefreshExpiresAt time.Time         `json:"-"`
	RateLimit        ratelimit.Outcome `json:"-"`
}

type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role,omitempty"`
}

type RegisterResult struct {
	User          *models.Account   `json:"user"`
	PasswordScore int               `json:"passwordScore"`
	RateLimit     ratelimit.Outcome `json:"-"`
}

// AuthService runs the login and registration pipelines. Every call
// records exactly one audit event.
type AuthService struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func NewAuthService(deps Deps, opts Options) *AuthService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = noopPublisher{}
	}
	if deps.Screener == nil {
		deps.Screener = policy.DefaultRules()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	if opts.RememberMeTTL <= 0 {
		opts.RememberMeTTL = 30 * 24 * time.Hour
	}
	return &AuthService{deps: deps, opts: opts, logger: deps.Logger.Named("auth"), now: time.Now}
}

// WithClock replaces the time source
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// finish converts err into an AuthError, stamps the failure onto ev and
// records it. A nil error records ev as already stamped by the caller.
func (s *AuthService) finish(ctx context.Context, ev *audit.Event, failureType string, rl *ratelimit.Outcome, errp *error) {
	if *errp == nil {
		s.deps.Audit.Record(ctx, ev)
		return
	}
	ae := asAuthError(*errp)
	if ae.Status >= http.StatusInternalServerError {
		s.logger.Error("auth pipeline failed",
			zap.String("event_type", failureType),
			zap.String("identity", util.MaskIdentity(ev.Identity)),
			zap.Error(ae.Err))
	}
	if rl != nil && ae.RateLimit == nil {
		o := *rl
		ae.RateLimit = &o
	}
	ev.EventType = failureType
	ev.WithResult(ae.Status, audit.OutcomeFailure, ae.Reason)
	s.deps.Audit.Record(ctx, ev)
	*errp = ae
}

func (s *AuthService) checkRateLimit(ctx context.Context, ev *audit.Event, keys ...string) (ratelimit.Outcome, error) {
	o := s.deps.Limiter.CheckAll(ctx, keys...)
	if o.Degraded {
		ev.WithFlags(flagRateLimitDegraded)
	}
	if !o.Allowed {
		return o, rateLimitedError(o)
	}
	return o, nil
}

func (s *AuthService) checkCSRF(ctx context.Context, meta RequestMeta) error {
	if !s.opts.EnforceCSRF {
		return nil
	}
	if !s.deps.CSRF.Validate(ctx, meta.CSRFSessionID, meta.CSRFToken) {
		return csrfError()
	}
	return nil
}

func validateCredentials(email, password string, maxLen int) map[string]string {
	fields := make(map[string]string)
	switch {
	case email == "":
		fields["email"] = "Email is required"
	case !util.IsValidEmail(email):
		fields["email"] = "Email is invalid"
	}
	switch {
	case password == "":
		fields["password"] = "Password is required"
	case maxLen > 0 && len([]rune(password)) > maxLen:
		fields["password"] = "Password is too long"
	}
	return fields
}

// Login authenticates credentials and opens a session.
func (s *AuthService) Login(ctx context.Context, meta RequestMeta, req LoginRequest) (res *LoginResult, err error) {
	identity := util.NormalizeEmail(req.Email)
	ev := audit.NewEvent(models.EventLoginFailure).
		WithIdentity(identity, "").
		WithRequest(meta.IPAddress, meta.UserAgent)
	var rl ratelimit.Outcome
	defer s.finish(ctx, ev, models.EventLoginFailure, &rl, &err)

	// counted per origin and per identity; either bucket rejects
	originKey := ratelimit.KeyFor("login", meta.IPAddress, "")
	var identityKey string
	if identity != "" {
		identityKey = ratelimit.KeyFor("login", "", identity)
	}
	if rl, err = s.checkRateLimit(ctx, ev, originKey, identityKey); err != nil {
		return nil, err
	}
	if err = s.checkCSRF(ctx, meta); err != nil {
		return nil, err
	}
	if fields := validateCredentials(identity, req.Password, s.opts.Password.MaxLength); len(fields) > 0 {
		return nil, validationError(fields)
	}

	if st := s.deps.Lockout.CheckLockout(ctx, identity); st.IsLocked {
		return nil, lockedError(st.RetryAfterSeconds)
	}

	if flags := s.deps.Screener.Screen(policy.Input{
		Identity:  identity,
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
	}); len(flags) > 0 {
		ev.WithFlags(flags...)
	}

	account, err := s.deps.Accounts.GetAccountByEmail(ctx, identity)
	if err != nil {
		if !errors.Is(err, repository.ErrAccountNotFound) {
			return nil, internalError(err)
		}
		s.deps.Hasher.DummyVerify(req.Password)
		s.deps.Lockout.RecordFailure(ctx, identity)
		return nil, invalidCredentials("unknown_identity")
	}
	ev.WithIdentity(identity, account.ID)

	if !account.IsActive {
		return nil, invalidCredentials("account_deactivated")
	}
	if s.opts.RequireEmailVerification && !account.EmailVerified {
		return nil, invalidCredentials("email_unverified")
	}

	ok, err := s.deps.Hasher.Verify(req.Password, account.PasswordHash)
	if err != nil {
		return nil, internalError(err)
	}
	if !ok {
		attempts := s.deps.Lockout.RecordFailure(ctx, identity)
		ev.WithDetail("attempts", strconv.Itoa(attempts))
		return nil, invalidCredentials("invalid_password")
	}

	s.deps.Lockout.Clear(ctx, identity)
	s.deps.Limiter.Reset(ctx, identityKey)

	now := s.now().UTC()
	if err := s.deps.Accounts.UpdateLastLogin(ctx, account.ID, now); err != nil {
		s.logger.Warn("failed to persist last login",
			zap.String("user_id", account.ID), zap.Error(err))
	}
	account.LastLogin = &now

	ttl := s.opts.SessionTTL
	if req.RememberMe {
		ttl = s.opts.RememberMeTTL
	}
	sess := &models.Session{
		SessionID:    uuid.New().String(),
		UserID:       account.ID,
		IsActive:     true,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		DeviceInfo:   models.DeviceInfo{UserAgent: meta.UserAgent, IPAddress: meta.IPAddress},
	}
	if err := s.deps.Sessions.CreateSession(ctx, sess); err != nil {
		return nil, internalError(err)
	}

	sub := token.Subject{UserID: account.ID, SessionID: sess.SessionID, Email: account.Email, Role: account.Role}
	access, accessExp, err := s.deps.Signer.IssueAccess(sub)
	if err != nil {
		return nil, internalError(err)
	}
	refresh, refreshExp, err := s.deps.Signer.IssueRefresh(sub, ttl)
	if err != nil {
		return nil, internalError(err)
	}

	ev.WithSession(sess.SessionID)
	ev.EventType = models.EventLoginSuccess
	ev.WithResult(http.StatusOK, audit.OutcomeSuccess, "")

	s.logger.Info("login succeeded",
		zap.String("user_id", account.ID),
		zap.String("session_id", sess.SessionID),
		zap.Bool("remember_me", req.RememberMe))

	return &LoginResult{
		User:             account.Profile(),
		AccessToken:      access,
		RefreshToken:     refresh,
		SessionID:        sess.SessionID,
		ExpiresIn:        int(s.deps.Signer.AccessTTL().Seconds()),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		RateLimit:        rl,
	}, nil
}

// Register creates an account after scoring the password. Elevated roles
// from domains outside the allow-list are downgraded, not rejected.
func (s *AuthService) Register(ctx context.Context, meta RequestMeta, req RegisterRequest) (res *RegisterResult, err error) {
	identity := util.NormalizeEmail(req.Email)
	ev := audit.NewEvent(models.EventRegisterFailure).
		WithIdentity(identity, "").
		WithRequest(meta.IPAddress, meta.UserAgent)
	var rl ratelimit.Outcome
	defer s.finish(ctx, ev, models.EventRegisterFailure, &rl, &err)

	if rl, err = s.checkRateLimit(ctx, ev, ratelimit.KeyFor("register", meta.IPAddress, "")); err != nil {
		return nil, err
	}
	if err = s.checkCSRF(ctx, meta); err != nil {
		return nil, err
	}

	fields := validateCredentials(identity, req.Password, 0)
	firstName := util.SanitizeInput(req.FirstName)
	lastName := util.SanitizeInput(req.LastName)
	if firstName == "" {
		fields["firstName"] = "First name is required"
	}
	if lastName == "" {
		fields["lastName"] = "Last name is required"
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = models.RoleUser
	}
	if role != models.RoleUser && role != models.RoleManager && role != models.RoleAdmin {
		fields["role"] = "Role is invalid"
	}
	strength := s.opts.Password.Score(req.Password)
	if _, bad := fields["password"]; !bad && !strength.Passes(s.opts.Password.MinScore) {
		msg := "Password is too weak"
		if len(strength.Errors) > 0 {
			msg = strength.Errors[0]
		} else if len(strength.Suggestions) > 0 {
			msg = msg + ": " + strings.Join(strength.Suggestions, ", ")
		}
		fields["password"] = msg
		ev.WithDetail("password_score", strconv.Itoa(strength.Score))
	}
	if len(fields) > 0 {
		return nil, validationError(fields)
	}

	if flags := s.deps.Screener.Screen(policy.Input{
		Identity:  identity,
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
	}); len(flags) > 0 {
		ev.WithFlags(flags...)
	}

	if granted := s.grantRole(identity, role); granted != role {
		s.logger.Warn("requested role downgraded",
			zap.String("identity", util.MaskIdentity(identity)),
			zap.String("requested", role),
			zap.String("granted", granted))
		ev.WithDetail("requested_role", role)
		role = granted
	}

	hash, err := s.deps.Hasher.Hash(req.Password)
	if err != nil {
		return nil, internalError(err)
	}
	now := s.now().UTC()
	account := &models.Account{
		Email:         identity,
		PasswordHash:  hash,
		FirstName:     firstName,
		LastName:      lastName,
		Role:          role,
		IsActive:      true,
		EmailVerified: !s.opts.RequireEmailVerification,
		CreatedAt:     now,
	}
	if err := s.deps.Accounts.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			return nil, newAuthError(http.StatusConflict, "account_exists", MsgAccountExists, "account_exists", ErrAccountExists)
		}
		return nil, internalError(err)
	}

	ev.WithIdentity(identity, account.ID)
	ev.EventType = models.EventRegisterSuccess
	ev.WithResult(http.StatusCreated, audit.OutcomeSuccess, "")

	s.logger.Info("account registered",
		zap.String("user_id", account.ID),
		zap.String("role", role))

	return &RegisterResult{User: account.Profile(), PasswordScore: strength.Score, RateLimit: rl}, nil
}

func (s *AuthService) grantRole(identity, role string) string {
	if !slices.Contains(s.opts.ElevatedRoles, role) {
		return role
	}
	if slices.Contains(s.opts.ElevatedRoleDomains, util.EmailDomain(identity)) {
		return role
	}
	return models.RoleUser
}
