package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"session-service/internal/audit"
	"session-service/internal/models"
	"session-service/internal/repository"
	"session-service/internal/token"
)

type LogoutResult struct {
	SessionID string `json:"sessionId,omitempty"`
}

type RefreshResult struct {
	AccessToken     string          `json:"accessToken"`
	ExpiresIn       int             `json:"expiresIn"`
	AccessExpiresAt time.Time       `json:"-"`
	Session         *models.Session `json:"session"`
}

// SessionService owns the post-login session lifecycle
type SessionService struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func NewSessionService(deps Deps, opts Options) *SessionService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = noopPublisher{}
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	return &SessionService{deps: deps, opts: opts, logger: deps.Logger.Named("session"), now: time.Now}
}

func (s *SessionService) WithClock(now func() time.Time) *SessionService {
	s.now = now
	return s
}

// Authenticate verifies an access token and loads its live session.
func (s *SessionService) Authenticate(ctx context.Context, accessToken string) (*token.Claims, *models.Session, error) {
	if accessToken == "" {
		return nil, nil, unauthorized("missing_token", nil)
	}
	claims, err := s.deps.Signer.Verify(accessToken, token.TypeAccess)
	if err != nil {
		return nil, nil, unauthorized("invalid_token", err)
	}
	sess, err := s.liveSession(ctx, claims.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.UserID != claims.Subject {
		return nil, nil, unauthorized("session_mismatch", nil)
	}
	return claims, sess, nil
}

func (s *SessionService) liveSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := s.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, unauthorized("session_not_found", err)
		}
		return nil, internalError(err)
	}
	if !sess.IsActive || sess.Expired(s.now()) {
		return nil, unauthorized("session_expired", nil)
	}
	return sess, nil
}

// Current returns the caller's session snapshot
func (s *SessionService) Current(ctx context.Context, accessToken string) (*models.Session, error) {
	_, sess, err := s.Authenticate(ctx, accessToken)
	return sess, err
}

// Logout ends the session named by either token. A request without any
// valid token still succeeds so clients can always clear their cookies.
func (s *SessionService) Logout(ctx context.Context, meta RequestMeta, accessToken, refreshToken string) (res *LogoutResult, err error) {
	ev := audit.NewEvent(models.EventLogout).WithRequest(meta.IPAddress, meta.UserAgent)
	defer s.record(ctx, ev, models.EventLogout, &err)

	var claims *token.Claims
	if accessToken != "" {
		claims, _ = s.deps.Signer.Verify(accessToken, token.TypeAccess)
	}
	if claims == nil && refreshToken != "" {
		claims, _ = s.deps.Signer.Verify(refreshToken, token.TypeRefresh)
	}
	if claims == nil {
		ev.WithResult(http.StatusOK, audit.OutcomeSuccess, "no_active_session")
		return &LogoutResult{}, nil
	}
	ev.WithIdentity(claims.Email, claims.Subject).WithSession(claims.SessionID)

	if err := s.deps.Sessions.DeleteSession(ctx, claims.SessionID); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
		return nil, internalError(err)
	}
	s.push(ctx, claims.SessionID, models.ForceLogout, models.ForceLogoutData{Reason: models.ReasonLogout})

	ev.WithResult(http.StatusOK, audit.OutcomeSuccess, "")
	s.logger.Info("session logged out",
		zap.String("user_id", claims.Subject),
		zap.String("session_id", claims.SessionID))
	return &LogoutResult{SessionID: claims.SessionID}, nil
}

// Refresh exchanges a refresh token for a new access token and extends the session.
func (s *SessionService) Refresh(ctx context.Context, meta RequestMeta, refreshToken string) (res *RefreshResult, err error) {
	ev := audit.NewEvent(models.EventTokenRefresh).WithRequest(meta.IPAddress, meta.UserAgent)
	defer s.record(ctx, ev, models.EventRefreshFailure, &err)

	if refreshToken == "" {
		return nil, unauthorized("missing_token", nil)
	}
	claims, err := s.deps.Signer.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		return nil, unauthorized("invalid_token", err)
	}
	ev.WithIdentity(claims.Email, claims.Subject).WithSession(claims.SessionID)

	sess, err := s.liveSession(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != claims.Subject {
		return nil, unauthorized("session_mismatch", nil)
	}

	now := s.now().UTC()
	if ext := now.Add(s.opts.SessionTTL); ext.After(sess.ExpiresAt) {
		sess.ExpiresAt = ext
		sess.WarningSent = false
	}
	sess.LastActivity = now
	if err := s.deps.Sessions.UpdateSession(ctx, sess); err != nil {
		return nil, internalError(err)
	}

	access, exp, err := s.deps.Signer.IssueAccess(token.Subject{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		Email:     claims.Email,
		Role:      claims.Role,
	})
	if err != nil {
		return nil, internalError(err)
	}
	s.push(ctx, sess.SessionID, models.SessionUpdate, models.SessionUpdateData{Session: sess})

	ev.WithResult(http.StatusOK, audit.OutcomeSuccess, "")
	return &RefreshResult{
		AccessToken:     access,
		ExpiresIn:       int(s.deps.Signer.AccessTTL().Seconds()),
		AccessExpiresAt: exp,
		Session:         sess,
	}, nil
}

// Terminate force-closes one of the caller's own sessions.
func (s *SessionService) Terminate(ctx context.Context, meta RequestMeta, accessToken, targetID string) (err error) {
	ev := audit.NewEvent(models.EventSessionTerminate).
		WithRequest(meta.IPAddress, meta.UserAgent).
		WithSession(targetID)
	defer s.record(ctx, ev, models.EventSessionTerminate, &err)

	claims, _, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return err
	}
	ev.WithIdentity(claims.Email, claims.Subject).WithDetail("requested_by", claims.SessionID)

	target, err := s.deps.Sessions.GetSession(ctx, targetID)
	if err != nil || target.UserID != claims.Subject {
		if err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
			return internalError(err)
		}
		return newAuthError(http.StatusNotFound, "session_not_found", MsgSessionNotFound, "session_not_found", ErrSessionNotFound)
	}
	if err := s.deps.Sessions.DeleteSession(ctx, targetID); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
		return internalError(err)
	}
	s.push(ctx, targetID, models.ForceLogout, models.ForceLogoutData{Reason: models.ReasonSessionTerminated})

	ev.WithResult(http.StatusOK, audit.OutcomeSuccess, "")
	return nil
}

// Touch records client activity on a session.
func (s *SessionService) Touch(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := s.liveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.LastActivity = s.now().UTC()
	if err := s.deps.Sessions.UpdateSession(ctx, sess); err != nil {
		return nil, internalError(err)
	}
	return sess, nil
}

// Status returns the live session or an unauthorized error.
func (s *SessionService) Status(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.liveSession(ctx, sessionID)
}

func (s *SessionService) push(ctx context.Context, sessionID, eventType string, data interface{}) {
	ev, err := models.NewSessionEvent(eventType, data, s.now())
	if err != nil {
		s.logger.Error("failed to encode session event", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := s.deps.Events.PublishToSession(ctx, sessionID, ev); err != nil {
		s.logger.Warn("failed to publish session event",
			zap.String("type", eventType),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func (s *SessionService) record(ctx context.Context, ev *audit.Event, failureType string, errp *error) {
	if *errp != nil {
		ae := asAuthError(*errp)
		if ae.Status >= http.StatusInternalServerError {
			s.logger.Error("session pipeline failed", zap.String("event_type", failureType), zap.Error(ae.Err))
		}
		ev.EventType = failureType
		ev.WithResult(ae.Status, audit.OutcomeFailure, ae.Reason)
		*errp = ae
	}
	s.deps.Audit.Record(ctx, ev)
}
