package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"session-service/internal/audit"
	"session-service/internal/models"
	"session-service/internal/repository"
)

type MonitorConfig struct {
	Interval      time.Duration
	WarningBefore time.Duration
}

// SessionMonitor warns sessions that are about to expire and ends those
// that have.
type SessionMonitor struct {
	sessions repository.SessionStore
	events   EventPublisher
	audit    *audit.Recorder
	cfg      MonitorConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewSessionMonitor(sessions repository.SessionStore, events EventPublisher, recorder *audit.Recorder, cfg MonitorConfig, logger *zap.Logger) *SessionMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.WarningBefore <= 0 {
		cfg.WarningBefore = 5 * time.Minute
	}
	if events == nil {
		events = noopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionMonitor{
		sessions: sessions,
		events:   events,
		audit:    recorder,
		cfg:      cfg,
		logger:   logger.Named("session_monitor"),
		now:      time.Now,
	}
}

func (m *SessionMonitor) WithClock(now func() time.Time) *SessionMonitor {
	m.now = now
	return m
}

// SweepResult counts what one pass did
type SweepResult struct {
	Warned  int
	Expired int
}

// Sweep inspects every active session once.
func (m *SessionMonitor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	sessions, err := m.sessions.ListActiveSessions(ctx)
	if err != nil {
		return res, fmt.Errorf("list active sessions: %w", err)
	}

	now := m.now()
	for _, sess := range sessions {
		switch {
		case sess.Expired(now):
			if err := m.expire(ctx, sess, now); err != nil {
				m.logger.Warn("failed to expire session", zap.String("session_id", sess.SessionID), zap.Error(err))
				continue
			}
			res.Expired++
		case !sess.WarningSent && sess.ExpiresAt.Sub(now) <= m.cfg.WarningBefore:
			if err := m.warn(ctx, sess, now); err != nil {
				m.logger.Warn("failed to warn session", zap.String("session_id", sess.SessionID), zap.Error(err))
				continue
			}
			res.Warned++
		}
	}
	return res, nil
}

func (m *SessionMonitor) warn(ctx context.Context, sess *models.Session, now time.Time) error {
	secs := sess.SecondsRemaining(now)
	ev, err := models.NewSessionEvent(models.SessionWarning, models.SessionWarningData{
		Message:          fmt.Sprintf("Your session will expire in %d minutes", (secs+59)/60),
		SecondsRemaining: secs,
	}, now)
	if err != nil {
		return err
	}
	sess.WarningSent = true
	if err := m.sessions.UpdateSession(ctx, sess); err != nil {
		return err
	}
	return m.events.PublishToSession(ctx, sess.SessionID, ev)
}

func (m *SessionMonitor) expire(ctx context.Context, sess *models.Session, now time.Time) error {
	if err := m.sessions.DeleteSession(ctx, sess.SessionID); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
		return err
	}
	ev, err := models.NewSessionEvent(models.ForceLogout, models.ForceLogoutData{Reason: models.ReasonSessionExpired}, now)
	if err != nil {
		return err
	}
	if err := m.events.PublishToSession(ctx, sess.SessionID, ev); err != nil {
		m.logger.Warn("failed to publish expiry", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
	m.audit.Record(ctx, audit.NewEvent(models.EventSessionTerminate).
		WithIdentity("", sess.UserID).
		WithSession(sess.SessionID).
		WithRequest(sess.DeviceInfo.IPAddress, sess.DeviceInfo.UserAgent).
		WithResult(http.StatusOK, audit.OutcomeSuccess, models.ReasonSessionExpired))
	return nil
}

// Run sweeps on every interval until ctx is done.
func (m *SessionMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("session monitor started", zap.Duration("interval", m.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("session monitor stopped")
			return
		case <-ticker.C:
			res, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if res.Warned > 0 || res.Expired > 0 {
				m.logger.Debug("session sweep", zap.Int("warned", res.Warned), zap.Int("expired", res.Expired))
			}
		}
	}
}
