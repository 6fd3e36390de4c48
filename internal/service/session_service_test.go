package service

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/models"
	"session-service/internal/repository"
)

func login(t *testing.T, f *fixture) *LoginResult {
	t.Helper()
	res, err := f.auth.Login(context.Background(), meta(), LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	f.sink.Reset()
	return res
}

func forceLogoutReason(t *testing.T, ev models.SessionEvent) string {
	t.Helper()
	require.Equal(t, models.ForceLogout, ev.Type)
	var data models.ForceLogoutData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	return data.Reason
}

func TestSession_AuthenticateAndCurrent(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)
	res := login(t, f)

	sess, err := f.session.Current(context.Background(), res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, sess.SessionID)

	_, err = f.session.Current(context.Background(), res.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, asAuth(t, err).Status)

	_, err = f.session.Current(context.Background(), "")
	assert.Equal(t, http.StatusUnauthorized, asAuth(t, err).Status)
}

func TestSession_Logout(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)
	res := login(t, f)
	ctx := context.Background()

	out, err := f.session.Logout(ctx, meta(), res.AccessToken, "")
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, out.SessionID)

	_, err = f.sessions.GetSession(ctx, res.SessionID)
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)

	pushed := f.events.forSession(res.SessionID)
	require.Len(t, pushed, 1)
	assert.Equal(t, models.ReasonLogout, forceLogoutReason(t, pushed[0]))

	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventLogout, events[0].EventType)
}

func TestSession_LogoutWithoutTokenSucceeds(t *testing.T) {
	f := newFixture(t)

	_, err := f.session.Logout(context.Background(), meta(), "garbage", "")
	require.NoError(t, err)

	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "no_active_session", events[0].Reason)
}

func TestSession_Refresh(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)
	res := login(t, f)
	ctx := context.Background()

	f.clock.advance(50 * time.Minute)
	out, err := f.session.Refresh(ctx, meta(), res.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, out.AccessToken)
	assert.Equal(t, f.clock.now().Add(time.Hour), out.Session.ExpiresAt)

	_, err = f.session.Refresh(ctx, meta(), res.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, asAuth(t, err).Status)

	events := f.sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventTokenRefresh, events[0].EventType)
	assert.Equal(t, models.EventRefreshFailure, events[1].EventType)
}

func TestSession_RefreshAfterLogoutFails(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)
	res := login(t, f)
	ctx := context.Background()

	_, err := f.session.Logout(ctx, meta(), res.AccessToken, res.RefreshToken)
	require.NoError(t, err)

	_, err = f.session.Refresh(ctx, meta(), res.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, asAuth(t, err).Status)
}

func TestSession_Terminate(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)
	first := login(t, f)
	second := login(t, f)
	ctx := context.Background()

	require.NoError(t, f.session.Terminate(ctx, meta(), first.AccessToken, second.SessionID))

	_, err := f.session.Current(ctx, second.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, asAuth(t, err).Status)
	pushed := f.events.forSession(second.SessionID)
	require.Len(t, pushed, 1)
	assert.Equal(t, models.ReasonSessionTerminated, forceLogoutReason(t, pushed[0]))

	err = f.session.Terminate(ctx, meta(), first.AccessToken, "someone-elses")
	assert.Equal(t, http.StatusNotFound, asAuth(t, err).Status)
}

func TestSession_Touch(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)
	res := login(t, f)

	f.clock.advance(2 * time.Minute)
	sess, err := f.session.Touch(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.now(), sess.LastActivity)

	f.clock.advance(2 * time.Hour)
	_, err = f.session.Status(context.Background(), res.SessionID)
	assert.Equal(t, http.StatusUnauthorized, asAuth(t, err).Status)
}

func TestSessionMonitor_WarnsOnceThenExpires(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, nil)
	res := login(t, f)
	ctx := context.Background()

	mon := NewSessionMonitor(f.sessions, f.events, nil, MonitorConfig{WarningBefore: 5 * time.Minute}, nil).WithClock(f.clock.now)

	got, err := mon.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, got)

	f.clock.advance(56 * time.Minute)
	got, err = mon.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Warned: 1}, got)

	got, err = mon.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, got, "warning is sent once")

	pushed := f.events.forSession(res.SessionID)
	require.Len(t, pushed, 1)
	assert.Equal(t, models.SessionWarning, pushed[0].Type)
	var warning models.SessionWarningData
	require.NoError(t, json.Unmarshal(pushed[0].Data, &warning))
	assert.Equal(t, 240, warning.SecondsRemaining)

	f.clock.advance(5 * time.Minute)
	got, err = mon.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1}, got)

	pushed = f.events.forSession(res.SessionID)
	require.Len(t, pushed, 2)
	assert.Equal(t, models.ReasonSessionExpired, forceLogoutReason(t, pushed[1]))

	_, err = f.sessions.GetSession(ctx, res.SessionID)
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
}
