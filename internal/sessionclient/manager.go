package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-service/internal/models"
)

const headerCSRFToken = "X-CSRF-Token"

var ErrLoginFailed = errors.New("login failed")

type ManagerConfig struct {
	BaseURL    string
	LoginPath  string
	LogoutPath string
	CSRFPath   string
	Channel    ChannelConfig
	Activity   ActivityConfig
}

// Manager wires the channel, activity monitor, cross-context sync and
// notifier into one client session.
type Manager struct {
	cfg      ManagerConfig
	http     *http.Client
	storage  CredentialStore
	channel  *Channel
	cross    *CrossContext
	notifier *Notifier
	activity *ActivityMonitor
	redirect func(reason string)
	logger   *zap.Logger

	mu        sync.Mutex
	ended     bool
	removeSub func()
}

type ManagerDeps struct {
	Dialer     Dialer
	Storage    CredentialStore
	Cross      *CrossContext
	Notifier   *Notifier
	Sources    []SignalSource
	HTTPClient *http.Client
	// Redirect sends the user back to the login surface
	Redirect       func(reason string)
	ChannelOptions []ChannelOption
	ActivityOpts   []ActivityOption
}

func NewManager(cfg ManagerConfig, deps ManagerDeps, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/auth/login"
	}
	if cfg.LogoutPath == "" {
		cfg.LogoutPath = "/auth/logout"
	}
	if cfg.CSRFPath == "" {
		cfg.CSRFPath = "/auth/csrf-token"
	}
	if deps.Storage == nil {
		deps.Storage = NewMemoryStorage()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if deps.HTTPClient.Jar == nil {
		// the CSRF token is bound to the sessionId cookie
		jar, _ := cookiejar.New(nil)
		c := *deps.HTTPClient
		c.Jar = jar
		deps.HTTPClient = &c
	}
	if deps.Cross == nil {
		deps.Cross = NewCrossContext(nil, logger)
	}
	if deps.Redirect == nil {
		deps.Redirect = func(string) {}
	}

	m := &Manager{
		cfg:      cfg,
		http:     deps.HTTPClient,
		storage:  deps.Storage,
		cross:    deps.Cross,
		notifier: deps.Notifier,
		redirect: deps.Redirect,
		logger:   logger.Named("session_client"),
	}
	chOpts := append([]ChannelOption{WithForceLogoutHandler(func(reason string) {
		m.endSession(reason, true)
	})}, deps.ChannelOptions...)
	m.channel = NewChannel(cfg.Channel, deps.Dialer, m.storage, m.notifier, logger, chOpts...)
	m.activity = NewActivityMonitor(cfg.Activity, m.channel.UpdateActivity, m.onInactive, deps.Sources, deps.ActivityOpts...)
	return m
}

func (m *Manager) Channel() *Channel { return m.channel }

func (m *Manager) Activity() *ActivityMonitor { return m.activity }

func (m *Manager) Storage() CredentialStore { return m.storage }

type loginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		AccessToken  string          `json:"accessToken"`
		RefreshToken string          `json:"refreshToken"`
		SessionID    string          `json:"sessionId"`
		User         *models.Account `json:"user"`
	} `json:"data"`
}

type csrfResponse struct {
	Data struct {
		CSRFToken string `json:"csrfToken"`
	} `json:"data"`
}

func (m *Manager) url(path string) string {
	return strings.TrimRight(m.cfg.BaseURL, "/") + path
}

// fetchCSRFToken asks the server for a token; the sessionId cookie it is
// bound to lands in the client's jar.
func (m *Manager) fetchCSRFToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url(m.cfg.CSRFPath), nil)
	if err != nil {
		return "", err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("csrf token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("csrf token request: status %d", resp.StatusCode)
	}
	var out csrfResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode csrf token response: %w", err)
	}
	return out.Data.CSRFToken, nil
}

// Login fetches a CSRF token, posts credentials and stores the returned
// tokens. Servers that do not enforce CSRF accept the login without one.
func (m *Manager) Login(ctx context.Context, email, password string, rememberMe bool) (*models.Account, error) {
	csrfToken, err := m.fetchCSRFToken(ctx)
	if err != nil {
		m.logger.Debug("continuing login without csrf token", zap.Error(err))
	}

	body, err := json.Marshal(map[string]interface{}{"email": email, "password": password, "rememberMe": rememberMe})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url(m.cfg.LoginPath), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if csrfToken != "" {
		req.Header.Set(headerCSRFToken, csrfToken)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		return nil, fmt.Errorf("%w: %d %s", ErrLoginFailed, resp.StatusCode, out.Message)
	}

	m.storage.SetTokens(out.Data.AccessToken, out.Data.RefreshToken)
	m.mu.Lock()
	m.ended = false
	m.mu.Unlock()
	m.logger.Info("logged in", zap.String("session_id", out.Data.SessionID))
	return out.Data.User, nil
}

// Start opens the channel, begins activity tracking and joins sibling sync.
func (m *Manager) Start(ctx context.Context) error {
	m.cross.Start(ctx)
	remove := m.cross.AddListener(models.ForceLogout, func(data json.RawMessage) {
		var fl models.ForceLogoutData
		_ = json.Unmarshal(data, &fl)
		m.logger.Info("sibling context ended the session", zap.String("reason", fl.Reason))
		m.endSession(fl.Reason, false)
	})
	m.mu.Lock()
	m.removeSub = remove
	m.mu.Unlock()

	m.activity.Start()
	return m.channel.Connect(ctx)
}

// Logout ends the session on the server, here, and in sibling contexts.
func (m *Manager) Logout(ctx context.Context) error {
	var reqErr error
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url(m.cfg.LogoutPath), nil)
	if err == nil {
		if tok := m.storage.AccessToken(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := m.http.Do(req)
		if err != nil {
			reqErr = fmt.Errorf("logout request: %w", err)
		} else {
			resp.Body.Close()
		}
	} else {
		reqErr = err
	}
	m.endSession(models.ReasonLogout, true)
	return reqErr
}

// Stop releases local resources without ending the session.
func (m *Manager) Stop() {
	m.activity.Stop()
	m.channel.Disconnect()
	m.mu.Lock()
	remove := m.removeSub
	m.removeSub = nil
	m.mu.Unlock()
	if remove != nil {
		remove()
	}
	m.cross.Close()
}

// Ended reports whether the session was ended by logout or force logout
func (m *Manager) Ended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

func (m *Manager) endSession(reason string, broadcast bool) {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return
	}
	m.ended = true
	m.mu.Unlock()

	m.storage.Clear()
	m.channel.Disconnect()
	m.activity.Stop()
	if broadcast {
		m.cross.SendMessage(models.ForceLogout, models.ForceLogoutData{Reason: reason})
	}
	m.redirect(reason)
}

func (m *Manager) onInactive() {
	m.logger.Info("user inactive", zap.Time("last_activity", m.activity.LastActivity()))
	m.notifier.ShowSessionWarning("You have been inactive", 0)
}
