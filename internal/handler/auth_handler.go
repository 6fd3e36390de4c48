package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-service/internal/csrf"
	"session-service/internal/ratelimit"
	"session-service/internal/service"
	"session-service/internal/util"
)

const (
	cookieAccessToken  = "accessToken"
	cookieRefreshToken = "refreshToken"
	cookieSessionID    = "sessionId"
	headerCSRFToken    = "X-CSRF-Token"

	maxBodyBytes = 1 << 16
)

// CookieConfig controls the Set-Cookie attributes
type CookieConfig struct {
	Secure bool
	Domain string
	// CSRFTTL bounds the lifetime of the sessionId cookie
	CSRFTTL time.Duration
}

// AuthHandler handles HTTP requests for the auth and session pipelines
type AuthHandler struct {
	auth     *service.AuthService
	sessions *service.SessionService
	csrf     *csrf.Store
	cookies  CookieConfig
	logger   *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(auth *service.AuthService, sessions *service.SessionService, csrfStore *csrf.Store, cookies CookieConfig, logger *zap.Logger) *AuthHandler {
	if cookies.CSRFTTL <= 0 {
		cookies.CSRFTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		auth:     auth,
		sessions: sessions,
		csrf:     csrfStore,
		cookies:  cookies,
		logger:   logger,
	}
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/register", h.Register)
		r.Post("/logout", h.Logout)
		r.Post("/refresh", h.Refresh)
		r.Get("/csrf-token", h.CSRFToken)

		// access token required
		r.Get("/session", h.CurrentSession)
		r.Post("/sessions/{sessionID}/terminate", h.TerminateSession)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func accessToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return cookieValue(r, cookieAccessToken)
}

func requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		IPAddress:     clientIP(r),
		UserAgent:     r.UserAgent(),
		CSRFSessionID: cookieValue(r, cookieSessionID),
		CSRFToken:     r.Header.Get(headerCSRFToken),
	}
}

// decode reads a JSON body. A malformed body is logged and left zero so the
// pipeline still runs and reports field errors through its audited path.
func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) {
	if r.Body == nil {
		return
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		h.logger.Debug("malformed request body", util.ErrorField(err), util.String("path", r.URL.Path))
	}
}

func (h *AuthHandler) cookie(name, value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cookies.Domain,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if value == "" {
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
	} else {
		c.Expires = expires
	}
	return c
}

// Login handles credential login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.LoginRequest
	h.decode(w, r, &req)

	res, err := h.auth.Login(r.Context(), requestMeta(r), req)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	ratelimit.AddHeaders(w, res.RateLimit)
	http.SetCookie(w, h.cookie(cookieAccessToken, res.AccessToken, res.AccessExpiresAt))
	http.SetCookie(w, h.cookie(cookieRefreshToken, res.RefreshToken, res.RefreshExpiresAt))
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, "Login successful"))

	h.logger.Info("Login via HTTP",
		util.String("user_id", res.User.ID),
		util.Duration("duration", time.Since(startTime)))
}

// Register handles account creation
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	h.decode(w, r, &req)

	res, err := h.auth.Register(r.Context(), requestMeta(r), req)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	ratelimit.AddHeaders(w, res.RateLimit)
	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(res, "Account created successfully"))
}

// Logout ends the current session and clears the auth cookies
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.Logout(r.Context(), requestMeta(r), accessToken(r), cookieValue(r, cookieRefreshToken))
	http.SetCookie(w, h.cookie(cookieAccessToken, "", time.Time{}))
	http.SetCookie(w, h.cookie(cookieRefreshToken, "", time.Time{}))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, "Logged out"))
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh exchanges a refresh token for a new access token
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	refresh := cookieValue(r, cookieRefreshToken)
	if refresh == "" {
		var req refreshRequest
		h.decode(w, r, &req)
		refresh = req.RefreshToken
	}

	res, err := h.sessions.Refresh(r.Context(), requestMeta(r), refresh)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	http.SetCookie(w, h.cookie(cookieAccessToken, res.AccessToken, res.AccessExpiresAt))
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, "Token refreshed"))
}

// CSRFToken issues a token bound to the sessionId cookie, setting one if absent
func (h *AuthHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	sid := cookieValue(r, cookieSessionID)
	if sid == "" {
		sid = uuid.New().String()
		http.SetCookie(w, h.cookie(cookieSessionID, sid, time.Now().Add(h.cookies.CSRFTTL)))
	}

	tok, err := h.csrf.Issue(r.Context(), sid)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(map[string]string{"csrfToken": tok}, ""))
}

// CurrentSession returns the caller's session snapshot
func (h *AuthHandler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Current(r.Context(), accessToken(r))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(sess, ""))
}

// TerminateSession force-closes one of the caller's sessions
func (h *AuthHandler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "sessionID")
	if target == "" {
		badRequest(w, h.logger, "Session id is required")
		return
	}
	if err := h.sessions.Terminate(r.Context(), requestMeta(r), accessToken(r), target); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(map[string]string{"sessionId": target}, "Session terminated"))
}
