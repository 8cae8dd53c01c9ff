package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/emissary-hq/emissary/pkg/audit"
	"github.com/emissary-hq/emissary/pkg/httputil"
	"github.com/emissary-hq/emissary/pkg/observability"
)

// Cookie names used by the session manager. The CSRF cookie is deliberately
// readable by client script so it can be echoed back in a request header.
const (
	CookieSession = "em_session"
	CookieRefresh = "em_refresh"
	CookieCSRF    = "em_csrf"
)

// Session is the result of a successful session start.
type Session struct {
	AccessToken  string
	RefreshToken string
	CSRFToken    string
	User         *User
}

// SessionManager is the single point that mints session cookies. Password
// login, token refresh and both SSO flows all terminate here.
type SessionManager struct {
	tokens        *TokenService
	users         UserStore
	audit         audit.Logger
	logger        *observability.Logger
	secureCookies bool
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

// NewSessionManager creates a session manager.
func NewSessionManager(tokens *TokenService, users UserStore, auditLog audit.Logger, logger *observability.Logger, secureCookies bool, accessTTL, refreshTTL time.Duration) *SessionManager {
	return &SessionManager{
		tokens:        tokens,
		users:         users,
		audit:         auditLog,
		logger:        logger,
		secureCookies: secureCookies,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
	}
}

// StartSession issues tokens, rotates the CSRF token and sets the three
// session cookies. Audit logging and last-login updates are best-effort and
// never fail the login.
func (sm *SessionManager) StartSession(w http.ResponseWriter, r *http.Request, user *User, method string) (*Session, error) {
	accessToken, refreshToken, err := sm.tokens.Issue(user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session tokens: %w", err)
	}

	csrfToken, err := newCSRFToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate csrf token: %w", err)
	}

	sm.setCookie(w, CookieSession, accessToken, "/", int(sm.accessTTL.Seconds()), true)
	sm.setCookie(w, CookieRefresh, refreshToken, "/", int(sm.refreshTTL.Seconds()), true)
	sm.setCookie(w, CookieCSRF, csrfToken, "/", int(sm.accessTTL.Seconds()), false)

	ctx := r.Context()
	if err := sm.users.TouchLastLogin(ctx, user.ID); err != nil {
		sm.logger.WithError(err).WithField("user_id", user.ID).Warn("failed to update last login time")
	}
	if sm.audit != nil {
		sm.audit.Record(ctx, &audit.Event{
			Type:      audit.EventTypeLogin,
			Status:    audit.EventStatusSuccess,
			UserID:    user.ID,
			Email:     user.Email,
			Method:    method,
			IPAddress: httputil.ClientIP(r),
			UserAgent: r.UserAgent(),
		})
	}

	return &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		CSRFToken:    csrfToken,
		User:         user.Sanitized(),
	}, nil
}

// EndSession clears all three session cookies.
func (sm *SessionManager) EndSession(w http.ResponseWriter) {
	sm.setCookie(w, CookieSession, "", "/", -1, true)
	sm.setCookie(w, CookieRefresh, "", "/", -1, true)
	sm.setCookie(w, CookieCSRF, "", "/", -1, false)
}

// CurrentUser resolves the authenticated user from the session cookie,
// falling back to an Authorization bearer header for programmatic callers.
// The returned user never carries a password hash.
func (sm *SessionManager) CurrentUser(ctx context.Context, r *http.Request) (*User, error) {
	token := ""
	if cookie, err := r.Cookie(CookieSession); err == nil {
		token = cookie.Value
	}
	if token == "" {
		token = httputil.BearerToken(r)
	}
	if token == "" {
		return nil, ErrUnauthenticated
	}

	claims, err := sm.tokens.VerifyAccess(token)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	user, err := sm.users.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user.Sanitized(), nil
}

// RefreshTokenFrom extracts the refresh token from the refresh cookie or
// bearer header.
func (sm *SessionManager) RefreshTokenFrom(r *http.Request) string {
	if cookie, err := r.Cookie(CookieRefresh); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return httputil.BearerToken(r)
}

func (sm *SessionManager) setCookie(w http.ResponseWriter, name, value, path string, maxAge int, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		HttpOnly: httpOnly,
		Secure:   sm.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// newCSRFToken returns 256 bits of hex-encoded randomness.
func newCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
