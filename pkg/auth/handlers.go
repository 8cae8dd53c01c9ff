package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/emissary-hq/emissary/pkg/audit"
	"github.com/emissary-hq/emissary/pkg/httputil"
	"github.com/emissary-hq/emissary/pkg/observability"
)

// ProviderLister reports the configured SSO entry points for the public
// provider listing and whether SSO is enabled at all.
type ProviderLister func(ctx context.Context) ([]ProviderInfo, bool)

// HandlersConfig wires the auth handlers' collaborators.
type HandlersConfig struct {
	Store     Store
	Sessions  *SessionManager
	Tokens    *TokenService
	Audit     audit.Logger
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Providers ProviderLister

	// OnSetupComplete is invoked once after a successful bootstrap so the
	// hosting process can flip out of first-run mode.
	OnSetupComplete func()
}

// Handlers serves the /auth JSON endpoints: login, refresh, me, logout,
// bootstrap, the public provider listing and the onboarding status.
type Handlers struct {
	store     Store
	sessions  *SessionManager
	tokens    *TokenService
	audit     audit.Logger
	logger    *observability.Logger
	metrics   *observability.Metrics
	providers ProviderLister

	bootstrapLimiter *AttemptLimiter
	onSetupComplete  func()
	setupOnce        sync.Once
}

// NewHandlers creates the auth handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{
		store:            cfg.Store,
		sessions:         cfg.Sessions,
		tokens:           cfg.Tokens,
		audit:            cfg.Audit,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		providers:        cfg.Providers,
		bootstrapLimiter: NewAttemptLimiter(bootstrapMaxAttempts, time.Minute),
		onSetupComplete:  cfg.OnSetupComplete,
	}
}

// RegisterRoutes registers the auth routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/login", h.login).Methods("POST")
	router.HandleFunc("/auth/refresh", h.refresh).Methods("POST")
	router.HandleFunc("/auth/me", h.me).Methods("GET")
	router.HandleFunc("/auth/logout", h.logout).Methods("POST")
	router.HandleFunc("/auth/sso/providers", h.listProviders).Methods("GET")
	router.HandleFunc("/auth/setup-status", h.setupStatus).Methods("GET")
	router.HandleFunc("/auth/bootstrap", h.bootstrap).Methods("POST")
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	CSRF         string `json:"csrf"`
	User         *User  `json:"user,omitempty"`
}

// login handles POST /auth/login
func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, "invalid request body")
		return
	}

	ctx := r.Context()
	user, err := h.store.GetUserByEmail(ctx, NormalizeEmail(req.Email))
	if err != nil && err != ErrNotFound {
		h.logger.WithError(err).Error("user lookup failed during login")
		httputil.WriteInternalError(w, ErrUnauthenticated)
		return
	}

	storedHash := ""
	if user != nil {
		storedHash = user.PasswordHash
	}
	if !CheckPassword(storedHash, req.Password) {
		h.recordLoginFailure(ctx, r, req.Email)
		h.metrics.Logins.WithLabelValues("password", "failure").Inc()
		httputil.WriteUnauthorized(w, ErrInvalidCredentials.Error())
		return
	}

	session, err := h.sessions.StartSession(w, r, user, "password")
	if err != nil {
		h.logger.WithError(err).Error("failed to start session")
		httputil.WriteInternalError(w, ErrUnauthenticated)
		return
	}

	h.metrics.Logins.WithLabelValues("password", "success").Inc()
	httputil.WriteSuccess(w, sessionResponse{
		Token:        session.AccessToken,
		RefreshToken: session.RefreshToken,
		CSRF:         session.CSRFToken,
		User:         session.User,
	})
}

// refresh handles POST /auth/refresh. The refresh token itself is the
// credential being rotated, so the CSRF echo is not required here.
func (h *Handlers) refresh(w http.ResponseWriter, r *http.Request) {
	token := h.sessions.RefreshTokenFrom(r)
	if token == "" {
		h.metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		httputil.WriteUnauthorized(w, "invalid refresh token")
		return
	}

	claims, err := h.tokens.VerifyRefresh(token)
	if err != nil {
		h.metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		httputil.WriteUnauthorized(w, "invalid refresh token")
		return
	}

	ctx := r.Context()
	user, err := h.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		h.metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		if err == ErrNotFound {
			httputil.WriteUnauthorized(w, ErrUserNotFound.Error())
		} else {
			h.logger.WithError(err).Error("user lookup failed during refresh")
			httputil.WriteInternalError(w, ErrUnauthenticated)
		}
		return
	}

	session, err := h.sessions.StartSession(w, r, user, "refresh")
	if err != nil {
		h.logger.WithError(err).Error("failed to rotate session")
		httputil.WriteInternalError(w, ErrUnauthenticated)
		return
	}

	h.metrics.TokenRefreshes.WithLabelValues("success").Inc()
	httputil.WriteSuccess(w, sessionResponse{
		Token: session.AccessToken,
		CSRF:  session.CSRFToken,
	})
}

// me handles GET /auth/me
func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	user, err := h.sessions.CurrentUser(r.Context(), r)
	if err != nil {
		if err == ErrUserNotFound {
			httputil.WriteNotFoundError(w, ErrUserNotFound.Error())
			return
		}
		httputil.WriteUnauthorized(w, ErrUnauthenticated.Error())
		return
	}
	httputil.WriteSuccess(w, user)
}

// logout handles POST /auth/logout
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	if user, err := h.sessions.CurrentUser(r.Context(), r); err == nil && h.audit != nil {
		h.audit.Record(r.Context(), &audit.Event{
			Type:      audit.EventTypeLogout,
			Status:    audit.EventStatusSuccess,
			UserID:    user.ID,
			Email:     user.Email,
			IPAddress: httputil.ClientIP(r),
		})
	}
	h.sessions.EndSession(w)
	httputil.WriteSuccess(w, map[string]bool{"ok": true})
}

// listProviders handles GET /auth/sso/providers (public)
func (h *Handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	providers := []ProviderInfo{}
	enabled := false
	if h.providers != nil {
		providers, enabled = h.providers(r.Context())
		if providers == nil {
			providers = []ProviderInfo{}
		}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"providers":  providers,
		"ssoEnabled": enabled,
	})
}

// setupStatus handles GET /auth/setup-status (public)
func (h *Handlers) setupStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := h.store.CountUsers(ctx)
	if err != nil {
		h.logger.WithError(err).Error("failed to count users")
		httputil.WriteInternalError(w, err)
		return
	}

	orgNamed := false
	if org, err := h.store.GetOrganization(ctx); err == nil && org != nil && org.Name != "" {
		orgNamed = true
	}

	ssoEnabled := false
	if h.providers != nil {
		_, ssoEnabled = h.providers(ctx)
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"needsBootstrap":    count == 0,
		"hasUsers":          count > 0,
		"organizationNamed": orgNamed,
		"ssoConfigured":     ssoEnabled,
	})
}

// bootstrap handles POST /auth/bootstrap. The rate limit is checked before
// any database access; the zero-user invariant is enforced atomically at the
// persistence boundary.
func (h *Handlers) bootstrap(w http.ResponseWriter, r *http.Request) {
	clientIP := httputil.ClientIP(r)
	if !h.bootstrapLimiter.Allow(clientIP) {
		h.metrics.BootstrapAttempts.WithLabelValues("rate_limited").Inc()
		httputil.WriteTooManyRequests(w, ErrRateLimited.Error())
		return
	}

	// Once any user exists the endpoint is disabled for every caller, no
	// matter what the payload looks like, so the gate runs before decoding.
	ctx := r.Context()
	count, err := h.store.CountUsers(ctx)
	if err != nil {
		h.logger.WithError(err).Error("failed to count users")
		httputil.WriteInternalError(w, err)
		return
	}
	if count > 0 {
		h.metrics.BootstrapAttempts.WithLabelValues("disabled").Inc()
		httputil.WriteForbidden(w, ErrBootstrapDisabled.Error())
		return
	}

	var req BootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, "invalid request body")
		return
	}
	if msg := req.Validate(); msg != "" {
		h.metrics.BootstrapAttempts.WithLabelValues("invalid").Inc()
		httputil.WriteValidationError(w, msg)
		return
	}

	passwordHash, err := HashPassword(req.Password)
	if err != nil {
		h.logger.WithError(err).Error("failed to hash bootstrap password")
		httputil.WriteInternalError(w, err)
		return
	}

	now := time.Now().UTC()
	user := &User{
		ID:           uuid.NewString(),
		Email:        NormalizeEmail(req.Email),
		Name:         req.Name,
		Role:         RoleOwner,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.store.CreateFirstUser(ctx, user); err != nil {
		if err == ErrUsersExist {
			h.metrics.BootstrapAttempts.WithLabelValues("disabled").Inc()
			httputil.WriteForbidden(w, ErrBootstrapDisabled.Error())
			return
		}
		h.logger.WithError(err).Error("failed to create first user")
		httputil.WriteInternalError(w, err)
		return
	}

	h.applyOrganizationSettings(ctx, &req)

	if h.audit != nil {
		h.audit.Record(ctx, &audit.Event{
			Type:      audit.EventTypeBootstrap,
			Status:    audit.EventStatusSuccess,
			UserID:    user.ID,
			Email:     user.Email,
			IPAddress: clientIP,
			UserAgent: r.UserAgent(),
		})
	}

	session, err := h.sessions.StartSession(w, r, user, "bootstrap")
	if err != nil {
		h.logger.WithError(err).Error("failed to start bootstrap session")
		httputil.WriteInternalError(w, err)
		return
	}

	if h.onSetupComplete != nil {
		h.setupOnce.Do(h.onSetupComplete)
	}

	h.metrics.BootstrapAttempts.WithLabelValues("success").Inc()
	httputil.WriteSuccess(w, sessionResponse{
		Token:        session.AccessToken,
		RefreshToken: session.RefreshToken,
		CSRF:         session.CSRFToken,
		User:         session.User,
	})
}

// applyOrganizationSettings records the optional company name and subdomain.
// Failures are logged but do not fail the bootstrap.
func (h *Handlers) applyOrganizationSettings(ctx context.Context, req *BootstrapRequest) {
	if req.CompanyName == "" && req.Subdomain == "" {
		return
	}
	org, err := h.store.GetOrganization(ctx)
	if err != nil || org == nil {
		org = &Organization{}
	}
	if req.CompanyName != "" {
		org.Name = req.CompanyName
	}
	if req.Subdomain != "" {
		org.Subdomain = Slugify(req.Subdomain)
	}
	org.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateOrganization(ctx, org); err != nil {
		h.logger.WithError(err).Warn("failed to update organization settings")
	}
}

func (h *Handlers) recordLoginFailure(ctx context.Context, r *http.Request, email string) {
	if h.audit == nil {
		return
	}
	h.audit.Record(ctx, &audit.Event{
		Type:      audit.EventTypeLoginFailed,
		Status:    audit.EventStatusDenied,
		Email:     NormalizeEmail(email),
		Method:    "password",
		IPAddress: httputil.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
}
