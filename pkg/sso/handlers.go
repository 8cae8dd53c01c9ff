package sso

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/emissary-hq/emissary/pkg/audit"
	"github.com/emissary-hq/emissary/pkg/auth"
	"github.com/emissary-hq/emissary/pkg/httputil"
	"github.com/emissary-hq/emissary/pkg/observability"
)

// Flow-state cookies are path-scoped to their own callback so they are never
// sent anywhere else, and they live only for the flow window.
const (
	CookieOIDCState   = "em_oidc_state"
	CookieSAMLRequest = "em_saml_req"

	defaultRelayState = "/dashboard"
)

// Handlers serves the browser-facing SSO endpoints under /auth/oidc and
// /auth/saml.
type Handlers struct {
	config      ConfigProvider
	oidc        *OIDCFlow
	saml        *SAMLFlow
	provisioner *Provisioner
	sessions    *auth.SessionManager
	audit       audit.Logger
	logger      *observability.Logger
	metrics     *observability.Metrics

	secureCookies bool
}

// HandlersConfig wires the SSO handlers' collaborators.
type HandlersConfig struct {
	Config        ConfigProvider
	OIDC          *OIDCFlow
	SAML          *SAMLFlow
	Provisioner   *Provisioner
	Sessions      *auth.SessionManager
	Audit         audit.Logger
	Logger        *observability.Logger
	Metrics       *observability.Metrics
	SecureCookies bool
}

// NewHandlers creates the SSO handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{
		config:        cfg.Config,
		oidc:          cfg.OIDC,
		saml:          cfg.SAML,
		provisioner:   cfg.Provisioner,
		sessions:      cfg.Sessions,
		audit:         cfg.Audit,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		secureCookies: cfg.SecureCookies,
	}
}

// RegisterRoutes registers the SSO routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/oidc/authorize", h.oidcAuthorize).Methods("GET")
	router.HandleFunc("/auth/oidc/callback", h.oidcCallback).Methods("GET")
	router.HandleFunc("/auth/saml/login", h.samlLogin).Methods("GET")
	router.HandleFunc("/auth/saml/metadata", h.samlMetadata).Methods("GET")
	router.HandleFunc("/auth/saml/callback", h.samlCallback).Methods("POST")
}

// ProviderInfos reports the configured SSO entry points for the public
// provider listing. It satisfies the auth package's ProviderLister.
func (h *Handlers) ProviderInfos(ctx context.Context) ([]auth.ProviderInfo, bool) {
	var providers []auth.ProviderInfo

	if settings, err := h.config.OIDC(ctx); err == nil && settings.Configured() {
		name := settings.ProviderName
		if name == "" {
			name = "Single Sign-On"
		}
		providers = append(providers, auth.ProviderInfo{
			Type: "oidc",
			Name: name,
			URL:  "/auth/oidc/authorize",
		})
	}
	if settings, err := h.config.SAML(ctx); err == nil && settings.Configured() {
		name := settings.ProviderName
		if name == "" {
			name = "SAML SSO"
		}
		providers = append(providers, auth.ProviderInfo{
			Type: "saml",
			Name: name,
			URL:  "/auth/saml/login",
		})
	}
	return providers, len(providers) > 0
}

// oidcAuthorize handles GET /auth/oidc/authorize
func (h *Handlers) oidcAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, err := h.config.OIDC(ctx)
	if err != nil {
		h.logger.WithError(err).Error("failed to load oidc settings")
		httputil.WriteErrorPage(w, http.StatusInternalServerError, "Sign-in is temporarily unavailable.")
		return
	}

	authz, err := h.oidc.BeginAuthorization(ctx, settings)
	if err != nil {
		h.failFlow(w, r, "oidc", err)
		return
	}

	h.setFlowCookie(w, CookieOIDCState, authz.StateToken, "/auth/oidc", http.SameSiteLaxMode)
	http.Redirect(w, r, authz.RedirectURL, http.StatusFound)
}

// oidcCallback handles GET /auth/oidc/callback
func (h *Handlers) oidcCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stateToken := ""
	if cookie, err := r.Cookie(CookieOIDCState); err == nil {
		stateToken = cookie.Value
	}
	// The flow state is single-use regardless of outcome.
	h.clearFlowCookie(w, CookieOIDCState, "/auth/oidc")

	if errCode := r.URL.Query().Get("error"); errCode != "" {
		h.logger.WithField("error", errCode).Info("oidc provider returned an error")
		h.failFlow(w, r, "oidc", ErrProviderDenied)
		return
	}

	settings, err := h.config.OIDC(ctx)
	if err != nil {
		h.logger.WithError(err).Error("failed to load oidc settings")
		httputil.WriteErrorPage(w, http.StatusInternalServerError, "Sign-in is temporarily unavailable.")
		return
	}

	identity, err := h.oidc.CompleteAuthorization(ctx, settings,
		stateToken,
		r.URL.Query().Get("state"),
		r.URL.Query().Get("code"),
	)
	if err != nil {
		h.failFlow(w, r, "oidc", err)
		return
	}

	h.finishLogin(w, r, "oidc", identity, Policy{
		AllowedDomains: settings.AllowedDomains,
		AutoProvision:  settings.AutoProvision,
		DefaultRole:    settings.DefaultRole,
	}, defaultRelayState)
}

// samlLogin handles GET /auth/saml/login
func (h *Handlers) samlLogin(w http.ResponseWriter, r *http.Request) {
	settings, err := h.config.SAML(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("failed to load saml settings")
		httputil.WriteErrorPage(w, http.StatusInternalServerError, "Sign-in is temporarily unavailable.")
		return
	}

	redirect, err := h.saml.BuildLoginRedirect(settings, defaultRelayState)
	if err != nil {
		h.failFlow(w, r, "saml", err)
		return
	}

	h.setFlowCookie(w, CookieSAMLRequest, redirect.RequestToken, "/auth/saml", h.samlCookieSameSite())
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

// samlMetadata handles GET /auth/saml/metadata
func (h *Handlers) samlMetadata(w http.ResponseWriter, r *http.Request) {
	metadata, err := h.saml.Metadata()
	if err != nil {
		h.logger.WithError(err).Error("failed to render saml metadata")
		httputil.WriteInternalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(metadata)
}

// samlCallback handles POST /auth/saml/callback
func (h *Handlers) samlCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		httputil.WriteErrorPage(w, http.StatusBadRequest, "Malformed sign-in response.")
		return
	}
	encodedResponse := r.PostFormValue("SAMLResponse")
	if encodedResponse == "" {
		httputil.WriteErrorPage(w, http.StatusBadRequest, "Missing sign-in response.")
		return
	}

	requestToken := ""
	if cookie, err := r.Cookie(CookieSAMLRequest); err == nil {
		requestToken = cookie.Value
	}
	h.clearFlowCookie(w, CookieSAMLRequest, "/auth/saml")

	settings, err := h.config.SAML(ctx)
	if err != nil {
		h.logger.WithError(err).Error("failed to load saml settings")
		httputil.WriteErrorPage(w, http.StatusInternalServerError, "Sign-in is temporarily unavailable.")
		return
	}

	assertion, err := h.saml.ParseResponse(settings, encodedResponse)
	if err != nil {
		h.failFlow(w, r, "saml", err)
		return
	}

	// IdP-initiated responses carry no InResponseTo; when both sides are
	// present they must agree.
	if assertion.InResponseTo != "" && requestToken != "" {
		requestID, err := h.saml.VerifyRequestToken(requestToken)
		if err != nil || requestID != assertion.InResponseTo {
			h.failFlow(w, r, "saml", ErrStateMismatch)
			return
		}
	}

	identity := &Identity{
		Provider: "saml",
		Subject:  assertion.NameID,
		Email:    assertion.Email(),
		Name:     assertion.DisplayName(),
	}

	relayState := sanitizeRelayState(r.PostFormValue("RelayState"))
	h.finishLogin(w, r, "saml", identity, Policy{
		AllowedDomains: settings.AllowedDomains,
		AutoProvision:  settings.AutoProvision,
		DefaultRole:    settings.DefaultRole,
	}, relayState)
}

// finishLogin resolves the identity to a local account, starts a session and
// redirects the browser back into the application.
func (h *Handlers) finishLogin(w http.ResponseWriter, r *http.Request, protocol string, identity *Identity, policy Policy, relayState string) {
	ctx := r.Context()

	user, err := h.provisioner.Resolve(ctx, identity, policy)
	if err != nil {
		h.failFlow(w, r, protocol, err)
		return
	}

	if _, err := h.sessions.StartSession(w, r, user, protocol); err != nil {
		h.logger.WithError(err).Error("failed to start sso session")
		httputil.WriteErrorPage(w, http.StatusInternalServerError, "Sign-in is temporarily unavailable.")
		return
	}

	if h.audit != nil {
		h.audit.Record(ctx, &audit.Event{
			Type:      audit.EventTypeSSOLogin,
			Status:    audit.EventStatusSuccess,
			UserID:    user.ID,
			Email:     user.Email,
			Method:    protocol,
			IPAddress: httputil.ClientIP(r),
			UserAgent: r.UserAgent(),
		})
	}

	h.metrics.SSOCallbacks.WithLabelValues(protocol, "success").Inc()
	http.Redirect(w, r, relayState, http.StatusFound)
}

// failFlow maps a flow error to a user-facing error page and records the
// outcome.
func (h *Handlers) failFlow(w http.ResponseWriter, r *http.Request, protocol string, err error) {
	status := http.StatusBadRequest
	message := "Sign-in failed. Please try again."

	switch {
	case errors.Is(err, ErrNotConfigured):
		status = http.StatusNotFound
		message = "This sign-in method is not configured."
	case errors.Is(err, ErrProviderDenied):
		status = http.StatusForbidden
		message = "The identity provider declined the sign-in."
	case errors.Is(err, ErrDomainNotAllowed):
		status = http.StatusForbidden
		message = "Your email domain is not allowed to sign in here."
	case errors.Is(err, ErrAccountNotFound):
		status = http.StatusForbidden
		message = "No account exists for this identity. Ask an administrator for an invitation."
	case errors.Is(err, ErrMissingEmailScope):
		message = "The identity provider did not share an email address."
	case errors.Is(err, ErrFlowExpired):
		message = "The sign-in attempt expired. Please start again."
	case errors.Is(err, ErrMissingCode):
		message = "The sign-in response was incomplete. Please start again."
	case errors.Is(err, ErrStateMismatch), errors.Is(err, ErrNonceMismatch):
		message = "The sign-in attempt could not be verified. Please start again."
	case errors.Is(err, ErrAssertionExpired), errors.Is(err, ErrAssertionNotYetValid):
		message = "The sign-in response is outside its validity window."
	case errors.Is(err, ErrSignatureInvalid):
		status = http.StatusForbidden
		message = "The sign-in response could not be verified."
	default:
		h.logger.WithError(err).WithField("protocol", protocol).Error("sso flow failed")
		status = http.StatusInternalServerError
		message = "Sign-in is temporarily unavailable."
	}

	if status != http.StatusInternalServerError {
		h.logger.WithError(err).WithField("protocol", protocol).Info("sso sign-in rejected")
	}
	if h.audit != nil {
		h.audit.Record(r.Context(), &audit.Event{
			Type:      audit.EventTypeSSOLogin,
			Status:    audit.EventStatusDenied,
			Method:    protocol,
			IPAddress: httputil.ClientIP(r),
			Message:   err.Error(),
		})
	}
	h.metrics.SSOCallbacks.WithLabelValues(protocol, "failure").Inc()
	httputil.WriteErrorPage(w, status, message)
}

// samlCookieSameSite picks the SameSite mode for the SAML request cookie.
// The IdP delivers the response as a cross-site POST, and browsers omit Lax
// cookies on those, so the cookie must be SameSite=None to survive the round
// trip. None requires Secure; plain-http deployments fall back to Lax, where
// the callback simply skips the InResponseTo binding.
func (h *Handlers) samlCookieSameSite() http.SameSite {
	if h.secureCookies {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

func (h *Handlers) setFlowCookie(w http.ResponseWriter, name, value, path string, sameSite http.SameSite) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   int(FlowStateTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: sameSite,
	})
}

func (h *Handlers) clearFlowCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// sanitizeRelayState only honors same-site relative paths.
func sanitizeRelayState(relayState string) string {
	if relayState == "" {
		return defaultRelayState
	}
	if !strings.HasPrefix(relayState, "/") || strings.HasPrefix(relayState, "//") {
		return defaultRelayState
	}
	return relayState
}
