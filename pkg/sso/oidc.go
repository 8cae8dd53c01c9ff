package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/emissary-hq/emissary/pkg/auth"
)

var defaultOIDCScopes = []string{"openid", "profile", "email"}

// discoveryDocument is the subset of the provider metadata the flow uses.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
}

// OIDCFlow runs the authorization code flow with PKCE against a provider
// described by its discovery document. Per-browser state travels in a signed
// token minted and checked here; the flow keeps no server-side session.
type OIDCFlow struct {
	tokens  *auth.TokenService
	keys    *KeyCache
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewOIDCFlow creates an OIDC flow. baseURL is this deployment's external
// base URL, used to derive the redirect URI.
func NewOIDCFlow(tokens *auth.TokenService, baseURL string) (*OIDCFlow, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	keys, err := NewKeyCache(client)
	if err != nil {
		return nil, err
	}
	return &OIDCFlow{
		tokens:  tokens,
		keys:    keys,
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// RedirectURI returns the callback URL registered with the provider.
func (f *OIDCFlow) RedirectURI() string {
	return f.baseURL + "/auth/oidc/callback"
}

// Authorization is the result of starting a flow: where to send the browser
// and the signed state that must accompany the callback.
type Authorization struct {
	RedirectURL string
	StateToken  string
}

// BeginAuthorization builds the provider authorization URL and the signed
// flow state binding this browser to it.
func (f *OIDCFlow) BeginAuthorization(ctx context.Context, settings *OIDCSettings) (*Authorization, error) {
	if !settings.Configured() {
		return nil, ErrNotConfigured
	}

	doc, err := f.fetchDiscovery(ctx, settings.DiscoveryURL)
	if err != nil {
		return nil, err
	}

	state, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	nonce, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	verifier, err := newCodeVerifier()
	if err != nil {
		return nil, err
	}

	now := f.now()
	stateToken, err := f.tokens.SignClaims(&flowStateClaims{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		RedirectURI:  f.RedirectURI(),
		DiscoveryURL: settings.DiscoveryURL,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(FlowStateTTL)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign flow state: %w", err)
	}

	scopes := settings.Scopes
	if len(scopes) == 0 {
		scopes = defaultOIDCScopes
	}

	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", settings.ClientID)
	query.Set("redirect_uri", f.RedirectURI())
	query.Set("scope", strings.Join(scopes, " "))
	query.Set("state", state)
	query.Set("nonce", nonce)
	query.Set("code_challenge", codeChallengeS256(verifier))
	query.Set("code_challenge_method", "S256")

	return &Authorization{
		RedirectURL: doc.AuthorizationEndpoint + "?" + query.Encode(),
		StateToken:  stateToken,
	}, nil
}

// CompleteAuthorization validates the callback against the signed flow state,
// exchanges the code and verifies the resulting identity. The state check
// happens before any contact with the token endpoint.
func (f *OIDCFlow) CompleteAuthorization(ctx context.Context, settings *OIDCSettings, stateToken, state, code string) (*Identity, error) {
	if !settings.Configured() {
		return nil, ErrNotConfigured
	}
	if stateToken == "" {
		return nil, ErrFlowExpired
	}

	flow := &flowStateClaims{}
	if err := f.tokens.ParseClaims(stateToken, flow); err != nil {
		return nil, ErrFlowExpired
	}
	if state == "" || state != flow.State {
		return nil, ErrStateMismatch
	}
	if code == "" {
		return nil, ErrMissingCode
	}

	// The discovery URL was pinned into the flow state at authorization
	// time; a settings change mid-flow must not redirect the exchange.
	doc, err := f.fetchDiscovery(ctx, flow.DiscoveryURL)
	if err != nil {
		return nil, err
	}

	tokens, err := f.exchangeCode(ctx, doc, settings, code, flow)
	if err != nil {
		return nil, err
	}

	if tokens.IDToken != "" {
		return f.verifyIDToken(ctx, doc, settings, tokens.IDToken, flow.Nonce)
	}
	if doc.UserinfoEndpoint != "" && tokens.AccessToken != "" {
		return f.fetchUserinfo(ctx, doc, tokens.AccessToken, settings)
	}
	return nil, ErrNoIdentitySource
}

func (f *OIDCFlow) fetchDiscovery(ctx context.Context, discoveryURL string) (*discoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, fmt.Errorf("discovery document missing required endpoints")
	}
	return &doc, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
}

func (f *OIDCFlow) exchangeCode(ctx context.Context, doc *discoveryDocument, settings *OIDCSettings, code string, flow *flowStateClaims) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", flow.RedirectURI)
	form.Set("client_id", settings.ClientID)
	form.Set("code_verifier", flow.CodeVerifier)
	if settings.ClientSecret != "" {
		form.Set("client_secret", settings.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, doc.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokens tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &tokens, nil
}

// idTokenClaims are the claims the flow consumes from a verified ID token.
type idTokenClaims struct {
	Nonce             string `json:"nonce"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	jwt.RegisteredClaims
}

// displayName prefers the name claim, falling back to preferred_username for
// providers that only emit the latter.
func displayName(name, preferredUsername string) string {
	if name != "" {
		return name
	}
	return preferredUsername
}

func (f *OIDCFlow) verifyIDToken(ctx context.Context, doc *discoveryDocument, settings *OIDCSettings, rawToken, expectedNonce string) (*Identity, error) {
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("discovery document has no jwks_uri")
	}

	claims := &idTokenClaims{}
	parsed, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("id token has no kid header")
		}
		return f.keys.Key(ctx, doc.JWKSURI, kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(f.now),
		jwt.WithAudience(settings.ClientID),
	)
	if err != nil {
		return nil, fmt.Errorf("id token verification failed: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("id token invalid")
	}
	if doc.Issuer != "" && claims.Issuer != doc.Issuer {
		return nil, fmt.Errorf("id token issuer %q does not match provider %q", claims.Issuer, doc.Issuer)
	}
	if claims.Nonce != expectedNonce {
		return nil, ErrNonceMismatch
	}
	if claims.Email == "" {
		return nil, ErrMissingEmailScope
	}

	return &Identity{
		Provider: "oidc",
		Subject:  claims.Subject,
		Email:    auth.NormalizeEmail(claims.Email),
		Name:     displayName(claims.Name, claims.PreferredUsername),
	}, nil
}

func (f *OIDCFlow) fetchUserinfo(ctx context.Context, doc *discoveryDocument, accessToken string, settings *OIDCSettings) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}

	var info struct {
		Sub               string `json:"sub"`
		Email             string `json:"email"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	if info.Email == "" {
		return nil, ErrMissingEmailScope
	}

	return &Identity{
		Provider: "oidc",
		Subject:  info.Sub,
		Email:    auth.NormalizeEmail(info.Email),
		Name:     displayName(info.Name, info.PreferredUsername),
	}, nil
}
