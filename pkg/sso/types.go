// Package sso implements federated sign-in against external identity
// providers: OIDC with the authorization code flow and PKCE, and SAML 2.0
// with the SP-initiated redirect binding. Both flows resolve the external
// identity to a local account through a shared provisioning policy and
// terminate in the same session manager as password login.
package sso

import (
	"github.com/emissary-hq/emissary/pkg/auth"
)

// SAMLSettings configures the SAML 2.0 service provider side.
type SAMLSettings struct {
	Enabled      bool   `json:"enabled"`
	ProviderName string `json:"providerName,omitempty"`

	// IdP details.
	EntityID    string `json:"entityId"`
	SSOURL      string `json:"ssoUrl"`
	Certificate string `json:"certificate"`

	// AllowUnsigned accepts assertions without a signature. Only for IdPs
	// that sign at the transport layer instead; off by default.
	AllowUnsigned bool `json:"allowUnsigned,omitempty"`

	AutoProvision  bool      `json:"autoProvision"`
	DefaultRole    auth.Role `json:"defaultRole,omitempty"`
	AllowedDomains []string  `json:"allowedDomains,omitempty"`
}

// Configured reports whether the settings are complete enough to serve the
// flow.
func (s *SAMLSettings) Configured() bool {
	return s != nil && s.Enabled && s.SSOURL != "" && s.EntityID != ""
}

// OIDCSettings configures an OIDC relying party.
type OIDCSettings struct {
	Enabled      bool   `json:"enabled"`
	ProviderName string `json:"providerName,omitempty"`

	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	DiscoveryURL string   `json:"discoveryUrl"`
	Scopes       []string `json:"scopes,omitempty"`

	AutoProvision  bool      `json:"autoProvision"`
	DefaultRole    auth.Role `json:"defaultRole,omitempty"`
	AllowedDomains []string  `json:"allowedDomains,omitempty"`
}

// Configured reports whether the settings are complete enough to serve the
// flow.
func (s *OIDCSettings) Configured() bool {
	return s != nil && s.Enabled && s.ClientID != "" && s.DiscoveryURL != ""
}

// Identity is a verified external identity as asserted by a provider, before
// it is resolved to a local account.
type Identity struct {
	Provider string
	Subject  string
	Email    string
	Name     string
}
