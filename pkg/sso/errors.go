package sso

import "errors"

var (
	// ErrNotConfigured is returned when a flow is invoked without the
	// corresponding provider being set up.
	ErrNotConfigured = errors.New("sso provider not configured")

	// ErrStateMismatch is returned when the state echoed by the provider does
	// not match the value bound to this browser's flow.
	ErrStateMismatch = errors.New("state parameter mismatch")

	// ErrNonceMismatch is returned when the ID token's nonce does not match
	// the value bound to this flow.
	ErrNonceMismatch = errors.New("nonce mismatch")

	// ErrFlowExpired is returned when no valid flow-state accompanies a
	// callback, typically because the ten minute window elapsed.
	ErrFlowExpired = errors.New("sign-in flow expired or missing")

	// ErrMissingCode is returned when an OIDC callback arrives without an
	// authorization code.
	ErrMissingCode = errors.New("authorization code missing from callback")

	// ErrMissingEmailScope is returned when a provider asserts an identity
	// without an email address.
	ErrMissingEmailScope = errors.New("identity provider did not supply an email address")

	// ErrDomainNotAllowed is returned when the asserted email's domain is not
	// on the allowlist.
	ErrDomainNotAllowed = errors.New("email domain not allowed")

	// ErrAccountNotFound is returned when no local account matches and
	// auto-provisioning is disabled.
	ErrAccountNotFound = errors.New("no account for this identity")

	// ErrProviderDenied is returned when the provider reports a non-success
	// outcome, such as the user cancelling at the IdP.
	ErrProviderDenied = errors.New("identity provider denied the request")

	// ErrAssertionExpired is returned when a SAML assertion's validity window
	// has passed.
	ErrAssertionExpired = errors.New("assertion expired")

	// ErrAssertionNotYetValid is returned when a SAML assertion's validity
	// window has not begun.
	ErrAssertionNotYetValid = errors.New("assertion not yet valid")

	// ErrSignatureInvalid is returned when a SAML signature is missing,
	// malformed, or does not verify against the configured certificate.
	ErrSignatureInvalid = errors.New("assertion signature invalid")

	// ErrNoIdentitySource is returned when an OIDC provider supplies neither a
	// usable ID token nor a userinfo endpoint.
	ErrNoIdentitySource = errors.New("provider supplied no identity source")
)
