package sso

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FlowStateTTL bounds how long a browser has to complete a round trip to the
// identity provider.
const FlowStateTTL = 10 * time.Minute

// flowStateClaims is the signed per-browser OIDC flow state. Carrying it in
// a signed cookie instead of server-side storage keeps callbacks working
// across multiple instances.
type flowStateClaims struct {
	State        string `json:"state"`
	Nonce        string `json:"nonce"`
	CodeVerifier string `json:"cv"`
	RedirectURI  string `json:"redirect_uri"`
	DiscoveryURL string `json:"discovery_url"`
	jwt.RegisteredClaims
}

// samlRequestClaims binds a SAML callback to the AuthnRequest this browser
// started.
type samlRequestClaims struct {
	RequestID string `json:"request_id"`
	jwt.RegisteredClaims
}

// randomHex returns n bytes of randomness, hex encoded.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// verifierCharset is the RFC 7636 unreserved character set.
const verifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// newCodeVerifier returns a 64-character PKCE code verifier.
func newCodeVerifier() (string, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	for i, b := range buf {
		buf[i] = verifierCharset[int(b)%len(verifierCharset)]
	}
	return string(buf), nil
}

// codeChallengeS256 derives the S256 code challenge from a verifier.
func codeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
