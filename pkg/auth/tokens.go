package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const refreshTokenType = "refresh"

// SessionClaims are the claims carried by an access token. TokenType is
// never set on access tokens; it is decoded so a refresh token presented as
// an access token can be rejected.
type SessionClaims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	TokenType string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// RefreshClaims are the claims carried by a refresh token. The type claim is
// what distinguishes a refresh token from an access token; both are signed
// with the same key and algorithm.
type RefreshClaims struct {
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies the stateless session tokens. It is
// side-effect free and safe for concurrent use.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService creates a token service signing HS256 tokens with secret.
func NewTokenService(secret string, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// Issue signs an access/refresh token pair for the user.
func (ts *TokenService) Issue(user *User) (accessToken, refreshToken string, err error) {
	now := ts.now()

	accessToken, err = ts.SignClaims(&SessionClaims{
		Email: user.Email,
		Role:  string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshToken, err = ts.SignClaims(&RefreshClaims{
		TokenType: refreshTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.refreshTTL)),
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return accessToken, refreshToken, nil
}

// VerifyAccess validates an access token and returns its claims.
func (ts *TokenService) VerifyAccess(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := ts.ParseClaims(token, claims); err != nil {
		return nil, ErrInvalidOrExpiredToken
	}
	if claims.TokenType != "" {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token and returns its claims. A
// syntactically valid access token is rejected with ErrWrongTokenType.
func (ts *TokenService) VerifyRefresh(token string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := ts.ParseClaims(token, claims); err != nil {
		return nil, ErrInvalidOrExpiredToken
	}
	if claims.TokenType != refreshTokenType {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// SignClaims signs an arbitrary claim set with the service key. Used for the
// short-lived SSO flow-state tokens as well as session tokens.
func (ts *TokenService) SignClaims(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
}

// ParseClaims parses and validates a token signed with the service key into
// the supplied claims value.
func (ts *TokenService) ParseClaims(token string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return ts.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(ts.now))
	if err != nil {
		return fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return ErrInvalidOrExpiredToken
	}
	return nil
}
