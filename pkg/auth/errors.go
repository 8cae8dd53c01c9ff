package auth

import "errors"

// Error taxonomy for the authentication subsystem. Handlers map these to HTTP
// statuses; verification failures always default to deny.
var (
	ErrInvalidCredentials    = errors.New("invalid email or password")
	ErrUnauthenticated       = errors.New("not authenticated")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrWrongTokenType        = errors.New("wrong token type")
	ErrUserNotFound          = errors.New("user not found")
	ErrRateLimited           = errors.New("too many attempts, try again later")
	ErrBootstrapDisabled     = errors.New("setup has already been completed")
)
