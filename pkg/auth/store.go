package auth

import (
	"context"
	"errors"
)

// Storage sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when a unique constraint would be violated.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrUsersExist is returned by CreateFirstUser when the zero-user
	// invariant no longer holds.
	ErrUsersExist = errors.New("users already exist")
)

// UserStore is the persistence boundary for user records. Implementations
// must treat email lookups as case-insensitive.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserBySSO(ctx context.Context, provider, subject string) (*User, error)

	// CreateUser inserts a new user; ErrAlreadyExists on a duplicate email.
	CreateUser(ctx context.Context, user *User) error

	// CreateFirstUser atomically inserts the user only while zero users
	// exist. Two concurrent calls must not both succeed.
	CreateFirstUser(ctx context.Context, user *User) error

	// LinkSSOAccount records an external identity on an existing user.
	LinkSSOAccount(ctx context.Context, userID, provider, subject string) error

	TouchLastLogin(ctx context.Context, userID string) error
	CountUsers(ctx context.Context) (int, error)
}

// SettingsStore is the persistence boundary for organization settings and
// opaque configuration blobs (SSO provider settings live here as JSON).
type SettingsStore interface {
	GetOrganization(ctx context.Context) (*Organization, error)
	UpdateOrganization(ctx context.Context, org *Organization) error

	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Store combines the persistence interfaces the auth handlers need.
type Store interface {
	UserStore
	SettingsStore
}
