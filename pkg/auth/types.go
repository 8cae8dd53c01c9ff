package auth

import (
	"strings"
	"time"
)

// Role represents an account's role claim. Roles are carried in access tokens
// and enforced by downstream consumers, not by this package.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// User represents a local account. A user is password-capable (PasswordHash
// set), SSO-linked (SSOProvider+SSOSubject set), or both; never neither after
// creation.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	Role         Role       `json:"role"`
	PasswordHash string     `json:"-"`
	SSOProvider  string     `json:"sso_provider,omitempty"`
	SSOSubject   string     `json:"sso_subject,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// Sanitized returns a copy of the user safe to hand to callers and encode in
// responses. The password hash never leaves the auth layer.
func (u *User) Sanitized() *User {
	if u == nil {
		return nil
	}
	clean := *u
	clean.PasswordHash = ""
	return &clean
}

// Organization holds the single-tenant organization settings this subsystem
// can update during bootstrap.
type Organization struct {
	Name      string    `json:"name"`
	Subdomain string    `json:"subdomain"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeEmail lowercases and trims an email address; lookups are
// case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ProviderInfo describes a configured SSO entry point for the public
// provider listing.
type ProviderInfo struct {
	Type string `json:"type"`
	Name string `json:"name"`
	URL  string `json:"url"`
}
