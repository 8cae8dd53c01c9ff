package sso

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emissary-hq/emissary/pkg/auth"
	"github.com/emissary-hq/emissary/pkg/observability"
)

// Policy governs how a verified external identity maps to a local account.
type Policy struct {
	AllowedDomains []string
	AutoProvision  bool
	DefaultRole    auth.Role
}

// Provisioner resolves verified identities to local accounts. The resolution
// order is fixed: domain allowlist, then provider-subject lookup, then email
// linking, then auto-provisioning if the policy permits.
type Provisioner struct {
	users  auth.UserStore
	logger *observability.Logger
}

// NewProvisioner creates a provisioner.
func NewProvisioner(users auth.UserStore, logger *observability.Logger) *Provisioner {
	return &Provisioner{users: users, logger: logger}
}

// Resolve maps identity to a local user under policy. The domain check runs
// before any account lookup so a disallowed domain leaks nothing about which
// accounts exist.
func (p *Provisioner) Resolve(ctx context.Context, identity *Identity, policy Policy) (*auth.User, error) {
	if identity.Email == "" {
		return nil, ErrMissingEmailScope
	}
	if !domainAllowed(identity.Email, policy.AllowedDomains) {
		return nil, ErrDomainNotAllowed
	}

	user, err := p.users.GetUserBySSO(ctx, identity.Provider, identity.Subject)
	if err == nil {
		return user, nil
	}
	if err != auth.ErrNotFound {
		return nil, fmt.Errorf("sso account lookup failed: %w", err)
	}

	user, err = p.users.GetUserByEmail(ctx, identity.Email)
	if err == nil {
		// An existing account with a matching email gets linked to the
		// provider identity on first SSO login.
		if linkErr := p.users.LinkSSOAccount(ctx, user.ID, identity.Provider, identity.Subject); linkErr != nil {
			return nil, fmt.Errorf("failed to link sso account: %w", linkErr)
		}
		user.SSOProvider = identity.Provider
		user.SSOSubject = identity.Subject
		p.logger.WithFields(map[string]interface{}{
			"user_id":  user.ID,
			"provider": identity.Provider,
		}).Info("linked existing account to sso identity")
		return user, nil
	}
	if err != auth.ErrNotFound {
		return nil, fmt.Errorf("email account lookup failed: %w", err)
	}

	if !policy.AutoProvision {
		return nil, ErrAccountNotFound
	}
	return p.createUser(ctx, identity, policy)
}

func (p *Provisioner) createUser(ctx context.Context, identity *Identity, policy Policy) (*auth.User, error) {
	role := policy.DefaultRole
	if role == "" {
		role = auth.RoleMember
	}

	name := identity.Name
	if name == "" {
		// Fall back to the email local part.
		name = identity.Email
		if at := strings.Index(name, "@"); at > 0 {
			name = name[:at]
		}
	}

	now := time.Now().UTC()
	user := &auth.User{
		ID:          uuid.NewString(),
		Email:       identity.Email,
		Name:        name,
		Role:        role,
		SSOProvider: identity.Provider,
		SSOSubject:  identity.Subject,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.users.CreateUser(ctx, user); err != nil {
		if err == auth.ErrAlreadyExists {
			// Lost a race with a concurrent first login; use the winner.
			existing, lookupErr := p.users.GetUserByEmail(ctx, identity.Email)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}

	p.logger.WithFields(map[string]interface{}{
		"user_id":  user.ID,
		"provider": identity.Provider,
		"role":     string(role),
	}).Info("auto-provisioned user from sso identity")
	return user, nil
}

func domainAllowed(email string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, candidate := range allowed {
		if strings.EqualFold(strings.TrimSpace(candidate), domain) {
			return true
		}
	}
	return false
}
