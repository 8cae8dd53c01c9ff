package sso

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emissary-hq/emissary/pkg/auth"
	"github.com/emissary-hq/emissary/pkg/observability"
	"github.com/emissary-hq/emissary/pkg/storage"
)

// countingStore wraps the memory store to observe whether lookups happen.
type countingStore struct {
	*storage.MemoryStore
	lookups int
}

func (s *countingStore) GetUserBySSO(ctx context.Context, provider, subject string) (*auth.User, error) {
	s.lookups++
	return s.MemoryStore.GetUserBySSO(ctx, provider, subject)
}

func (s *countingStore) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	s.lookups++
	return s.MemoryStore.GetUserByEmail(ctx, email)
}

func testProvisioner(store auth.UserStore) *Provisioner {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewProvisioner(store, logger)
}

func seedUser(t *testing.T, store *storage.MemoryStore, user *auth.User) {
	t.Helper()
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	require.NoError(t, store.CreateUser(context.Background(), user))
}

func TestResolveMissingEmail(t *testing.T) {
	p := testProvisioner(storage.NewMemoryStore())

	_, err := p.Resolve(context.Background(), &Identity{
		Provider: "oidc", Subject: "s1",
	}, Policy{})
	assert.ErrorIs(t, err, ErrMissingEmailScope)
}

func TestResolveDomainDeniedBeforeLookup(t *testing.T) {
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	p := testProvisioner(store)

	_, err := p.Resolve(context.Background(), &Identity{
		Provider: "oidc", Subject: "s1", Email: "ada@evil.example",
	}, Policy{AllowedDomains: []string{"example.com"}})

	assert.ErrorIs(t, err, ErrDomainNotAllowed)
	assert.Zero(t, store.lookups, "no account lookup may happen for a denied domain")
}

func TestResolveExistingSSOAccount(t *testing.T) {
	store := storage.NewMemoryStore()
	seedUser(t, store, &auth.User{
		ID: "u1", Email: "ada@example.com", Role: auth.RoleAdmin,
		SSOProvider: "oidc", SSOSubject: "s1",
	})
	p := testProvisioner(store)

	user, err := p.Resolve(context.Background(), &Identity{
		Provider: "oidc", Subject: "s1", Email: "renamed@example.com",
	}, Policy{})
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, auth.RoleAdmin, user.Role, "existing role is preserved")
}

func TestResolveLinksExistingEmailAccount(t *testing.T) {
	store := storage.NewMemoryStore()
	seedUser(t, store, &auth.User{
		ID: "u1", Email: "ada@example.com", Role: auth.RoleOwner,
	})
	p := testProvisioner(store)

	user, err := p.Resolve(context.Background(), &Identity{
		Provider: "saml", Subject: "name-id-1", Email: "ada@example.com",
	}, Policy{})
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	linked, err := store.GetUserBySSO(context.Background(), "saml", "name-id-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", linked.ID, "the account is linked for future logins")
}

func TestResolveAutoProvisionDisabled(t *testing.T) {
	p := testProvisioner(storage.NewMemoryStore())

	_, err := p.Resolve(context.Background(), &Identity{
		Provider: "oidc", Subject: "s1", Email: "new@example.com",
	}, Policy{AutoProvision: false})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestResolveAutoProvision(t *testing.T) {
	store := storage.NewMemoryStore()
	p := testProvisioner(store)

	user, err := p.Resolve(context.Background(), &Identity{
		Provider: "oidc", Subject: "s1", Email: "new@example.com", Name: "New Person",
	}, Policy{AutoProvision: true})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleMember, user.Role, "default role is member")
	assert.Equal(t, "New Person", user.Name)
	assert.Equal(t, "oidc", user.SSOProvider)
	assert.Empty(t, user.PasswordHash)

	again, err := p.Resolve(context.Background(), &Identity{
		Provider: "oidc", Subject: "s1", Email: "new@example.com",
	}, Policy{AutoProvision: true})
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID, "second login resolves the same account")
}

func TestResolveAutoProvisionNameFallsBackToLocalPart(t *testing.T) {
	p := testProvisioner(storage.NewMemoryStore())

	user, err := p.Resolve(context.Background(), &Identity{
		Provider: "saml", Subject: "s1", Email: "grace.hopper@example.com",
	}, Policy{AutoProvision: true, DefaultRole: auth.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, "grace.hopper", user.Name)
	assert.Equal(t, auth.RoleAdmin, user.Role)
}

func TestDomainAllowed(t *testing.T) {
	tests := []struct {
		email   string
		allowed []string
		want    bool
	}{
		{"ada@example.com", nil, true},
		{"ada@example.com", []string{"example.com"}, true},
		{"ada@EXAMPLE.COM", []string{"example.com"}, true},
		{"ada@example.com", []string{"other.com"}, false},
		{"ada@example.com", []string{"other.com", "example.com"}, true},
		{"no-at-sign", []string{"example.com"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, domainAllowed(tt.email, tt.allowed), "email %s", tt.email)
	}
}
