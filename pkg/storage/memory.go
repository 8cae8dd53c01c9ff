// Package storage provides the persistence implementations backing the
// authentication subsystem. The in-memory store here is used for development
// and tests; the postgres subpackage is the production store.
package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/emissary-hq/emissary/pkg/audit"
	"github.com/emissary-hq/emissary/pkg/auth"
)

// MemoryStore is a mutex-guarded in-memory implementation of auth.Store and
// audit.Store. Emails are matched case-insensitively.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*auth.User // keyed by ID
	org      auth.Organization
	settings map[string]string
	events   []*audit.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*auth.User),
		settings: make(map[string]string),
	}
}

// GetUserByID returns the user with the given ID.
func (s *MemoryStore) GetUserByID(_ context.Context, id string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneUser(user), nil
}

// GetUserByEmail returns the user with the given email address.
func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user := s.findByEmail(email)
	if user == nil {
		return nil, auth.ErrNotFound
	}
	return cloneUser(user), nil
}

// GetUserBySSO returns the user linked to the given provider subject.
func (s *MemoryStore) GetUserBySSO(_ context.Context, provider, subject string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.SSOProvider == provider && user.SSOSubject == subject {
			return cloneUser(user), nil
		}
	}
	return nil, auth.ErrNotFound
}

// CreateUser adds a new user. The email must not already be registered.
func (s *MemoryStore) CreateUser(_ context.Context, user *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findByEmail(user.Email) != nil {
		return auth.ErrAlreadyExists
	}
	s.users[user.ID] = cloneUser(user)
	return nil
}

// CreateFirstUser adds user only if the store holds no users at all. The
// check and insert happen under one lock, so concurrent bootstrap attempts
// cannot both succeed.
func (s *MemoryStore) CreateFirstUser(_ context.Context, user *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.users) > 0 {
		return auth.ErrUsersExist
	}
	s.users[user.ID] = cloneUser(user)
	return nil
}

// LinkSSOAccount attaches a provider identity to an existing user.
func (s *MemoryStore) LinkSSOAccount(_ context.Context, userID, provider, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	user.SSOProvider = provider
	user.SSOSubject = subject
	user.UpdatedAt = time.Now().UTC()
	return nil
}

// TouchLastLogin updates the user's last login timestamp.
func (s *MemoryStore) TouchLastLogin(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	now := time.Now().UTC()
	user.LastLoginAt = &now
	return nil
}

// CountUsers returns the number of registered users.
func (s *MemoryStore) CountUsers(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

// GetOrganization returns the organization settings.
func (s *MemoryStore) GetOrganization(_ context.Context) (*auth.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org := s.org
	return &org, nil
}

// UpdateOrganization replaces the organization settings.
func (s *MemoryStore) UpdateOrganization(_ context.Context, org *auth.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.org = *org
	return nil
}

// GetSetting returns a named settings document.
func (s *MemoryStore) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.settings[key]
	if !ok {
		return "", auth.ErrNotFound
	}
	return value, nil
}

// PutSetting stores a named settings document.
func (s *MemoryStore) PutSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[key] = value
	return nil
}

// AppendAuditEvent records an audit event.
func (s *MemoryStore) AppendAuditEvent(_ context.Context, event *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

// AuditEvents returns a snapshot of recorded events, oldest first.
func (s *MemoryStore) AuditEvents() []*audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

// findByEmail requires the lock to be held.
func (s *MemoryStore) findByEmail(email string) *auth.User {
	normalized := strings.ToLower(strings.TrimSpace(email))
	for _, user := range s.users {
		if strings.ToLower(user.Email) == normalized {
			return user
		}
	}
	return nil
}

func cloneUser(user *auth.User) *auth.User {
	copied := *user
	if user.LastLoginAt != nil {
		t := *user.LastLoginAt
		copied.LastLoginAt = &t
	}
	return &copied
}
