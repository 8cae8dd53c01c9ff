package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emissary-hq/emissary/pkg/audit"
	"github.com/emissary-hq/emissary/pkg/auth"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreWithDB(db), mock
}

func userRows() *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "email", "name", "role", "password_hash",
		"sso_provider", "sso_subject", "created_at", "updated_at", "last_login_at",
	}).AddRow("u1", "ada@example.com", "Ada", "owner", "hash", "", "", now, now, nil)
}

func TestGetUserByEmail(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM users WHERE lower\(email\) = lower\(\$1\)`).
		WithArgs("ada@example.com").
		WillReturnRows(userRows())

	user, err := store.GetUserByEmail(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, auth.RoleOwner, user.Role)
	assert.Nil(t, user.LastLoginAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM users WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetUserByID(context.Background(), "missing")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestCreateUserDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO users`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now().UTC()
	err := store.CreateUser(context.Background(), &auth.User{
		ID: "u2", Email: "ada@example.com", Role: auth.RoleMember,
		CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, auth.ErrAlreadyExists)
}

func TestCreateFirstUserWins(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO users`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	now := time.Now().UTC()
	err := store.CreateFirstUser(context.Background(), &auth.User{
		ID: "u1", Email: "ada@example.com", Role: auth.RoleOwner,
		CreatedAt: now, UpdatedAt: now,
	})
	assert.NoError(t, err)
}

func TestCreateFirstUserLoses(t *testing.T) {
	store, mock := newMockStore(t)

	// The guarded INSERT touches no rows when users already exist.
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now().UTC()
	err := store.CreateFirstUser(context.Background(), &auth.User{
		ID: "u2", Email: "eve@example.com", Role: auth.RoleOwner,
		CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, auth.ErrUsersExist)
}

func TestCountUsers(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := store.CountUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestLinkSSOAccountNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE users SET sso_provider`).
		WithArgs("missing", "oidc", "subject").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.LinkSSOAccount(context.Background(), "missing", "oidc", "subject")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestGetSettingNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT value FROM settings WHERE key = \$1`).
		WithArgs("sso.saml").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err := store.GetSetting(context.Background(), "sso.saml")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestAppendAuditEvent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO audit_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AppendAuditEvent(context.Background(), &audit.Event{
		ID:        "e1",
		Type:      audit.EventTypeLogin,
		Status:    audit.EventStatusSuccess,
		CreatedAt: time.Now().UTC(),
	})
	assert.NoError(t, err)
}
