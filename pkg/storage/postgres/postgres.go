// Package postgres implements the authentication stores on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/emissary-hq/emissary/pkg/audit"
	"github.com/emissary-hq/emissary/pkg/auth"
)

// Store implements auth.Store and audit.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// Config holds database connection configuration.
type Config struct {
	URL      string
	MaxConns int
	MinConns int
	Timeout  time.Duration
}

// NewStore connects to PostgreSQL and verifies the connection.
func NewStore(config Config) (*Store, error) {
	db, err := sql.Open("postgres", config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if config.MaxConns == 0 {
		config.MaxConns = 10
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	db.SetMaxOpenConns(config.MaxConns)
	db.SetMaxIdleConns(config.MinConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection, used by tests.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables used by the store if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL DEFAULT '',
			role          TEXT NOT NULL DEFAULT 'member',
			password_hash TEXT NOT NULL DEFAULT '',
			sso_provider  TEXT NOT NULL DEFAULT '',
			sso_subject   TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_login_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_sso_idx
			ON users (sso_provider, sso_subject)
			WHERE sso_provider <> ''`,
		`CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id         TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			status     TEXT NOT NULL,
			user_id    TEXT NOT NULL DEFAULT '',
			email      TEXT NOT NULL DEFAULT '',
			method     TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			message    TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const userColumns = `id, email, name, role, password_hash, sso_provider, sso_subject, created_at, updated_at, last_login_at`

func scanUser(row *sql.Row) (*auth.User, error) {
	var user auth.User
	var lastLogin sql.NullTime
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.PasswordHash,
		&user.SSOProvider,
		&user.SSOSubject,
		&user.CreatedAt,
		&user.UpdatedAt,
		&lastLogin,
	)
	if err == sql.ErrNoRows {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	if lastLogin.Valid {
		user.LastLoginAt = &lastLogin.Time
	}
	return &user, nil
}

// GetUserByID returns the user with the given ID.
func (s *Store) GetUserByID(ctx context.Context, id string) (*auth.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByEmail returns the user with the given email, matched
// case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	return scanUser(s.db.QueryRowContext(ctx, query, email))
}

// GetUserBySSO returns the user linked to the given provider subject.
func (s *Store) GetUserBySSO(ctx context.Context, provider, subject string) (*auth.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE sso_provider = $1 AND sso_subject = $2`
	return scanUser(s.db.QueryRowContext(ctx, query, provider, subject))
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, user *auth.User) error {
	query := `
		INSERT INTO users (id, email, name, role, password_hash, sso_provider, sso_subject, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (email) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		user.ID, user.Email, user.Name, string(user.Role), user.PasswordHash,
		user.SSOProvider, user.SSOSubject, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if rows == 0 {
		return auth.ErrAlreadyExists
	}
	return nil
}

// CreateFirstUser inserts user only when the users table is empty. The
// guard is part of the INSERT statement itself, so two racing bootstrap
// requests cannot both succeed.
func (s *Store) CreateFirstUser(ctx context.Context, user *auth.User) error {
	query := `
		INSERT INTO users (id, email, name, role, password_hash, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (SELECT 1 FROM users)
	`
	result, err := s.db.ExecContext(ctx, query,
		user.ID, user.Email, user.Name, string(user.Role), user.PasswordHash,
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create first user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create first user: %w", err)
	}
	if rows == 0 {
		return auth.ErrUsersExist
	}
	return nil
}

// LinkSSOAccount attaches a provider identity to an existing user.
func (s *Store) LinkSSOAccount(ctx context.Context, userID, provider, subject string) error {
	query := `UPDATE users SET sso_provider = $2, sso_subject = $3, updated_at = now() WHERE id = $1`
	result, err := s.db.ExecContext(ctx, query, userID, provider, subject)
	if err != nil {
		return fmt.Errorf("failed to link sso account: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to link sso account: %w", err)
	}
	if rows == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// TouchLastLogin updates the user's last login timestamp.
func (s *Store) TouchLastLogin(ctx context.Context, userID string) error {
	query := `UPDATE users SET last_login_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// CountUsers returns the number of registered users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// GetOrganization returns the organization settings. A missing row yields an
// empty organization rather than an error.
func (s *Store) GetOrganization(ctx context.Context) (*auth.Organization, error) {
	var org auth.Organization
	query := `SELECT value, updated_at FROM settings WHERE key = 'organization.name'`
	err := s.db.QueryRowContext(ctx, query).Scan(&org.Name, &org.UpdatedAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}

	query = `SELECT value FROM settings WHERE key = 'organization.subdomain'`
	err = s.db.QueryRowContext(ctx, query).Scan(&org.Subdomain)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}
	return &org, nil
}

// UpdateOrganization stores the organization settings.
func (s *Store) UpdateOrganization(ctx context.Context, org *auth.Organization) error {
	if err := s.PutSetting(ctx, "organization.name", org.Name); err != nil {
		return err
	}
	return s.PutSetting(ctx, "organization.subdomain", org.Subdomain)
}

// GetSetting returns a named settings document.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", auth.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load setting %s: %w", key, err)
	}
	return value, nil
}

// PutSetting upserts a named settings document.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}

// AppendAuditEvent inserts an audit event.
func (s *Store) AppendAuditEvent(ctx context.Context, event *audit.Event) error {
	query := `
		INSERT INTO audit_events (id, event_type, status, user_id, email, method, ip_address, user_agent, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID, string(event.Type), string(event.Status), event.UserID, event.Email,
		event.Method, event.IPAddress, event.UserAgent, event.Message, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}
