// Package audit records security-relevant authentication events. Recording is
// always best-effort: a failed audit write must never fail the operation that
// produced it.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/emissary-hq/emissary/pkg/observability"
)

// EventType represents the category of audit event
type EventType string

const (
	EventTypeLogin       EventType = "auth.login"
	EventTypeLoginFailed EventType = "auth.login_failed"
	EventTypeLogout      EventType = "auth.logout"
	EventTypeRefresh     EventType = "auth.token_refresh"
	EventTypeBootstrap   EventType = "auth.bootstrap"
	EventTypeSSOLogin    EventType = "auth.sso_login"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event is a single audit log entry
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Status    EventStatus `json:"status"`
	UserID    string      `json:"user_id,omitempty"`
	Email     string      `json:"email,omitempty"`
	Method    string      `json:"method,omitempty"`
	IPAddress string      `json:"ip_address,omitempty"`
	UserAgent string      `json:"user_agent,omitempty"`
	Message   string      `json:"message,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Store is the persistence boundary for audit events
type Store interface {
	AppendAuditEvent(ctx context.Context, event *Event) error
}

// Logger records audit events
type Logger interface {
	Record(ctx context.Context, event *Event)
}

// StoreLogger persists events to a Store, falling back to the application log
// when no store is configured. Write failures are logged and swallowed.
type StoreLogger struct {
	store Store
	log   *observability.Logger
}

// NewLogger creates an audit logger. store may be nil.
func NewLogger(store Store, log *observability.Logger) *StoreLogger {
	return &StoreLogger{store: store, log: log}
}

// Record fills in event identity fields and persists the event.
func (l *StoreLogger) Record(ctx context.Context, event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	entry := l.log.WithFields(map[string]interface{}{
		"audit_event": string(event.Type),
		"status":      string(event.Status),
		"user_id":     event.UserID,
	})

	if l.store == nil {
		entry.Info("audit event")
		return
	}
	if err := l.store.AppendAuditEvent(ctx, event); err != nil {
		entry.WithError(err).Warn("failed to persist audit event")
	}
}
