// Package contacts mirrors user lifecycle events (registration, login) to
// the marketing CRM through queued, best-effort jobs.
package contacts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRejected means the CRM refused the request itself; retrying cannot help.
var ErrRejected = errors.New("crm rejected request")

// Contact is the profile mirrored to the CRM.
type Contact struct {
	UserID       uuid.UUID `json:"user_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// CRM is the marketing system contacts are synced to.
type CRM interface {
	UpsertContact(ctx context.Context, c Contact) error
	UpdateLastActive(ctx context.Context, userID uuid.UUID, email string, at time.Time) error
}

// LogCRM logs calls instead of making them (for development)
type LogCRM struct {
	logger *zap.Logger
}

func NewLogCRM(logger *zap.Logger) *LogCRM {
	return &LogCRM{logger: logger}
}

func (l *LogCRM) UpsertContact(ctx context.Context, c Contact) error {
	l.logger.Info("crm upsert contact (development mode)",
		zap.String("user_id", c.UserID.String()),
		zap.String("email", c.Email),
	)
	return nil
}

func (l *LogCRM) UpdateLastActive(ctx context.Context, userID uuid.UUID, email string, at time.Time) error {
	l.logger.Info("crm update last active (development mode)",
		zap.String("user_id", userID.String()),
		zap.Time("last_active_at", at),
	)
	return nil
}
