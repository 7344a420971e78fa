package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/lynk/internal/queue"
)

// Job kinds
const (
	KindAdd   = "contact.add"
	KindTouch = "contact.touch"
)

// AddPayload is enqueued once per registration.
type AddPayload struct {
	UserID       uuid.UUID `json:"user_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// TouchPayload is enqueued on every login.
type TouchPayload struct {
	UserID       uuid.UUID `json:"user_id"`
	Email        string    `json:"email"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// AddContactJob creates or refreshes the CRM contact of a new user.
type AddContactJob struct {
	crm    CRM
	logger *zap.Logger
}

func NewAddContactJob(crm CRM, logger *zap.Logger) *AddContactJob {
	return &AddContactJob{crm: crm, logger: logger}
}

func (j *AddContactJob) Kind() string { return KindAdd }

func (j *AddContactJob) Policy() queue.Policy {
	return queue.Policy{
		Tries:         3,
		Backoff:       []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
		MaxExceptions: 2,
	}
}

func (j *AddContactJob) Handle(ctx context.Context, raw json.RawMessage) error {
	var p AddPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	err := j.crm.UpsertContact(ctx, Contact{
		UserID:       p.UserID,
		Email:        p.Email,
		Name:         p.Name,
		RegisteredAt: p.RegisteredAt,
	})
	if err != nil {
		return classify(err)
	}

	j.logger.Info("contact synced to crm", zap.String("user_id", p.UserID.String()))
	return nil
}

func (j *AddContactJob) Failed(ctx context.Context, raw json.RawMessage, err error) {
	var p AddPayload
	_ = json.Unmarshal(raw, &p)
	j.logger.Error("crm contact sync permanently failed",
		zap.String("user_id", p.UserID.String()),
		zap.Error(err),
	)
}

// TouchJob records the latest login on the CRM contact.
type TouchJob struct {
	crm    CRM
	logger *zap.Logger
}

func NewTouchJob(crm CRM, logger *zap.Logger) *TouchJob {
	return &TouchJob{crm: crm, logger: logger}
}

func (j *TouchJob) Kind() string { return KindTouch }

// Policy retries 3 times on a flat 60s backoff.
func (j *TouchJob) Policy() queue.Policy {
	return queue.Policy{
		Tries:   3,
		Backoff: []time.Duration{60 * time.Second},
	}
}

func (j *TouchJob) Handle(ctx context.Context, raw json.RawMessage) error {
	var p TouchPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	if err := j.crm.UpdateLastActive(ctx, p.UserID, p.Email, p.LastActiveAt); err != nil {
		return classify(err)
	}

	j.logger.Debug("crm last active updated", zap.String("user_id", p.UserID.String()))
	return nil
}

func (j *TouchJob) Failed(ctx context.Context, raw json.RawMessage, err error) {
	var p TouchPayload
	_ = json.Unmarshal(raw, &p)
	j.logger.Error("crm last active sync permanently failed",
		zap.String("user_id", p.UserID.String()),
		zap.Error(err),
	)
}

func classify(err error) error {
	if errors.Is(err, ErrRejected) {
		return queue.Permanent(err)
	}
	return err
}
