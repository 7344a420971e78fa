package contacts

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/lynk/internal/db"
)

// Dispatcher enqueues a job and returns without waiting for it to run.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind string, payload any) (string, error)
}

// Hooks enqueue contact sync after a user event has been committed. They
// never return an error: a CRM problem must not fail registration or login.
type Hooks struct {
	dispatcher Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

func NewHooks(dispatcher Dispatcher, logger *zap.Logger) *Hooks {
	return &Hooks{dispatcher: dispatcher, logger: logger, now: time.Now}
}

// Registered enqueues contact.add for a newly created user.
func (h *Hooks) Registered(ctx context.Context, u *db.User) {
	registeredAt := u.CreatedAt
	if registeredAt.IsZero() {
		registeredAt = h.now()
	}

	h.dispatch(ctx, KindAdd, u, AddPayload{
		UserID:       u.ID,
		Email:        u.Email,
		Name:         u.Name,
		RegisteredAt: registeredAt.UTC(),
	})
}

// LoggedIn enqueues contact.touch with the login time.
func (h *Hooks) LoggedIn(ctx context.Context, u *db.User) {
	at := h.now()
	if u.LastLoginAt != nil {
		at = *u.LastLoginAt
	}

	h.dispatch(ctx, KindTouch, u, TouchPayload{
		UserID:       u.ID,
		Email:        u.Email,
		LastActiveAt: at.UTC(),
	})
}

func (h *Hooks) dispatch(ctx context.Context, kind string, u *db.User, payload any) {
	// The request may finish before the broker answers.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := h.dispatcher.Dispatch(ctx, kind, payload); err != nil {
		h.logger.Error("failed to enqueue contact sync",
			zap.String("kind", kind),
			zap.String("user_id", u.ID.String()),
			zap.Error(err),
		)
	}
}
