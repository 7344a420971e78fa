// Package newsletter delivers one newsletter to one user as a queued job
// and fans a newsletter out to every subscriber.
package newsletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/lynk/internal/db"
	"github.com/lalithlochan/lynk/internal/mail"
	"github.com/lalithlochan/lynk/internal/queue"
)

// Kind is the job kind of a single newsletter delivery.
const Kind = "newsletter.send"

// Payload identifies one delivery. TestEmail redirects the message to
// another address and leaves the delivery record untouched.
type Payload struct {
	NewsletterID uuid.UUID `json:"newsletter_id"`
	UserID       uuid.UUID `json:"user_id"`
	TestEmail    string    `json:"test_email,omitempty"`
}

// Store is the persistence the send job needs.
type Store interface {
	GetNewsletter(ctx context.Context, id uuid.UUID) (*db.Newsletter, error)
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	BeginDelivery(ctx context.Context, newsletterID, userID uuid.UUID) (sent bool, err error)
	RecordSent(ctx context.Context, newsletterID, userID uuid.UUID) error
}

// PixelURLs renders the tracking pixel address for a delivery.
type PixelURLs interface {
	PixelURL(newsletterID, userID uuid.UUID) string
}

// SendJob renders a newsletter for one user and hands it to the mailer.
type SendJob struct {
	store   Store
	mailer  mail.Mailer
	pixels  PixelURLs
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ queue.Job = (*SendJob)(nil)

// NewSendJob creates the job. limiter caps outgoing mail across all workers
// of this process; nil disables the cap.
func NewSendJob(store Store, mailer mail.Mailer, pixels PixelURLs, limiter *rate.Limiter, logger *zap.Logger) *SendJob {
	return &SendJob{
		store:   store,
		mailer:  mailer,
		pixels:  pixels,
		limiter: limiter,
		logger:  logger,
	}
}

func (j *SendJob) Kind() string { return Kind }

// Policy allows 3 attempts waiting 30s, then 60s, and gives up after 2 panics.
func (j *SendJob) Policy() queue.Policy {
	return queue.Policy{
		Tries:         3,
		Backoff:       []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
		MaxExceptions: 2,
		Timeout:       2 * time.Minute,
	}
}

func (j *SendJob) Handle(ctx context.Context, raw json.RawMessage) error {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	testSend := p.TestEmail != ""

	n, err := j.store.GetNewsletter(ctx, p.NewsletterID)
	if err != nil {
		return classifyLoad("newsletter", err)
	}
	u, err := j.store.GetUser(ctx, p.UserID)
	if err != nil {
		return classifyLoad("user", err)
	}

	if !testSend {
		sent, err := j.store.BeginDelivery(ctx, n.ID, u.ID)
		if err != nil {
			return fmt.Errorf("begin delivery: %w", err)
		}
		if sent {
			j.logger.Info("newsletter already delivered, skipping",
				zap.String("newsletter_id", n.ID.String()),
				zap.String("user_id", u.ID.String()),
			)
			return nil
		}
	}

	to := u.Email
	pixelURL := ""
	if testSend {
		to = p.TestEmail
	} else if j.pixels != nil {
		pixelURL = j.pixels.PixelURL(n.ID, u.ID)
	}

	msg, err := Render(n, u, to, pixelURL)
	if err != nil {
		return queue.Permanent(err)
	}

	if j.limiter != nil {
		if err := j.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for send slot: %w", err)
		}
	}

	if err := j.mailer.Send(ctx, msg); err != nil {
		j.logger.Error("newsletter delivery failed",
			zap.String("newsletter_id", n.ID.String()),
			zap.String("user_id", u.ID.String()),
			zap.String("email", to),
			zap.Bool("test", testSend),
			zap.Error(err),
		)
		if mail.IsPermanent(err) {
			return queue.Permanent(err)
		}
		return err
	}

	j.logger.Info("newsletter delivered",
		zap.String("newsletter_id", n.ID.String()),
		zap.String("user_id", u.ID.String()),
		zap.String("email", to),
		zap.Bool("test", testSend),
	)

	if testSend {
		return nil
	}

	if err := j.store.RecordSent(ctx, n.ID, u.ID); err != nil {
		return fmt.Errorf("record sent: %w", err)
	}
	return nil
}

// Failed logs the terminal failure. Nothing is requeued.
func (j *SendJob) Failed(ctx context.Context, raw json.RawMessage, err error) {
	var p Payload
	_ = json.Unmarshal(raw, &p)

	j.logger.Error("newsletter delivery permanently failed",
		zap.String("newsletter_id", p.NewsletterID.String()),
		zap.String("user_id", p.UserID.String()),
		zap.Bool("test", p.TestEmail != ""),
		zap.Error(err),
	)
}

func classifyLoad(what string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("load %s: %w", what, err))
	}
	return fmt.Errorf("load %s: %w", what, err)
}
